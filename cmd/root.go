package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "backbone",
	Short: "Event-sourced tenant backbone",
	Long: `An append-only event log with synchronous projections, a durable
workflow queue and the tenant bootstrap saga.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			config.SetConfigFile(cfgFile)
		}

		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		configureLogging(cfg)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ./app.env)")
}

// configureLogging applies the configured level and format. LOG_LEVEL set in
// the environment keeps precedence.
func configureLogging(cfg config.Config) {
	if os.Getenv("LOG_LEVEL") == "" && cfg.Logging.Level != "" {
		if level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	if cfg.Logging.Format == "console" || cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
