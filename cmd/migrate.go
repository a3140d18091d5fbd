package cmd

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.DB, false)
		if err != nil {
			return errors.Wrap(err, "failed to connect to database")
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		if err := database.Migrate(db); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
		log.Info().Msg("Database migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
