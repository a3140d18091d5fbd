package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/api"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/commands"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/queue"
)

var embeddedWorker bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long:  `Start the HTTP API. With --embedded-worker the process also runs bootstrap workflows.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", false, "run the workflow dispatcher in the server process")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Info().Str("environment", cfg.Environment).Msg("Starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackbone(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	deps := api.Dependencies{
		Store:    b.store,
		Commands: commands.NewService(b.store, b.db),
		Queue:    queue.New(b.db, b.store),
		Indexer:  b.indexer,
		Tracer:   b.tracer,
	}

	g, ctx := errgroup.WithContext(ctx)

	if embeddedWorker {
		w, err := newWorker(b, cfg)
		if err != nil {
			return err
		}
		defer w.Close()
		deps.Engine = w.engine
		g.Go(func() error {
			return w.dispatcher.Run(ctx)
		})
	}

	server := api.NewServer(cfg.Server, deps)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Server exited properly")
	return nil
}
