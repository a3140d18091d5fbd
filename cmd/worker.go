package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the workflow worker",
	Long: `Start the worker that claims workflow queue jobs and runs the tenant
bootstrap saga. Jobs are found through the Redis change feed and a scheduled
poll; stale claims are requeued.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	b, err := openBackbone(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	w, err := newWorker(b, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("worker_id", w.dispatcher.WorkerID()).Msg("Starting workflow dispatcher")
		return w.dispatcher.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
