package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	reprocessEventID string
	reprocessFailed  bool
	reprocessLimit   int
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Dispatch stored events to their projections again",
	Long: `Clear the processing state of an event (--event-id) or of every failed
event (--failed) and run its projection handlers again. Payloads are never changed.`,
	RunE: runReprocess,
}

func init() {
	reprocessCmd.Flags().StringVar(&reprocessEventID, "event-id", "", "event to reprocess")
	reprocessCmd.Flags().BoolVar(&reprocessFailed, "failed", false, "reprocess every failed event")
	reprocessCmd.Flags().IntVar(&reprocessLimit, "limit", 500, "maximum number of failed events to reprocess")
	rootCmd.AddCommand(reprocessCmd)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	if (reprocessEventID == "") == !reprocessFailed {
		return errors.New("exactly one of --event-id or --failed is required")
	}

	ctx := context.Background()
	b, err := openBackbone(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if reprocessEventID != "" {
		res, err := b.store.Reprocess(ctx, reprocessEventID)
		if err != nil {
			return errors.Wrapf(err, "failed to reprocess event %s", reprocessEventID)
		}
		if res.ProcessingError != nil {
			return errors.Errorf("event %s still fails: %s", reprocessEventID, *res.ProcessingError)
		}
		log.Info().Str("event_id", reprocessEventID).Msg("Event reprocessed")
		return nil
	}

	report, err := b.store.ReprocessFailed(ctx, reprocessLimit)
	if err != nil {
		return errors.Wrap(err, "failed to reprocess failed events")
	}
	log.Info().
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Strs("still_failing", report.Failed).
		Msg("Failed events reprocessed")
	if len(report.Failed) > 0 {
		return errors.Errorf("%d events still fail", len(report.Failed))
	}
	return nil
}
