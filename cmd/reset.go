package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newResetCmd creates the 'reset' subcommand, which discards all persisted
// progress so the next run starts from scratch.
func newResetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all persisted crawl progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("reset discards all progress; pass --force to confirm")
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			if err := store.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset progress: %w", err)
			}
			logger.Info("crawl progress reset", zap.String("backend", cfg.State.Backend))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm discarding all progress")
	return cmd
}
