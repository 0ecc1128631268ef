package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, which prints persisted crawl
// progress without touching the network.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print persisted crawl progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(store.Summary()); err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			return nil
		},
	}
}
