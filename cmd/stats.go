package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digestry/digestry/internal/joblog"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print outcome log statistics as JSON.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := joblog.New(cfg.Log.Path, logger)
			if err != nil {
				return fmt.Errorf("open outcome log: %w", err)
			}
			defer log.Close()

			stats, err := log.Stats()
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(stats)
		},
	}
}
