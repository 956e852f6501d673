package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/digestry/digestry/internal/app"
)

func newRetryCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Resubmit failed-but-retryable jobs whose retry delay elapsed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("assemble pipeline: %w", err)
			}
			defer a.Close()

			if !watch {
				count, err := a.Scheduler.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resubmitted %d job(s)\n", count)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := a.Scheduler.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "poll continuously until interrupted")
	return cmd
}
