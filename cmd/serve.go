package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/api"
	"github.com/digestry/digestry/internal/app"
)

func newServeCmd() *cobra.Command {
	var withWatcher bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API (stats, failed jobs, metrics, retry trigger).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("assemble pipeline: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if withWatcher {
				go func() {
					if err := a.Scheduler.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("retry watcher stopped", zap.Error(err))
					}
				}()
			}

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           api.NewServer(a.Log, a.Scheduler, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("status server listening", zap.Int("port", cfg.Server.Port))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("status server: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown status server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withWatcher, "watch", true, "run the retry watcher alongside the API")
	return cmd
}
