package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/app"
	"github.com/digestry/digestry/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		inputFile   string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run [source_ref ...]",
		Short: "Run a batch of jobs to completion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := collectSourceRefs(args, inputFile)
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				return fmt.Errorf("no source references given (arguments or --input)")
			}
			if concurrency > 0 {
				cfg.Run.Concurrency = concurrency
			}

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("assemble pipeline: %w", err)
			}
			defer a.Close()

			jobs, err := a.NewJobs(refs)
			if err != nil {
				return err
			}

			results := a.Orchestrator.Run(cmd.Context(), jobs, cfg.Run.Concurrency)
			completed, failed := summarize(results)
			logger.Info("batch finished",
				zap.Int("jobs", len(results)),
				zap.Int("completed", completed),
				zap.Int("failed", failed),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%d completed, %d failed (of %d)\n", completed, failed, len(results))
			return nil
		},
	}

	cmd.Flags().StringVar(&inputFile, "input", "", "file with one source reference per line")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker count (overrides config)")
	return cmd
}

func collectSourceRefs(args []string, inputFile string) ([]string, error) {
	refs := append([]string(nil), args...)
	if inputFile == "" {
		return refs, nil
	}
	file, err := os.Open(inputFile)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return refs, nil
}

func summarize(jobs []pipeline.Job) (completed, failed int) {
	for _, job := range jobs {
		if job.Succeeded() {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}
