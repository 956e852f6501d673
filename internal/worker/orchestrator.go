// Package worker fans jobs out over a bounded set of pipeline workers.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/pipeline"
	"github.com/digestry/digestry/internal/telemetry"
)

// Orchestrator runs a batch of jobs through the pipeline with a fixed
// number of concurrent workers. Each worker executes one job to a terminal
// stage before taking the next; no ordering is guaranteed between jobs.
type Orchestrator struct {
	runner *pipeline.Runner
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(runner *pipeline.Runner, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{runner: runner, logger: logger}
}

// Run dispatches the jobs over concurrency workers and returns all
// terminal jobs once every one has reached Completed or Failed. The same
// path serves both the initial batch and retry resubmissions.
func (o *Orchestrator) Run(ctx context.Context, jobs []pipeline.Job, concurrency int) []pipeline.Job {
	if len(jobs) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(jobs) {
		concurrency = len(jobs)
	}

	jobCh := make(chan pipeline.Job)
	var (
		mu      sync.Mutex
		results = make([]pipeline.Job, 0, len(jobs))
		wg      sync.WaitGroup
	)

	for workerID := 0; workerID < concurrency; workerID++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range jobCh {
				telemetry.IncActiveWorkers()
				terminal := o.runner.Run(ctx, workerID, job)
				telemetry.DecActiveWorkers()
				mu.Lock()
				results = append(results, terminal)
				mu.Unlock()
			}
		}(workerID)
	}

	o.logger.Info("dispatching jobs",
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", concurrency),
	)

feed:
	for _, job := range jobs {
		select {
		case jobCh <- job:
		case <-ctx.Done():
			o.logger.Warn("dispatch interrupted", zap.Error(ctx.Err()))
			break feed
		}
	}
	close(jobCh)
	wg.Wait()

	return results
}
