// Package scheduler resubmits failed-but-retryable jobs once their retry
// delay has elapsed.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/pipeline"
	"github.com/digestry/digestry/internal/telemetry"
)

// OutcomeSource answers "which jobs are currently failed?".
type OutcomeSource interface {
	Failed() ([]pipeline.Record, error)
}

// Submitter runs jobs through the pipeline. Satisfied by the worker
// orchestrator so retries share the initial batch code path.
type Submitter interface {
	Run(ctx context.Context, jobs []pipeline.Job, concurrency int) []pipeline.Job
}

// Config controls scheduler behavior.
type Config struct {
	// PollInterval is the sleep between watch passes. Defaults to the
	// pipeline retry interval.
	PollInterval time.Duration
	// Concurrency is forwarded to the submitter.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Scheduler scans the outcome log for due retryable failures and resubmits
// them.
type Scheduler struct {
	source    OutcomeSource
	submitter Submitter
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(source OutcomeSource, submitter Submitter, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		source:    source,
		submitter: submitter,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// RunOnce performs a single scan-and-resubmit pass and returns how many
// jobs were resubmitted. A job is due when it is retryable and its
// next_retry_at is at or before now.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	failed, err := s.source.Failed()
	if err != nil {
		return 0, fmt.Errorf("scan outcome log: %w", err)
	}

	now := s.clock.Now()
	var due []pipeline.Job
	for _, record := range failed {
		if record.Retryable == nil || !*record.Retryable {
			continue
		}
		if record.NextRetryAt == nil || now.Before(*record.NextRetryAt) {
			continue
		}
		due = append(due, rebuildJob(record))
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.logger.Info("resubmitting retryable jobs", zap.Int("count", len(due)))
	telemetry.AddRetryResubmissions(len(due))
	s.submitter.Run(ctx, due, s.cfg.Concurrency)
	return len(due), nil
}

// Watch loops RunOnce on the poll interval until the context is canceled.
// An in-flight pass completes before Watch returns.
func (s *Scheduler) Watch(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry pass failed", zap.Error(err))
			}
		}
	}
}

// rebuildJob reconstructs a runnable job from its durable record. The
// payload is deliberately not restored: stage outputs in the record are
// truncated summaries, so a resubmitted job re-executes its stages and
// relies on their idempotence checks.
func rebuildJob(record pipeline.Record) pipeline.Job {
	job := pipeline.Job{
		ID:          record.JobID,
		SourceRef:   record.SourceRef,
		Stage:       pipeline.StageFailed,
		ErrorText:   record.Error,
		RetryCount:  record.RetryCount,
		Retryable:   record.Retryable,
		NextRetryAt: record.NextRetryAt,
		Payload:     make(map[string]string),
	}
	return job
}
