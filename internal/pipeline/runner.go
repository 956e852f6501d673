package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/telemetry"
)

// Collaborators is the explicit, typed set of external dependencies the
// runner drives. Every field except Publisher is required.
type Collaborators struct {
	Fetcher   ContentFetcher
	Generator Generator
	Artifacts ArtifactStore
	Exporter  Exporter
	Pool      IdentityPool
	Log       OutcomeLog
	Clock     Clock
	Publisher Publisher
}

func (c Collaborators) validate() error {
	switch {
	case c.Fetcher == nil:
		return fmt.Errorf("fetcher is required")
	case c.Generator == nil:
		return fmt.Errorf("generator is required")
	case c.Artifacts == nil:
		return fmt.Errorf("artifact store is required")
	case c.Exporter == nil:
		return fmt.Errorf("exporter is required")
	case c.Pool == nil:
		return fmt.Errorf("identity pool is required")
	case c.Log == nil:
		return fmt.Errorf("outcome log is required")
	case c.Clock == nil:
		return fmt.Errorf("clock is required")
	}
	return nil
}

// RunnerConfig controls retry bookkeeping and per-stage timeouts.
type RunnerConfig struct {
	// RetryInterval is the fixed delay before a transient failure becomes
	// eligible for resubmission.
	RetryInterval time.Duration
	// MaxRetries turns a transient failure permanent once exceeded.
	// Zero means unbounded.
	MaxRetries int
	// StageTimeout bounds each collaborator call. Zero disables it.
	StageTimeout time.Duration
	// Topic is the publisher topic for terminal outcomes. Empty disables
	// publishing.
	Topic string
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 15 * time.Minute
	}
	return c
}

// Runner executes the per-job state machine: acquire identity, fetch,
// release, generate, persist, export. It is the sole failure classifier;
// no unclassified error escapes it.
type Runner struct {
	collab Collaborators
	cfg    RunnerConfig
	logger *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(collab Collaborators, cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if err := collab.validate(); err != nil {
		return nil, fmt.Errorf("pipeline collaborators: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		collab: collab,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

type stageFunc struct {
	name string
	run  func(ctx context.Context, workerID int, job *Job) error
}

// Run drives the job to a terminal stage, logs the outcome, and returns
// the terminal job. A failed-but-retryable job re-enters at Created; its
// idempotent stages skip whatever already exists.
func (r *Runner) Run(ctx context.Context, workerID int, job Job) Job {
	if job.Stage.Terminal() && !(job.Stage == StageFailed && job.Retryable != nil && *job.Retryable) {
		return job
	}
	if job.Payload == nil {
		job.Payload = make(map[string]string)
	}
	if job.Stage == StageFailed {
		// Retry attempt: re-enter the stage sequence from the top.
		job.Stage = StageCreated
		job.ErrorText = ""
		job.Retryable = nil
		job.NextRetryAt = nil
	}
	job.StartedAt = r.collab.Clock.Now()
	job.EndedAt = time.Time{}

	stages := []stageFunc{
		{name: "fetch", run: r.fetchStage},
		{name: "generate_primary", run: r.generatePrimaryStage},
		{name: "generate_secondary", run: r.generateSecondaryStage},
		{name: "persist", run: r.persistStage},
		{name: "export", run: r.exportStage},
	}

	for _, stage := range stages {
		start := r.collab.Clock.Now()
		err := stage.run(ctx, workerID, &job)
		telemetry.ObserveStage(stage.name, r.collab.Clock.Now().Sub(start))
		if err != nil {
			r.fail(&job, stage.name, err)
			return r.finish(ctx, job)
		}
	}

	job.Stage = StageCompleted
	job.Retryable = nil
	job.NextRetryAt = nil
	return r.finish(ctx, job)
}

// fetchStage acquires an identity lease, fetches the source, and releases
// the lease regardless of outcome.
func (r *Runner) fetchStage(ctx context.Context, workerID int, job *Job) error {
	if job.Stage.Order() >= StageFetched.Order() || job.Payload[PayloadRawContent] != "" {
		job.advanceTo(StageFetched)
		return nil
	}

	lease, err := r.collab.Pool.Acquire(ctx, workerID)
	if err != nil {
		return fmt.Errorf("acquire identity: %w", err)
	}
	defer r.collab.Pool.Release(lease)

	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	raw, err := r.collab.Fetcher.Fetch(stageCtx, job.SourceRef, lease)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", job.SourceRef, err)
	}
	job.Payload[PayloadRawContent] = string(raw.Body)
	job.advanceTo(StageFetched)
	r.logger.Debug("content fetched",
		zap.String("job_id", job.ID),
		zap.String("egress", lease.Address()),
		zap.Int("bytes", len(raw.Body)),
	)
	return nil
}

func (r *Runner) generatePrimaryStage(ctx context.Context, _ int, job *Job) error {
	if job.Stage.Order() >= StagePrimaryGenerated.Order() || job.Payload[PayloadPrimaryText] != "" {
		job.advanceTo(StagePrimaryGenerated)
		return nil
	}

	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	text, err := r.collab.Generator.GeneratePrimary(stageCtx, r.rawContent(job))
	if err != nil {
		return fmt.Errorf("generate primary content: %w", err)
	}
	job.Payload[PayloadPrimaryText] = text
	job.advanceTo(StagePrimaryGenerated)
	return nil
}

func (r *Runner) generateSecondaryStage(ctx context.Context, _ int, job *Job) error {
	if job.Stage.Order() >= StageSecondaryGenerated.Order() || job.Payload[PayloadSecondaryText] != "" {
		job.advanceTo(StageSecondaryGenerated)
		return nil
	}

	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	text, err := r.collab.Generator.GenerateSecondary(stageCtx, r.rawContent(job), job.Payload[PayloadPrimaryText])
	if err != nil {
		return fmt.Errorf("generate secondary content: %w", err)
	}
	job.Payload[PayloadSecondaryText] = text
	job.advanceTo(StageSecondaryGenerated)
	return nil
}

func (r *Runner) persistStage(ctx context.Context, _ int, job *Job) error {
	if job.Stage.Order() >= StagePersisted.Order() || job.Payload[PayloadArtifactURI] != "" {
		job.advanceTo(StagePersisted)
		return nil
	}

	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	name := fmt.Sprintf("%s/digest.md", job.ID)
	uri, err := r.collab.Artifacts.Save(stageCtx, name, []byte(r.renderDocument(job)))
	if err != nil {
		// Local filesystem failures (disk, permissions) do not heal on
		// retry unless the store says otherwise.
		return DefaultClass(fmt.Errorf("persist artifacts: %w", err), ClassPermanent)
	}
	job.Payload[PayloadArtifactURI] = uri
	job.advanceTo(StagePersisted)
	return nil
}

func (r *Runner) exportStage(ctx context.Context, _ int, job *Job) error {
	if job.Stage.Order() >= StageExported.Order() || job.Payload[PayloadExportURI] != "" {
		job.advanceTo(StageExported)
		return nil
	}

	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()

	uri, err := r.collab.Exporter.Export(stageCtx, job.Payload[PayloadArtifactURI])
	if err != nil {
		return fmt.Errorf("export derived artifact: %w", err)
	}
	job.Payload[PayloadExportURI] = uri
	job.advanceTo(StageExported)
	return nil
}

func (r *Runner) rawContent(job *Job) RawContent {
	return RawContent{
		SourceRef: job.SourceRef,
		Body:      []byte(job.Payload[PayloadRawContent]),
	}
}

// renderDocument assembles the persisted artifact from the stage outputs.
func (r *Runner) renderDocument(job *Job) string {
	return fmt.Sprintf("# Digest of %s\n\n## Summary\n\n%s\n\n## Commentary\n\n%s\n",
		job.SourceRef,
		job.Payload[PayloadPrimaryText],
		job.Payload[PayloadSecondaryText],
	)
}

func (r *Runner) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StageTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.StageTimeout)
	}
	return context.WithCancel(ctx)
}

// fail classifies the stage error and records the retry decision on the job.
func (r *Runner) fail(job *Job, stage string, err error) {
	job.Stage = StageFailed
	job.ErrorText = fmt.Sprintf("%s: %v", stage, err)

	retryable := Classify(err) == ClassTransient
	if retryable {
		job.RetryCount++
		if r.cfg.MaxRetries > 0 && job.RetryCount > r.cfg.MaxRetries {
			retryable = false
			job.ErrorText = fmt.Sprintf("%s (retry budget of %d exhausted)", job.ErrorText, r.cfg.MaxRetries)
		}
	}
	job.Retryable = &retryable
	if retryable {
		next := r.collab.Clock.Now().Add(r.cfg.RetryInterval)
		job.NextRetryAt = &next
	} else {
		job.NextRetryAt = nil
	}

	r.logger.Warn("job stage failed",
		zap.String("job_id", job.ID),
		zap.String("stage", stage),
		zap.Bool("retryable", retryable),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(err),
	)
}

// finish stamps the terminal time, logs the durable record, and publishes
// the outcome when a topic is configured. Nothing is ever silently dropped.
func (r *Runner) finish(ctx context.Context, job Job) Job {
	job.EndedAt = r.collab.Clock.Now()

	record := NewRecord(job)
	if err := r.collab.Log.Log(record); err != nil {
		r.logger.Error("outcome log append failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	switch {
	case job.Succeeded():
		telemetry.IncJob("completed")
	case job.Retryable != nil && *job.Retryable:
		telemetry.IncJob("failed_retryable")
	default:
		telemetry.IncJob("failed_permanent")
	}

	if r.cfg.Topic != "" && r.collab.Publisher != nil {
		if _, err := r.collab.Publisher.Publish(ctx, r.cfg.Topic, record); err != nil {
			r.logger.Warn("outcome publish failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return job
}

// advanceTo moves the job forward to stage; backwards moves are ignored so
// stage progression stays monotonic.
func (j *Job) advanceTo(stage Stage) {
	if stage.Order() > j.Stage.Order() {
		j.Stage = stage
	}
}
