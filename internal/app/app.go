// Package app assembles the pipeline from configuration.
package app

import (
	"context"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	gcsartifact "github.com/digestry/digestry/internal/artifact/gcs"
	localartifact "github.com/digestry/digestry/internal/artifact/local"
	"github.com/digestry/digestry/internal/clock/system"
	"github.com/digestry/digestry/internal/config"
	"github.com/digestry/digestry/internal/export/execrender"
	collyfetch "github.com/digestry/digestry/internal/fetch/colly"
	"github.com/digestry/digestry/internal/generate/llm"
	"github.com/digestry/digestry/internal/id/uuid"
	"github.com/digestry/digestry/internal/identity"
	"github.com/digestry/digestry/internal/joblog"
	"github.com/digestry/digestry/internal/pipeline"
	pubsubpub "github.com/digestry/digestry/internal/publisher/pubsub"
	"github.com/digestry/digestry/internal/rotate/static"
	"github.com/digestry/digestry/internal/rotate/torctl"
	"github.com/digestry/digestry/internal/scheduler"
	"github.com/digestry/digestry/internal/worker"
)

// App holds the wired components for one process.
type App struct {
	Cfg          config.Config
	Logger       *zap.Logger
	Clock        *system.Clock
	IDs          *uuid.Generator
	Ledger       *identity.Ledger
	Pool         *identity.Pool
	Log          *joblog.Logger
	Runner       *pipeline.Runner
	Orchestrator *worker.Orchestrator
	Scheduler    *scheduler.Scheduler

	closers []func() error
}

// New builds every component from config. The identity pool size always
// equals the configured concurrency so the fetch stage cannot starve.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Cfg: cfg, Logger: logger, Clock: system.New(), IDs: uuid.New()}

	ledger, err := identity.NewLedger(cfg.Identity.LedgerPath, a.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("build ledger: %w", err)
	}
	a.Ledger = ledger

	rotator, err := buildRotator(cfg, logger)
	if err != nil {
		return nil, err
	}

	pool, err := identity.NewPool(identity.PoolConfig{
		Size:                cfg.Run.Concurrency,
		Cooldown:            cfg.Identity.Cooldown,
		MaxRotationAttempts: cfg.Identity.MaxRotationAttempts,
		AcquireTimeout:      cfg.Identity.AcquireTimeout,
		StaleAfter:          cfg.Identity.StaleAfter,
	}, ledger, rotator, a.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("build identity pool: %w", err)
	}
	a.Pool = pool

	outcomeLog, err := joblog.New(cfg.Log.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("build outcome log: %w", err)
	}
	a.Log = outcomeLog
	a.closers = append(a.closers, outcomeLog.Close)

	generator, err := llm.New(llm.Config{
		BaseURL:         cfg.Generate.BaseURL,
		APIKey:          cfg.Generate.APIKey,
		Model:           cfg.Generate.Model,
		Timeout:         cfg.Generate.Timeout,
		Temperature:     cfg.Generate.Temperature,
		MaxTokens:       cfg.Generate.MaxTokens,
		PrimaryPrompt:   cfg.Generate.PrimaryPrompt,
		SecondaryPrompt: cfg.Generate.SecondaryPrompt,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build generator: %w", err)
	}

	artifacts, err := buildArtifacts(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	exporter, err := buildExporter(cfg, logger)
	if err != nil {
		return nil, err
	}

	collab := pipeline.Collaborators{
		Fetcher: collyfetch.New(collyfetch.Config{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    cfg.Fetch.Timeout,
			PerHostRPS: cfg.Fetch.PerHostRPS,
			Burst:      cfg.Fetch.Burst,
		}, logger),
		Generator: generator,
		Artifacts: artifacts,
		Exporter:  exporter,
		Pool:      pool,
		Log:       outcomeLog,
		Clock:     a.Clock,
	}

	topic := ""
	if cfg.Publish.Enabled {
		publisher, client, err := buildPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		collab.Publisher = publisher
		topic = cfg.Publish.Topic
		a.closers = append(a.closers, client.Close)
	}

	runner, err := pipeline.NewRunner(collab, pipeline.RunnerConfig{
		RetryInterval: cfg.Retry.Interval,
		MaxRetries:    cfg.Retry.MaxAttempts,
		StageTimeout:  cfg.Run.StageTimeout,
		Topic:         topic,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	a.Runner = runner
	a.Orchestrator = worker.New(runner, logger)
	a.Scheduler = scheduler.New(outcomeLog, a.Orchestrator, a.Clock, scheduler.Config{
		PollInterval: cfg.Retry.PollInterval,
		Concurrency:  cfg.Run.Concurrency,
	}, logger)

	return a, nil
}

// NewJobs turns source references into Created jobs with fresh IDs.
func (a *App) NewJobs(sourceRefs []string) ([]pipeline.Job, error) {
	jobs := make([]pipeline.Job, 0, len(sourceRefs))
	for _, ref := range sourceRefs {
		id, err := a.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("allocate job id: %w", err)
		}
		jobs = append(jobs, pipeline.NewJob(id, ref))
	}
	return jobs, nil
}

// Close releases held resources in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
}

func buildRotator(cfg config.Config, logger *zap.Logger) (identity.Rotator, error) {
	switch cfg.Rotation.Mode {
	case "tor":
		controller, err := torctl.New(torctl.Config{
			ControlAddr:     cfg.Rotation.ControlAddr,
			ControlPassword: cfg.Rotation.ControlPassword,
			SocksHost:       cfg.Rotation.SocksHost,
			SocksBasePort:   cfg.Rotation.SocksBasePort,
			EchoURL:         cfg.Rotation.EchoURL,
			SettleDelay:     cfg.Rotation.SettleDelay,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build tor rotator: %w", err)
		}
		return controller, nil
	default:
		rotator, err := static.New(cfg.Rotation.Addresses, cfg.Rotation.ProxyURLs)
		if err != nil {
			return nil, fmt.Errorf("build static rotator: %w", err)
		}
		return rotator, nil
	}
}

func buildArtifacts(ctx context.Context, cfg config.Config, logger *zap.Logger, a *App) (pipeline.ArtifactStore, error) {
	switch cfg.Artifacts.Backend {
	case "gcs":
		store, err := gcsartifact.New(ctx, cfg.Artifacts.GCSBucket, logger)
		if err != nil {
			return nil, fmt.Errorf("build gcs artifact store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		store, err := localartifact.New(localartifact.Config{BaseDir: cfg.Artifacts.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("build local artifact store: %w", err)
		}
		return store, nil
	}
}

func buildExporter(cfg config.Config, logger *zap.Logger) (pipeline.Exporter, error) {
	if !cfg.Export.Enabled {
		return execrender.Noop{}, nil
	}
	exporter, err := execrender.New(execrender.Config{
		Binary:    cfg.Export.Binary,
		ExtraArgs: cfg.Export.ExtraArgs,
		OutputExt: cfg.Export.OutputExt,
		Timeout:   cfg.Export.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build exporter: %w", err)
	}
	return exporter, nil
}

func buildPublisher(ctx context.Context, cfg config.Config) (pipeline.Publisher, *gcppubsub.Client, error) {
	client, err := gcppubsub.NewClient(ctx, cfg.Publish.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	return pubsubpub.New(client), client, nil
}
