package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digestry/digestry/internal/config"
)

func localConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Identity.LedgerPath = filepath.Join(dir, "ledger.json")
	cfg.Log.Path = filepath.Join(dir, "jobs.jsonl")
	cfg.Artifacts.BaseDir = filepath.Join(dir, "artifacts")
	cfg.Rotation.Addresses = []string{"a", "b", "c", "d"}
	cfg.Generate.BaseURL = "http://localhost:8000/v1"
	cfg.Generate.Model = "test-model"
	return cfg
}

func TestNewWiresAllComponents(t *testing.T) {
	t.Parallel()

	a, err := New(t.Context(), localConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Ledger)
	require.NotNil(t, a.Pool)
	require.NotNil(t, a.Log)
	require.NotNil(t, a.Runner)
	require.NotNil(t, a.Orchestrator)
	require.NotNil(t, a.Scheduler)
	require.Equal(t, a.Cfg.Run.Concurrency, a.Pool.Size(), "pool size follows concurrency")
}

func TestNewJobsAssignsDistinctIDs(t *testing.T) {
	t.Parallel()

	a, err := New(t.Context(), localConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	jobs, err := a.NewJobs([]string{"https://example.com/1", "https://example.com/2"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.NotEqual(t, jobs[0].ID, jobs[1].ID)
	require.Equal(t, "https://example.com/1", jobs[0].SourceRef)
}

func TestNewFailsWithoutGeneratorConfig(t *testing.T) {
	t.Parallel()

	cfg := localConfig(t)
	cfg.Generate.BaseURL = ""
	_, err := New(t.Context(), cfg, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "generator")
}

func TestNewFailsWithStaticRotatorMissingAddresses(t *testing.T) {
	t.Parallel()

	cfg := localConfig(t)
	cfg.Rotation.Addresses = nil
	_, err := New(t.Context(), cfg, nil)
	require.Error(t, err)
}
