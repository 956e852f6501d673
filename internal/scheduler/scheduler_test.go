package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digestry/digestry/internal/pipeline"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeSource struct {
	records []pipeline.Record
	err     error
}

func (s *fakeSource) Failed() ([]pipeline.Record, error) {
	return s.records, s.err
}

type captureSubmitter struct {
	mu          sync.Mutex
	batches     [][]pipeline.Job
	concurrency int
}

func (c *captureSubmitter) Run(_ context.Context, jobs []pipeline.Job, concurrency int) []pipeline.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, jobs)
	c.concurrency = concurrency
	return jobs
}

func (c *captureSubmitter) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func failedRecord(jobID string, retryable bool, nextRetryAt time.Time) pipeline.Record {
	return pipeline.Record{
		JobID:       jobID,
		SourceRef:   "https://example.com/" + jobID,
		Stage:       pipeline.StageFailed,
		Success:     false,
		Error:       "fetch: timeout",
		Retryable:   &retryable,
		RetryCount:  1,
		NextRetryAt: &nextRetryAt,
	}
}

func TestRunOnceSkipsJobsNotYetDue(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	source := &fakeSource{records: []pipeline.Record{
		failedRecord("early", true, now.Add(time.Minute)),
	}}
	submitter := &captureSubmitter{}

	s := New(source, submitter, &fakeClock{now: now}, Config{Concurrency: 2}, nil)
	count, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, submitter.batchCount())
}

func TestRunOnceResubmitsDueJobs(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	source := &fakeSource{records: []pipeline.Record{
		failedRecord("due-exact", true, now),
		failedRecord("due-past", true, now.Add(-time.Hour)),
		failedRecord("not-due", true, now.Add(time.Minute)),
		failedRecord("permanent", false, now.Add(-time.Hour)),
	}}
	submitter := &captureSubmitter{}

	s := New(source, submitter, &fakeClock{now: now}, Config{Concurrency: 2}, nil)
	count, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 1, submitter.batchCount())
	require.Equal(t, 2, submitter.concurrency)

	ids := make([]string, 0, 2)
	for _, job := range submitter.batches[0] {
		ids = append(ids, job.ID)
		require.Equal(t, pipeline.StageFailed, job.Stage)
		require.Empty(t, job.Payload, "resubmitted jobs re-execute their stages")
		require.Equal(t, 1, job.RetryCount)
	}
	require.ElementsMatch(t, []string{"due-exact", "due-past"}, ids)
}

func TestRunOnceIgnoresRecordsWithoutRetryMetadata(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	source := &fakeSource{records: []pipeline.Record{
		{JobID: "bare", Stage: pipeline.StageFailed, Success: false},
	}}
	submitter := &captureSubmitter{}

	s := New(source, submitter, &fakeClock{now: now}, Config{}, nil)
	count, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRunOncePropagatesScanError(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: errors.New("disk gone")}
	s := New(source, &captureSubmitter{}, &fakeClock{now: time.Now()}, Config{}, nil)

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	source := &fakeSource{records: []pipeline.Record{
		failedRecord("due", true, now.Add(-time.Minute)),
	}}
	submitter := &captureSubmitter{}
	s := New(source, submitter, &fakeClock{now: now}, Config{PollInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	require.Eventually(t, func() bool {
		return submitter.batchCount() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
