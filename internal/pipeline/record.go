package pipeline

import (
	"time"
)

// payloadSummaryLimit bounds how much of each payload value survives into
// the durable record.
const payloadSummaryLimit = 120

// Record is the durable projection of a Job at a terminal moment. Records
// are append-only; a retried job produces a new record rather than mutating
// an old one.
type Record struct {
	JobID          string            `json:"job_id"`
	SourceRef      string            `json:"source_ref"`
	Stage          Stage             `json:"stage"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Retryable      *bool             `json:"retryable,omitempty"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	DurationMs     int64             `json:"duration_ms"`
	PayloadSummary map[string]string `json:"payload_summary,omitempty"`
}

// NewRecord projects a terminal job into its durable record.
func NewRecord(job Job) Record {
	rec := Record{
		JobID:       job.ID,
		SourceRef:   job.SourceRef,
		Stage:       job.Stage,
		Success:     job.Stage == StageCompleted,
		Error:       job.ErrorText,
		Retryable:   job.Retryable,
		RetryCount:  job.RetryCount,
		NextRetryAt: job.NextRetryAt,
		StartedAt:   job.StartedAt,
		EndedAt:     job.EndedAt,
	}
	if !job.EndedAt.IsZero() && !job.StartedAt.IsZero() {
		rec.DurationMs = job.EndedAt.Sub(job.StartedAt).Milliseconds()
	}
	if len(job.Payload) > 0 {
		rec.PayloadSummary = make(map[string]string, len(job.Payload))
		for key, value := range job.Payload {
			rec.PayloadSummary[key] = truncate(value, payloadSummaryLimit)
		}
	}
	return rec
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
