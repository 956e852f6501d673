// Package pipeline defines the core job model and the per-job state
// machine shared across subsystems.
package pipeline

import (
	"time"
)

// Stage represents one step of the job lifecycle. Stages only move forward
// per stageOrder, with Failed reachable from any non-terminal stage.
type Stage string

// Job lifecycle stages.
const (
	StageCreated            Stage = "created"
	StageFetched            Stage = "fetched"
	StagePrimaryGenerated   Stage = "primary_generated"
	StageSecondaryGenerated Stage = "secondary_generated"
	StagePersisted          Stage = "persisted"
	StageExported           Stage = "exported"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageCreated:            0,
	StageFetched:            1,
	StagePrimaryGenerated:   2,
	StageSecondaryGenerated: 3,
	StagePersisted:          4,
	StageExported:           5,
	StageCompleted:          6,
}

// Order returns the position of the stage in the forward progression.
// Failed has no position and returns -1.
func (s Stage) Order() int {
	order, ok := stageOrder[s]
	if !ok {
		return -1
	}
	return order
}

// Terminal reports whether the stage ends the job lifecycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Payload keys written by the stage functions.
const (
	PayloadRawContent    = "raw_content"
	PayloadPrimaryText   = "primary_text"
	PayloadSecondaryText = "secondary_text"
	PayloadArtifactURI   = "artifact_uri"
	PayloadExportURI     = "export_uri"
)

// Job is the unit of work flowing through the pipeline. The in-memory Job
// is exclusively owned by the worker executing it; once terminal it is
// projected into a Record and dropped.
type Job struct {
	ID          string            `json:"job_id"`
	SourceRef   string            `json:"source_ref"`
	Stage       Stage             `json:"stage"`
	Payload     map[string]string `json:"payload,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	EndedAt     time.Time         `json:"ended_at,omitzero"`
	ErrorText   string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	Retryable   *bool             `json:"retryable,omitempty"`
}

// NewJob builds a Created job for the given source reference.
func NewJob(id, sourceRef string) Job {
	return Job{
		ID:        id,
		SourceRef: sourceRef,
		Stage:     StageCreated,
		Payload:   make(map[string]string),
	}
}

// TerminalFailure reports whether the job failed permanently.
func (j Job) TerminalFailure() bool {
	return j.Stage == StageFailed && j.Retryable != nil && !*j.Retryable
}

// Succeeded reports whether the job completed all stages.
func (j Job) Succeeded() bool {
	return j.Stage == StageCompleted
}

// RawContent is the fetch stage output handed to the generators.
type RawContent struct {
	SourceRef  string
	Body       []byte
	StatusCode int
	Duration   time.Duration
}
