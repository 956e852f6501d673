package pipeline

import (
	"context"
	"time"

	"github.com/digestry/digestry/internal/identity"
)

// ContentFetcher retrieves the raw content behind a source reference. The
// fetch must egress through the leased identity and surface rate-limit and
// timeout failures distinctly from not-found and unauthorized ones.
type ContentFetcher interface {
	Fetch(ctx context.Context, sourceRef string, lease *identity.Lease) (RawContent, error)
}

// Generator produces the two derived texts for a job.
type Generator interface {
	GeneratePrimary(ctx context.Context, raw RawContent) (string, error)
	GenerateSecondary(ctx context.Context, raw RawContent, primary string) (string, error)
}

// ArtifactStore persists a named artifact and returns its URI.
type ArtifactStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// Exporter renders a derived artifact from a persisted one and returns the
// derived URI. Export failures are independent and never invalidate prior
// stages.
type Exporter interface {
	Export(ctx context.Context, artifactURI string) (string, error)
}

// IdentityPool hands out exclusive identity leases to the fetch stage.
type IdentityPool interface {
	Acquire(ctx context.Context, workerID int) (*identity.Lease, error)
	Release(lease *identity.Lease)
}

// OutcomeLog appends terminal job records to the durable log.
type OutcomeLog interface {
	Log(record Record) error
}

// Publisher pushes terminal outcomes to an external topic for reporting.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
