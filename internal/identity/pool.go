package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/telemetry"
)

// ErrPoolExhausted indicates no identity slot freed up within the acquire
// timeout. It is classified as transient by the pipeline.
var ErrPoolExhausted = errors.New("identity pool exhausted")

// Rotator is the external control channel that binds egress addresses to
// identity slots.
type Rotator interface {
	// Address reports the egress address currently bound to the slot.
	Address(ctx context.Context, slot int) (string, error)
	// Rotate requests a new egress address for the slot and returns it.
	Rotate(ctx context.Context, slot int) (string, error)
	// ProxyURL returns the proxy endpoint a fetcher should dial to egress
	// through the slot.
	ProxyURL(slot int) string
}

// Lease is a runtime-only record of a checked-out identity slot. It is
// owned exclusively by the acquiring worker until released and is never
// persisted.
type Lease struct {
	slot       int
	address    string
	proxyURL   string
	workerID   int
	acquiredAt time.Time
}

// Slot returns the identity slot index held by the lease.
func (l *Lease) Slot() int { return l.slot }

// Address returns the underlying egress address bound to the lease.
func (l *Lease) Address() string { return l.address }

// ProxyURL returns the proxy endpoint for fetching through the lease.
func (l *Lease) ProxyURL() string { return l.proxyURL }

// WorkerID returns the worker holding the lease.
func (l *Lease) WorkerID() int { return l.workerID }

// AcquiredAt returns when the lease was taken.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// PoolConfig controls Pool behavior.
type PoolConfig struct {
	// Size is the fixed number of identity slots. It should equal the
	// worker concurrency so the fetch stage never starves.
	Size int
	// Cooldown is the minimum elapsed time before an egress address may
	// be reused.
	Cooldown time.Duration
	// MaxRotationAttempts bounds the rotate-and-recheck loop during
	// acquire. When exhausted the pool proceeds with the last candidate.
	MaxRotationAttempts int
	// AcquireTimeout bounds how long Acquire blocks for a free slot.
	AcquireTimeout time.Duration
	// StaleAfter triggers a refresh rotation on release for leases that
	// were held longer than this.
	StaleAfter time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.MaxRotationAttempts <= 0 {
		c.MaxRotationAttempts = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	return c
}

// UseLedger is the durable record of address use the pool consults during
// acquire. Satisfied by *Ledger.
type UseLedger interface {
	IsAvailable(address string, cooldown time.Duration) bool
	RecordUse(address string, workerID int) error
}

// Pool hands out exclusive leases over a fixed set of identity slots,
// rotating the underlying address when it collides with another in-flight
// lease or is still inside the ledger cooldown window.
type Pool struct {
	cfg     PoolConfig
	ledger  UseLedger
	rotator Rotator
	clock   Clock
	logger  *zap.Logger

	slots chan int

	// selectMu serializes address selection, lease registration, and the
	// ledger commit. Without it two acquires could both pass the collision
	// and cooldown checks with the same address before either registers.
	selectMu sync.Mutex

	mu   sync.Mutex
	held map[int]*Lease
}

// NewPool constructs a Pool over the given ledger and rotator.
func NewPool(cfg PoolConfig, ledger UseLedger, rotator Rotator, clock Clock, logger *zap.Logger) (*Pool, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if rotator == nil {
		return nil, fmt.Errorf("rotator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		ledger:  ledger,
		rotator: rotator,
		clock:   clock,
		logger:  logger,
		slots:   make(chan int, cfg.Size),
		held:    make(map[int]*Lease, cfg.Size),
	}
	for slot := 0; slot < cfg.Size; slot++ {
		p.slots <- slot
	}
	return p, nil
}

// Size returns the fixed number of slots.
func (p *Pool) Size() int { return p.cfg.Size }

// HeldLeases returns a snapshot of the currently checked-out leases.
func (p *Pool) HeldLeases() []*Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Lease, 0, len(p.held))
	for _, l := range p.held {
		out = append(out, l)
	}
	return out
}

// Acquire blocks until a slot is free (bounded by AcquireTimeout), selects
// an egress address that neither collides with another held lease nor sits
// inside the cooldown window, records the use in the ledger, and returns
// the lease. Rotation failures degrade to no-rotation; a slot timeout or a
// ledger commit failure fails the call. Selection, registration, and the
// ledger commit happen atomically with respect to other acquires.
func (p *Pool) Acquire(ctx context.Context, workerID int) (*Lease, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	var slot int
	select {
	case slot = <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("identity acquire canceled: %w", ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: no free slot within %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
	}

	p.selectMu.Lock()
	address := p.selectAddress(ctx, slot, workerID)

	lease := &Lease{
		slot:       slot,
		address:    address,
		proxyURL:   p.rotator.ProxyURL(slot),
		workerID:   workerID,
		acquiredAt: p.clock.Now(),
	}
	p.mu.Lock()
	p.held[slot] = lease
	p.mu.Unlock()

	if err := p.ledger.RecordUse(address, workerID); err != nil {
		// The use is not durable, so the lease must not be handed out.
		p.mu.Lock()
		delete(p.held, slot)
		p.mu.Unlock()
		p.selectMu.Unlock()
		p.slots <- slot
		return nil, fmt.Errorf("commit identity use for %s: %w", address, err)
	}
	p.selectMu.Unlock()

	telemetry.SetLeasesHeld(p.heldCount())
	return lease, nil
}

// selectAddress resolves the slot's current address and rotates it while it
// collides with a held lease or is still cooling down, up to the attempt
// budget.
func (p *Pool) selectAddress(ctx context.Context, slot, workerID int) string {
	address, err := p.rotator.Address(ctx, slot)
	if err != nil {
		p.logger.Warn("address lookup failed, using placeholder",
			zap.Int("slot", slot), zap.Error(err))
		address = fmt.Sprintf("unresolved-slot-%d", slot)
	}

	for attempt := 0; attempt < p.cfg.MaxRotationAttempts; attempt++ {
		if p.usable(address) {
			return address
		}
		next, err := p.rotator.Rotate(ctx, slot)
		if err != nil {
			// Rotation unavailable: proceed without rotating.
			p.logger.Warn("rotation unavailable",
				zap.Int("slot", slot),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			break
		}
		telemetry.IncRotations()
		address = next
	}

	if !p.usable(address) {
		p.logger.Warn("rotation budget exhausted, proceeding with constrained address",
			zap.Int("slot", slot),
			zap.Int("worker_id", workerID),
			zap.String("address", address),
			zap.Int("attempts", p.cfg.MaxRotationAttempts),
		)
		telemetry.IncCooldownOverrides()
	}
	return address
}

// usable reports whether the address neither collides with a held lease
// nor violates the cooldown window.
func (p *Pool) usable(address string) bool {
	p.mu.Lock()
	for _, lease := range p.held {
		if lease.address == address {
			p.mu.Unlock()
			return false
		}
	}
	p.mu.Unlock()
	return p.ledger.IsAvailable(address, p.cfg.Cooldown)
}

// Release returns the lease's slot to the pool. Long-held leases trigger a
// best-effort refresh rotation so a stale slot is renewed before its next
// acquire.
func (p *Pool) Release(lease *Lease) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	current, ok := p.held[lease.slot]
	if !ok || current != lease {
		p.mu.Unlock()
		p.logger.Warn("release of unknown lease ignored", zap.Int("slot", lease.slot))
		return
	}
	delete(p.held, lease.slot)
	p.mu.Unlock()

	if p.clock.Now().Sub(lease.acquiredAt) >= p.cfg.StaleAfter {
		if _, err := p.rotator.Rotate(context.Background(), lease.slot); err != nil {
			p.logger.Warn("stale lease refresh failed", zap.Int("slot", lease.slot), zap.Error(err))
		} else {
			telemetry.IncRotations()
		}
	}

	telemetry.SetLeasesHeld(p.heldCount())
	p.slots <- lease.slot
}

func (p *Pool) heldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}
