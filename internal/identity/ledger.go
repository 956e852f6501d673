// Package identity manages the pool of rotating network egress identities
// and the durable ledger of their use.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// LedgerEntry records the observed history of one underlying egress address.
type LedgerEntry struct {
	Address      string    `json:"address"`
	FirstSeen    time.Time `json:"first_seen"`
	LastUsed     time.Time `json:"last_used"`
	UseCount     int       `json:"use_count"`
	LastWorkerID int       `json:"last_worker_id"`
}

// Ledger is the persisted record of which egress addresses were used and
// when. Entries are created on first observation and updated on every
// subsequent use, never deleted. Every mutation is flushed to disk before
// it is visible to callers, so a crash loses at most an in-flight lease.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries map[string]*LedgerEntry
	clock   Clock
	logger  *zap.Logger
}

// NewLedger loads (or initializes) the ledger file at path.
func NewLedger(path string, clock Clock, logger *zap.Logger) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		path:    path,
		entries: make(map[string]*LedgerEntry),
		clock:   clock,
		logger:  logger,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read ledger file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return fmt.Errorf("parse ledger file %s: %w", l.path, err)
	}
	l.logger.Debug("ledger loaded", zap.String("path", l.path), zap.Int("entries", len(l.entries)))
	return nil
}

// IsAvailable reports whether the address is unseen or last used at least
// cooldown ago.
func (l *Ledger) IsAvailable(address string, cooldown time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[address]
	if !ok {
		return true
	}
	return l.clock.Now().Sub(entry.LastUsed) >= cooldown
}

// RecordUse creates or updates the entry for address and flushes the ledger
// to disk before returning.
func (l *Ledger) RecordUse(address string, workerID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, ok := l.entries[address]
	if !ok {
		entry = &LedgerEntry{Address: address, FirstSeen: now}
		l.entries[address] = entry
	}
	entry.LastUsed = now
	entry.UseCount++
	entry.LastWorkerID = workerID

	if err := l.flushLocked(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	return nil
}

// Entry returns a copy of the entry for address, if present.
func (l *Ledger) Entry(address string) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[address]
	if !ok {
		return LedgerEntry{}, false
	}
	return *entry, true
}

// Len returns the number of distinct addresses observed.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// flushLocked writes the full ledger atomically: temp file, sync, rename.
func (l *Ledger) flushLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}
