package identity

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLedgerUnseenAddressIsAvailable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "ledger.json"), clock, nil)
	require.NoError(t, err)

	require.True(t, ledger.IsAvailable("203.0.113.7", time.Hour))
	require.Equal(t, 0, ledger.Len())
}

func TestLedgerCooldownWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "ledger.json"), clock, nil)
	require.NoError(t, err)

	require.NoError(t, ledger.RecordUse("203.0.113.7", 2))
	require.False(t, ledger.IsAvailable("203.0.113.7", time.Hour))

	clock.Advance(59 * time.Minute)
	require.False(t, ledger.IsAvailable("203.0.113.7", time.Hour))

	clock.Advance(time.Minute)
	require.True(t, ledger.IsAvailable("203.0.113.7", time.Hour))
}

func TestLedgerRecordUseAccumulates(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "ledger.json"), clock, nil)
	require.NoError(t, err)

	require.NoError(t, ledger.RecordUse("203.0.113.7", 1))
	first := clock.Now()
	clock.Advance(2 * time.Hour)
	require.NoError(t, ledger.RecordUse("203.0.113.7", 4))

	entry, ok := ledger.Entry("203.0.113.7")
	require.True(t, ok)
	require.Equal(t, 2, entry.UseCount)
	require.Equal(t, 4, entry.LastWorkerID)
	require.Equal(t, first, entry.FirstSeen)
	require.Equal(t, clock.Now(), entry.LastUsed)
}

func TestLedgerPersistsAcrossReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.json")
	clock := newFakeClock(time.Unix(1_700_000_000, 0))

	ledger, err := NewLedger(path, clock, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordUse("203.0.113.7", 1))
	require.NoError(t, ledger.RecordUse("198.51.100.2", 2))

	reloaded, err := NewLedger(path, clock, nil)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())

	entry, ok := reloaded.Entry("198.51.100.2")
	require.True(t, ok)
	require.Equal(t, 1, entry.UseCount)
	require.False(t, reloaded.IsAvailable("198.51.100.2", time.Hour))
}

func TestLedgerConcurrentRecordUse(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	ledger, err := NewLedger(filepath.Join(t.TempDir(), "ledger.json"), clock, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				require.NoError(t, ledger.RecordUse("203.0.113.7", worker))
			}
		}(i)
	}
	wg.Wait()

	entry, ok := ledger.Entry("203.0.113.7")
	require.True(t, ok)
	require.Equal(t, 40, entry.UseCount)
}

func TestLedgerRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewLedger("", newFakeClock(time.Now()), nil)
	require.Error(t, err)
}
