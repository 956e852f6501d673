package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digestry/digestry/internal/identity"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit transient", Transient(errors.New("throttled")), ClassTransient},
		{"explicit permanent", Permanent(errors.New("gone")), ClassPermanent},
		{"wrapped explicit wins", fmt.Errorf("stage: %w", Permanent(errors.New("gone"))), ClassPermanent},
		{"pool exhausted", fmt.Errorf("acquire: %w", identity.ErrPoolExhausted), ClassTransient},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassTransient},
		{"net timeout", fmt.Errorf("fetch: %w", timeoutErr{}), ClassTransient},
		{"unknown defaults transient", errors.New("mystery"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDefaultClassDoesNotOverrideExplicit(t *testing.T) {
	t.Parallel()

	inner := Transient(errors.New("throttled"))
	wrapped := DefaultClass(fmt.Errorf("persist: %w", inner), ClassPermanent)
	require.Equal(t, ClassTransient, Classify(wrapped))

	plain := DefaultClass(errors.New("disk full"), ClassPermanent)
	require.Equal(t, ClassPermanent, Classify(plain))
}

func TestClassifiedNilPassthrough(t *testing.T) {
	t.Parallel()

	require.NoError(t, Transient(nil))
	require.NoError(t, Permanent(nil))
	require.NoError(t, DefaultClass(nil, ClassPermanent))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, IsRetryable(Transientf("status %d", 429)))
	require.False(t, IsRetryable(Permanentf("status %d", 404)))
}

func TestClassString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "transient", ClassTransient.String())
	require.Equal(t, "permanent", ClassPermanent.String())
}

func TestClassifiedUnwrap(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("sentinel")
	require.ErrorIs(t, Transient(fmt.Errorf("wrap: %w", sentinel)), sentinel)
}

func TestStageOrderAndTerminal(t *testing.T) {
	t.Parallel()

	require.Less(t, StageCreated.Order(), StageFetched.Order())
	require.Less(t, StageFetched.Order(), StagePrimaryGenerated.Order())
	require.Less(t, StagePersisted.Order(), StageExported.Order())
	require.Equal(t, -1, StageFailed.Order())

	require.True(t, StageCompleted.Terminal())
	require.True(t, StageFailed.Terminal())
	require.False(t, StagePersisted.Terminal())
}
