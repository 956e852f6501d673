package static

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotsStartOffset(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"a", "b", "c"}, nil)
	require.NoError(t, err)

	first, err := r.Address(t.Context(), 0)
	require.NoError(t, err)
	second, err := r.Address(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, "a", first)
	require.Equal(t, "b", second)
}

func TestRotateAdvancesIndependentlyPerSlot(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"a", "b", "c"}, nil)
	require.NoError(t, err)

	next, err := r.Rotate(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, "b", next)

	// Slot 1 is untouched by slot 0's rotation.
	addr, err := r.Address(t.Context(), 1)
	require.NoError(t, err)
	require.Equal(t, "b", addr)

	next, err = r.Rotate(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, "c", next)
	next, err = r.Rotate(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, "a", next, "rotation wraps around the list")
}

func TestProxyURLOutOfRangeIsDirect(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"a"}, []string{"socks5://127.0.0.1:9050"})
	require.NoError(t, err)

	require.Equal(t, "socks5://127.0.0.1:9050", r.ProxyURL(0))
	require.Equal(t, "", r.ProxyURL(1))
	require.Equal(t, "", r.ProxyURL(-1))
}

func TestNewRequiresAddresses(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}
