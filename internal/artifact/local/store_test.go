package local

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveWritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.Save(t.Context(), "job-1/digest.md", []byte("# digest"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(base, "job-1/digest.md"), uri)

	data, err := os.ReadFile(filepath.Join(base, "job-1", "digest.md"))
	require.NoError(t, err)
	require.Equal(t, "# digest", string(data))
}

func TestSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	first, err := store.Save(t.Context(), "job-1/digest.md", []byte("content"))
	require.NoError(t, err)
	second, err := store.Save(t.Context(), "job-1/digest.md", []byte("content"))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSaveRejectsPathEscape(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Save(t.Context(), "../escape.md", []byte("x"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "escapes"))
}

func TestSaveRejectsEmptyName(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Save(t.Context(), "  ", []byte("x"))
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "nested", "artifacts")
	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRejectsEmptyBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
