package collyfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digestry/digestry/internal/pipeline"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "digestry-test/1.0", r.UserAgent())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello content"))
	}))
	defer server.Close()

	f := New(Config{UserAgent: "digestry-test/1.0", Timeout: 5 * time.Second}, nil)
	raw, err := f.Fetch(t.Context(), server.URL, nil)
	require.NoError(t, err)
	require.Equal(t, "hello content", string(raw.Body))
	require.Equal(t, http.StatusOK, raw.StatusCode)
	require.Equal(t, server.URL, raw.SourceRef)
}

func TestFetchClassifiesNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(t.Context(), server.URL, nil)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err), "404 must not retry")
}

func TestFetchClassifiesServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(t.Context(), server.URL, nil)
	require.Error(t, err)
	require.True(t, pipeline.IsRetryable(err), "502 must retry")
}

func TestFetchRejectsUnreachableHost(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: 500 * time.Millisecond}, nil)
	_, err := f.Fetch(t.Context(), "http://127.0.0.1:1", nil)
	require.Error(t, err)
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		cause     error
		wantErr   bool
		retryable bool
	}{
		{"ok", 200, nil, false, false},
		{"no status no cause", 0, nil, false, false},
		{"rate limited", 429, nil, true, true},
		{"server error", 500, nil, true, true},
		{"bad gateway", 502, nil, true, true},
		{"unauthorized", 401, nil, true, false},
		{"forbidden", 403, nil, true, false},
		{"not found", 404, nil, true, false},
		{"gone", 410, nil, true, false},
		{"other client error", 422, nil, true, false},
		{"transport failure", 0, errors.New("connection refused"), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyHTTP(tt.status, tt.cause)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.retryable, pipeline.IsRetryable(err))
		})
	}
}

func TestTransportForProxySchemes(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)

	direct, err := f.transportFor("")
	require.NoError(t, err)
	require.Nil(t, direct.Proxy)

	viaHTTP, err := f.transportFor("http://127.0.0.1:8080")
	require.NoError(t, err)
	require.NotNil(t, viaHTTP.Proxy)

	viaSocks, err := f.transportFor("socks5://127.0.0.1:9050")
	require.NoError(t, err)
	require.NotNil(t, viaSocks.DialContext)
	require.Nil(t, viaSocks.Proxy)

	_, err = f.transportFor("ftp://127.0.0.1:21")
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
}

func TestPerHostLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	f := New(Config{PerHostRPS: 0.001, Burst: 1}, nil)

	// First wait consumes the burst token instantly.
	require.NoError(t, f.waitPerHost(t.Context(), "https://example.com/a"))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := f.waitPerHost(ctx, "https://example.com/b")
	require.Error(t, err)
}
