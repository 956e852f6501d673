package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digestry/digestry/internal/pipeline"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, APIKey: "test-key", Model: "test-model"}, nil)
	require.NoError(t, err)
	return client
}

func completionResponse(content string) []byte {
	out, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}, "finish_reason": "stop"},
		},
	})
	return out
}

func TestGeneratePrimary(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		require.Equal(t, "system", req.Messages[0].Role)
		require.Equal(t, "raw document", req.Messages[1].Content)

		_, _ = w.Write(completionResponse("the summary"))
	})

	text, err := client.GeneratePrimary(t.Context(), pipeline.RawContent{Body: []byte("raw document")})
	require.NoError(t, err)
	require.Equal(t, "the summary", text)
}

func TestGenerateSecondaryIncludesPrimary(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Contains(t, req.Messages[1].Content, "raw document")
		require.Contains(t, req.Messages[1].Content, "the summary")
		_, _ = w.Write(completionResponse("the commentary"))
	})

	text, err := client.GenerateSecondary(t.Context(), pipeline.RawContent{Body: []byte("raw document")}, "the summary")
	require.NoError(t, err)
	require.Equal(t, "the commentary", text)
}

func TestCompleteClassifiesThrottling(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GeneratePrimary(t.Context(), pipeline.RawContent{Body: []byte("doc")})
	require.Error(t, err)
	require.True(t, pipeline.IsRetryable(err))
}

func TestCompleteClassifiesBadRequest(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "context length exceeded", http.StatusBadRequest)
	})

	_, err := client.GeneratePrimary(t.Context(), pipeline.RawContent{Body: []byte("doc")})
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})

	_, err := client.GeneratePrimary(t.Context(), pipeline.RawContent{Body: []byte("doc")})
	require.Error(t, err)
}

func TestNewRequiresBaseURLAndModel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost"}, nil)
	require.Error(t, err)
}
