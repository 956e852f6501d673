// Package llm implements the pipeline Generator against an
// OpenAI-compatible chat completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/pipeline"
)

const (
	defaultPrimaryPrompt = "You write faithful, well-structured summaries of source documents. " +
		"Summarize the user's document, keeping every substantive point."
	defaultSecondaryPrompt = "You write critical commentary. Given a source document and its " +
		"summary, produce analysis and follow-up questions."
)

// Config controls the completion client.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	Timeout         time.Duration
	Temperature     float64
	MaxTokens       int
	PrimaryPrompt   string
	SecondaryPrompt string
}

// Client talks to a chat-completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generator base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("generator model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.PrimaryPrompt == "" {
		cfg.PrimaryPrompt = defaultPrimaryPrompt
	}
	if cfg.SecondaryPrompt == "" {
		cfg.SecondaryPrompt = defaultSecondaryPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GeneratePrimary produces the summary text for the raw content.
func (c *Client) GeneratePrimary(ctx context.Context, raw pipeline.RawContent) (string, error) {
	return c.complete(ctx, c.cfg.PrimaryPrompt, string(raw.Body))
}

// GenerateSecondary produces commentary over the raw content and its
// primary summary.
func (c *Client) GenerateSecondary(ctx context.Context, raw pipeline.RawContent, primary string) (string, error) {
	user := fmt.Sprintf("Document:\n%s\n\nSummary:\n%s", string(raw.Body), primary)
	return c.complete(ctx, c.cfg.SecondaryPrompt, user)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("marshal completion request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("build completion request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", pipeline.Transient(fmt.Errorf("completion request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", pipeline.Transient(fmt.Errorf("read completion response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", pipeline.Transient(fmt.Errorf("parse completion response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", pipeline.Transient(fmt.Errorf("completion returned no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

// classifyStatus buckets API failures: throttling and upstream errors are
// retryable, input and authorization problems are not.
func classifyStatus(status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cause := fmt.Errorf("completion API status %d: %s", status, snippet)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return pipeline.Transient(cause)
	default:
		return pipeline.Permanent(cause)
	}
}
