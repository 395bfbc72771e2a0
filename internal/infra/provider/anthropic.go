package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/metrics"
)

const anthropicVersion = "2023-06-01"

// AnthropicConfig configures the messages-API style adapter.
type AnthropicConfig struct {
	BaseURL     string        // e.g. "https://api.anthropic.com"
	Model       string        // e.g. "claude-3-5-sonnet-20241022"
	MaxTokens   int           // default 800
	CallTimeout time.Duration // default 60s
}

// AnthropicAdapter speaks the Anthropic messages wire protocol.
type AnthropicAdapter struct {
	cfg    AnthropicConfig
	client *http.Client
}

// NewAnthropicAdapter creates a messages-API adapter.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 800
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &AnthropicAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallTimeout},
	}
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Solve posts the prompt to /v1/messages and returns content[0].text.
func (a *AnthropicAdapter) Solve(ctx context.Context, prompt, credential string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", credential)
	req.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := a.client.Do(req)
	metrics.ProviderLatency.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &domain.ProviderError{Kind: domain.KindTimeout, Message: err.Error()}
		}
		return "", &domain.ProviderError{Kind: domain.KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyAnthropicStatus(resp)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &domain.ProviderError{Kind: domain.KindInvalidResponse, Message: "decode response: " + err.Error()}
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		return "", &domain.ProviderError{Kind: domain.KindInvalidResponse, Message: "empty message content"}
	}
	return parsed.Content[0].Text, nil
}

// classifyAnthropicStatus maps non-200 responses onto domain error kinds,
// honoring the Retry-After header on 429.
func classifyAnthropicStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &domain.ProviderError{Kind: domain.KindRateLimited, RetryAfter: retryAfter, Message: msg}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &domain.ProviderError{Kind: domain.KindAuth, Message: msg}
	default:
		return &domain.ProviderError{Kind: domain.KindTransient, Message: msg}
	}
}
