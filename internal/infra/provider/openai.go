package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/metrics"
)

// OpenAIConfig configures the chat-completions style adapter.
type OpenAIConfig struct {
	BaseURL     string        // "" = api.openai.com
	Model       string        // e.g. "deepseek-chat"
	Temperature float32       // default 0.2
	MaxTokens   int           // default 1000
	CallTimeout time.Duration // default 60s
}

// OpenAIAdapter speaks the OpenAI chat-completions wire protocol.
// Credentials are supplied per call because the key pool rotates them.
type OpenAIAdapter struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIAdapter creates a chat-completions adapter.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &OpenAIAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallTimeout},
	}
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Solve sends the prompt and returns the first choice's content.
func (a *OpenAIAdapter) Solve(ctx context.Context, prompt, credential string) (string, error) {
	clientCfg := openai.DefaultConfig(credential)
	if a.cfg.BaseURL != "" {
		clientCfg.BaseURL = a.cfg.BaseURL
	}
	clientCfg.HTTPClient = a.client
	client := openai.NewClientWithConfig(clientCfg)

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	metrics.ProviderLatency.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &domain.ProviderError{Kind: domain.KindInvalidResponse, Message: "empty completion"}
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError maps go-openai errors onto the domain error kinds.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ProviderError{Kind: domain.KindTimeout, Message: err.Error()}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &domain.ProviderError{Kind: domain.KindRateLimited, Message: apiErr.Message}
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return &domain.ProviderError{Kind: domain.KindAuth, Message: apiErr.Message}
		default:
			return &domain.ProviderError{Kind: domain.KindTransient, Message: apiErr.Message}
		}
	}

	// Network failure or malformed response.
	return &domain.ProviderError{Kind: domain.KindTransient, Message: err.Error()}
}
