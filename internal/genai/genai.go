// Package genai provides the generation backend transport using the OpenAI chat completions API.
//
// Any OpenAI-compatible endpoint works, including the Gemini compatibility endpoint.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation parameters
const (
	DefaultModel       = "gemini-2.0-flash"
	DefaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 200
	DefaultTimeout     = 30 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the backend answers without any candidate.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyContent is returned when the first candidate carries no text.
	ErrEmptyContent = errors.New("empty candidate content")
	// ErrMissingAPIKey is returned by NewClient when no key is configured.
	ErrMissingAPIKey = errors.New("generation API key not set")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK service to chatService.
type completionsService struct {
	svc openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the generated output length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the chat completion service for single-turn generation.
type Client struct {
	chat        chatService
	model       openai.ChatModel
	temperature float64
	maxTokens   int64
}

// NewClient initializes a new GenAI client. Falls back to GENAI_API_KEY when no key option is given.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:     DefaultBaseURL,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	slog.Debug("GenAI client config loaded", "base_url", cfg.BaseURL, "model", cfg.Model, "timeout", cfg.Timeout)

	// Retries are owned by the caller's policy, so the SDK must not retry on its own.
	cli := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	)
	return &Client{
		chat:        completionsService{svc: cli.Chat.Completions},
		model:       openai.ChatModel(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GenerateWithMessages issues one completion request and returns the first candidate's text.
// Rate limiting is reported as models.ErrRateLimited; other backend failures as
// models.ErrUpstreamUnavailable. A cancelled context is returned as is.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			slog.Warn("GenAI.GenerateWithMessages: rate limited", "model", c.model)
			return "", fmt.Errorf("%w: %w", models.ErrRateLimited, err)
		}
		slog.Error("GenAI.GenerateWithMessages: request failed", "model", c.model, "error", err)
		return "", fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, ErrNoChoicesReturned)
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, ErrEmptyContent)
	}
	slog.Debug("GenAI.GenerateWithMessages: response received", "model", c.model, "length", len(content))
	return content, nil
}
