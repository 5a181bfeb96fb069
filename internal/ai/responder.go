// Package ai sends user transcripts to a chat-completion backend and
// returns the assistant's reply.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
)

// Responder turns user text into a reply.
type Responder interface {
	GetResponse(ctx context.Context, text string) (string, error)
}

// CredentialSource supplies the API key at call time.
type CredentialSource interface {
	APIKey() string
}

// Config configures the OpenAI responder.
type Config struct {
	BaseURL      string
	Model        string
	MaxTokens    int64
	Temperature  float64
	Timeout      time.Duration
	SystemPrompt string
}

// OpenAI is a Responder backed by the chat completions API. Each call makes
// a single attempt; failures are reported, never retried.
type OpenAI struct {
	client     openai.Client
	cfg        Config
	credential CredentialSource
	logger     zerolog.Logger
}

// NewOpenAI creates a responder. The key is read from credential on every
// call so it can change at runtime.
func NewOpenAI(cfg Config, credential CredentialSource, logger zerolog.Logger, opts ...option.RequestOption) *OpenAI {
	base := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		url := cfg.BaseURL
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		base = append(base, option.WithBaseURL(url))
	}

	return &OpenAI{
		client:     openai.NewClient(append(base, opts...)...),
		cfg:        cfg,
		credential: credential,
		logger:     logger.With().Str("component", "ai").Logger(),
	}
}

// GetResponse returns the assistant reply for text.
func (o *OpenAI) GetResponse(ctx context.Context, text string) (string, error) {
	key := ""
	if o.credential != nil {
		key = strings.TrimSpace(o.credential.APIKey())
	}
	if key == "" {
		return "", &ConfigError{Message: MessageCredentialRequired}
	}

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(o.cfg.SystemPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(o.cfg.Temperature),
	}
	if o.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(o.cfg.MaxTokens)
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params, option.WithAPIKey(key))
	if err != nil {
		mapped := mapError(err)
		o.logger.Warn().Err(mapped).Str("kind", Kind(mapped)).Dur("latency", time.Since(start)).Msg("Chat completion failed")
		return "", mapped
	}

	if len(resp.Choices) == 0 {
		return "", &APIError{StatusCode: http.StatusOK, Message: "response contained no choices"}
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	o.logger.Debug().
		Str("model", resp.Model).
		Int64("tokens", resp.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("Chat completion received")
	return reply, nil
}

func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, Message: providerMessage(apiErr)}
	}
	return &NetworkError{Err: err}
}

// providerMessage extracts the provider's error message, falling back to
// the response body and then the status text.
func providerMessage(apiErr *openai.Error) string {
	if msg := strings.TrimSpace(apiErr.Message); msg != "" {
		return msg
	}

	if apiErr.Response != nil && apiErr.Response.Body != nil {
		body, err := io.ReadAll(apiErr.Response.Body)
		if err == nil {
			var envelope struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
				return envelope.Error.Message
			}
		}
	}

	return http.StatusText(apiErr.StatusCode)
}
