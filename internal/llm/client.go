// Package llm wraps the OpenAI-compatible chat completion API used for tool
// calling, source discovery and content extraction.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/config"
	"horse.fit/shoplens/internal/coordinator"
)

const (
	extractAttempts  = 3
	extractBaseDelay = 500 * time.Millisecond

	breakerFailureLimit    = 5
	breakerRecoveryTimeout = 30 * time.Second
)

// Client is a thin wrapper that applies the configured model, temperature,
// per-call timeout and circuit breaker to every request.
type Client struct {
	api         openai.Client
	model       openai.ChatModel
	callTimeout time.Duration
	breaker     *coordinator.Breaker
	logger      zerolog.Logger
}

// NewClient builds a client from service configuration.
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	apiKey := strings.TrimSpace(cfg.LLMAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.LLMBaseURL), "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Client{
		api:         openai.NewClient(opts...),
		model:       openai.ChatModel(strings.TrimSpace(cfg.LLMModel)),
		callTimeout: cfg.CallTimeout,
		breaker:     coordinator.NewBreaker("llm", breakerFailureLimit, breakerRecoveryTimeout, logger),
		logger:      logger.With().Str("component", "llm").Logger(),
	}, nil
}

// Complete performs one chat completion, optionally offering tools.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*openai.ChatCompletion, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, fmt.Errorf("chat completion: %w", coordinator.ErrCircuitOpen)
	}

	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(0.3),
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	completion, err := c.api.Chat.Completions.New(callCtx, params)
	if err != nil {
		if c.breaker != nil {
			c.breaker.Failure()
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if c.breaker != nil {
		c.breaker.Success()
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return completion, nil
}

// CompleteText performs a plain system+user completion and returns the text.
func (c *Client) CompleteText(ctx context.Context, system, user string) (string, error) {
	completion, err := c.Complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(user),
	}, nil)
	if err != nil {
		return "", err
	}
	return completion.Choices[0].Message.Content, nil
}

// ExtractJSON asks the model for a JSON object and decodes it into out.
// Responses often wrap the object in prose or fences, so the outermost
// braces are located before decoding. Transient failures are retried with
// exponential backoff.
func (c *Client) ExtractJSON(ctx context.Context, system, user string, out any) error {
	var lastErr error
	for attempt := 0; attempt < extractAttempts; attempt++ {
		if attempt > 0 {
			delay := extractBaseDelay << (attempt - 1)
			c.logger.Debug().
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying structured extraction")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		text, err := c.CompleteText(ctx, system, user)
		if err != nil {
			lastErr = err
			continue
		}

		payload, ok := ExtractJSONObject(text)
		if !ok {
			lastErr = fmt.Errorf("response contains no JSON object")
			continue
		}
		if err := json.Unmarshal([]byte(payload), out); err != nil {
			lastErr = fmt.Errorf("decode extracted JSON: %w", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("structured extraction failed after %d attempts: %w", extractAttempts, lastErr)
}

// ExtractJSONObject returns the outermost brace-delimited substring of text.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
