// Package agents implements the two LLM pipeline stages: vision extraction
// and CRA-rules categorization. Each stage is a small state machine over one
// model call with bounded retries; all non-trivial arithmetic happens in Go,
// never in the model.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"receiptwise/internal/ratelimit"
	"receiptwise/internal/receipt"
)

// LLMClient abstracts the generative model so stages can be tested against a
// scripted fake.
type LLMClient interface {
	// GenerateText runs a text-only prompt and returns the raw model output.
	GenerateText(ctx context.Context, model, prompt string) (string, error)
	// GenerateVision runs a prompt with one inline image attachment.
	GenerateVision(ctx context.Context, model, prompt string, image []byte, mimeType string) (string, error)
}

// GeminiClient implements LLMClient over the Google GenAI SDK. Every call
// passes through the provider rate limiter before touching the network.
type GeminiClient struct {
	client  *genai.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewGeminiClient builds the client. The limiter may be nil in tests.
func NewGeminiClient(ctx context.Context, apiKey string, limiter *ratelimit.Limiter, logger *zap.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiClient{client: client, limiter: limiter, logger: logger}, nil
}

func (c *GeminiClient) GenerateText(ctx context.Context, model, prompt string) (string, error) {
	return c.generate(ctx, model, genai.Text(prompt))
}

func (c *GeminiClient) GenerateVision(ctx context.Context, model, prompt string, image []byte, mimeType string) (string, error) {
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: image}},
		},
	}}
	return c.generate(ctx, model, contents)
}

func (c *GeminiClient) generate(ctx context.Context, model string, contents []*genai.Content) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.CheckAndWait(ctx); err != nil {
			return "", err
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		ResponseMIMEType: "application/json",
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		c.logger.Warn("llm call failed", zap.String("model", model), zap.Error(err))
		return "", classifyLLMError(err)
	}
	text := result.Text()
	c.logger.Debug("llm call complete",
		zap.String("model", model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("response_bytes", len(text)))
	return text, nil
}

// classifyLLMError maps provider failures onto the pipeline sentinels so exit
// codes and retry policy stay uniform across stages.
func classifyLLMError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("llm call: %w", receipt.ErrCanceled)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("llm call timed out: %w", receipt.ErrUpstreamUnavailable)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota"):
		return fmt.Errorf("llm quota: %v: %w", err, receipt.ErrUpstreamUnavailable)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		return fmt.Errorf("llm upstream: %v: %w", err, receipt.ErrUpstreamUnavailable)
	default:
		return err
	}
}

// transient reports whether an LLM error is worth one more attempt with
// backoff, as opposed to a hard failure like an invalid API key.
func transient(err error) bool {
	return errors.Is(err, receipt.ErrUpstreamUnavailable)
}

// backoffDelays is the fixed retry schedule for transient model failures.
var backoffDelays = []time.Duration{time.Second, 2 * time.Second}

// callWithRetry invokes fn, retrying transient failures per backoffDelays.
func callWithRetry(ctx context.Context, logger *zap.Logger, fn func() (string, error)) (string, error) {
	out, err := fn()
	for attempt := 0; err != nil && transient(err) && attempt < len(backoffDelays); attempt++ {
		logger.Warn("transient llm failure, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("retry wait: %w", receipt.ErrUpstreamUnavailable)
			}
			return "", fmt.Errorf("retry wait: %w", receipt.ErrCanceled)
		case <-time.After(backoffDelays[attempt]):
		}
		out, err = fn()
	}
	return out, err
}
