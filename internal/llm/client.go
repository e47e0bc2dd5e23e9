// Package llm defines the minimal interface the runtime uses to call a
// generative model, plus a retrying decorator. Concrete provider SDKs are
// external collaborators.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentos/internal/logging"
	"agentos/internal/types"
)

// Client is the prompt -> text interface consumed by the core.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// =============================================================================
// RETRYING CLIENT
// =============================================================================

// RetryConfig bounds the retry loop around a flaky provider.
type RetryConfig struct {
	Timeout        time.Duration // per-call timeout, default 30s
	MaxRetries     int           // default 3
	InitialBackoff time.Duration // default 1s, doubles each attempt
}

// DefaultRetryConfig returns the documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Second,
	}
}

// RetryingClient wraps a Client with timeout and exponential backoff.
type RetryingClient struct {
	inner Client
	cfg   RetryConfig
}

// NewRetryingClient wraps inner with retry behavior.
func NewRetryingClient(inner Client, cfg RetryConfig) *RetryingClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &RetryingClient{inner: inner, cfg: cfg}
}

// Complete calls the inner client with timeout and backoff.
func (c *RetryingClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.withRetry(ctx, func(ctx context.Context) (string, error) {
		return c.inner.Complete(ctx, prompt)
	})
}

// CompleteWithSystem calls the inner client with timeout and backoff.
func (c *RetryingClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.withRetry(ctx, func(ctx context.Context) (string, error) {
		return c.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
}

func (c *RetryingClient) withRetry(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logging.APIDebug("LLM retry %d/%d after %v: %v", attempt, c.cfg.MaxRetries, backoff, lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("llm call: %w", types.ErrCancelled)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		result, err := call(callCtx)
		cancel()

		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("llm call: %w", types.ErrCancelled)
		}
		lastErr = err
	}

	logging.Get(logging.CategoryAPI).Error("LLM call failed after %d retries: %v", c.cfg.MaxRetries, lastErr)
	return "", fmt.Errorf("llm call failed after %d retries: %v: %w", c.cfg.MaxRetries, lastErr, types.ErrUpstream)
}

// =============================================================================
// JSON RESPONSE HANDLING
// =============================================================================

// StripCodeFences removes leading/trailing markdown code fences so JSON
// responses can be parsed even when the model wraps them.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
