package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"onboarding/apps/backend/internal/llm"
	"onboarding/apps/backend/internal/settings"
)

const defaultRetryDelay = time.Second

// Client talks to Gemini with the API key and model names currently stored
// in settings. The underlying genai client is rebuilt when the key changes.
type Client struct {
	settingsSvc *settings.Service
	client      *genai.Client
	currentKey  string
	mu          sync.RWMutex
	clientOpts  []option.ClientOption

	// RetryDelay is the pause before the single retry of a retryable failure.
	RetryDelay time.Duration
}

var (
	_ llm.Embedder  = (*Client)(nil)
	_ llm.Generator = (*Client)(nil)
)

func NewClient(svc *settings.Service, opts ...option.ClientOption) *Client {
	return &Client{
		settingsSvc: svc,
		clientOpts:  opts,
		RetryDelay:  defaultRetryDelay,
	}
}

func (c *Client) session(ctx context.Context) (*genai.Client, *settings.Settings, error) {
	s, err := c.settingsSvc.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get settings: %w", err)
	}
	if s.GeminiAPIKey == "" {
		return nil, nil, fmt.Errorf("%w: gemini api key not configured", llm.ErrNotConfigured)
	}
	client, err := c.getClient(ctx, s.GeminiAPIKey)
	if err != nil {
		return nil, nil, err
	}
	return client, s, nil
}

func (c *Client) getClient(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.RLock()
	if c.client != nil && c.currentKey == key {
		defer c.mu.RUnlock()
		return c.client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.currentKey == key {
		return c.client, nil
	}

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := make([]option.ClientOption, 0, len(c.clientOpts)+1)
	opts = append(opts, c.clientOpts...)
	opts = append(opts, option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	c.client = client
	c.currentKey = key
	return client, nil
}

// Close releases the cached genai client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.currentKey = ""
	return err
}

// withRetry runs fn and retries once when the classified error is retryable.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	err := classify(fn())
	if err == nil || !llm.Retryable(err) {
		return err
	}
	slog.WarnContext(ctx, "gemini call failed, retrying once", "operation", op, "error", err)

	timer := time.NewTimer(c.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-timer.C:
	}
	return classify(fn())
}
