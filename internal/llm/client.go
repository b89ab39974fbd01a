// Package llm provides completion backend clients.
// The orchestration core treats a backend as an opaque request->text service
// behind the Client interface; everything else in this package is transport.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Client defines the minimal interface the core uses to call a model.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Usage accumulates request accounting for one client.
type Usage struct {
	Calls           int   `json:"calls"`
	PromptChars     int64 `json:"prompt_chars"`
	CompletionChars int64 `json:"completion_chars"`
	Errors          int   `json:"errors"`
}

// Add merges another usage total into u.
func (u *Usage) Add(other Usage) {
	u.Calls += other.Calls
	u.PromptChars += other.PromptChars
	u.CompletionChars += other.CompletionChars
	u.Errors += other.Errors
}

// UsageReporter is implemented by clients that track usage.
type UsageReporter interface {
	Usage() Usage
}

// usageCounter is embedded by the concrete clients.
type usageCounter struct {
	mu    sync.Mutex
	usage Usage
}

func (u *usageCounter) record(promptLen, completionLen int, failed bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage.Calls++
	u.usage.PromptChars += int64(promptLen)
	u.usage.CompletionChars += int64(completionLen)
	if failed {
		u.usage.Errors++
	}
}

// Usage returns a snapshot of accumulated usage.
func (u *usageCounter) Usage() Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usage
}

// Options configures a backend client.
type Options struct {
	Provider string // anthropic, openai, gemini, mock
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// New constructs a client for the configured provider.
func New(opts Options) (Client, error) {
	switch opts.Provider {
	case "anthropic":
		cfg := DefaultAnthropicConfig(opts.APIKey)
		if opts.Model != "" {
			cfg.Model = opts.Model
		}
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		if opts.Timeout > 0 {
			cfg.Timeout = opts.Timeout
		}
		return NewAnthropicClientWithConfig(cfg), nil
	case "openai":
		cfg := DefaultOpenAIConfig(opts.APIKey)
		if opts.Model != "" {
			cfg.Model = opts.Model
		}
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		if opts.Timeout > 0 {
			cfg.Timeout = opts.Timeout
		}
		return NewOpenAIClientWithConfig(cfg), nil
	case "gemini":
		return NewGeminiClient(opts.APIKey, opts.Model)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", opts.Provider)
	}
}
