// Package providers implements the content-generation collaborator on top
// of OpenAI-compatible chat completion APIs and the Anthropic Messages API,
// and the retried HTTP client plugins use for other external APIs.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sipeed/misskeybot/pkg/config"
	"github.com/sipeed/misskeybot/pkg/events"
)

// Request is one generation call.
type Request struct {
	System string
	// History is sent before Prompt as alternating conversation turns.
	History     []events.Turn
	Prompt      string
	MaxTokens   int
	Temperature float64
	// CacheBustToken, when set, is prepended to the prompt as "[token] " so an
	// upstream cache never returns a stale completion for a repeated prompt.
	CacheBustToken string
}

// UserPrompt returns the prompt as sent to the model.
func (r Request) UserPrompt() string {
	if r.CacheBustToken == "" {
		return r.Prompt
	}
	return "[" + r.CacheBustToken + "] " + r.Prompt
}

// CacheBustToken returns the unix minute of t.
func CacheBustToken(t time.Time) string {
	return strconv.FormatInt(t.Unix()/60, 10)
}

// Generator produces text for a prompt. Errors are classified with the retry
// package: callers wrap Generate in a retry.Executor.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
	Model() string
}

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned empty content")

// New builds the generator selected by cfg.Type.
func New(cfg config.ProviderConfig) (Generator, error) {
	switch cfg.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.APIBase, cfg.Model), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.APIBase, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
