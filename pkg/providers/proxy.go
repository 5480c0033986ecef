package providers

import (
	"context"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/retry"
)

// Proxy routes generation calls through a retry.Executor. It implements
// plugin.Proxy and is what the scheduler generates with.
type Proxy struct {
	gen         Generator
	exec        *retry.Executor
	policy      retry.Policy
	maxTokens   int
	temperature float64
}

// NewProxy wraps gen. maxTokens and temperature fill requests that leave
// them unset.
func NewProxy(gen Generator, exec *retry.Executor, policy retry.Policy, maxTokens int, temperature float64) *Proxy {
	return &Proxy{
		gen:         gen,
		exec:        exec,
		policy:      policy,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

// Generate is the plugin-facing call.
func (p *Proxy) Generate(ctx context.Context, system, prompt string) (string, error) {
	return p.GenerateRequest(ctx, Request{System: system, Prompt: prompt})
}

// Chat is Generate with earlier conversation turns.
func (p *Proxy) Chat(ctx context.Context, system string, history []events.Turn, prompt string) (string, error) {
	return p.GenerateRequest(ctx, Request{System: system, History: history, Prompt: prompt})
}

// GenerateRequest runs req with retries.
func (p *Proxy) GenerateRequest(ctx context.Context, req Request) (string, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = p.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = p.temperature
	}
	return retry.Get(ctx, p.exec, "generate", p.policy, func(ctx context.Context) (string, error) {
		return p.gen.Generate(ctx, req)
	})
}

// Model names the backing model.
func (p *Proxy) Model() string { return p.gen.Model() }
