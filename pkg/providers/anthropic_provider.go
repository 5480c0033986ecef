package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/retry"
)

// AnthropicProvider generates text with the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a provider. apiBase may be empty.
func NewAnthropicProvider(apiKey, apiBase, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

// Generate sends one Messages request.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	logger.DebugCF("providers", "Message finished", map[string]interface{}{
		"model":         p.model,
		"duration_ms":   time.Since(start).Milliseconds(),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"stop_reason":   string(resp.StopReason),
	})

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", retry.Transient(ErrEmptyResponse)
	}
	return text, nil
}

// anthropicMessages converts history and prompt into turns. The Messages API
// wants the conversation to open with a user turn, so leading assistant
// turns are dropped.
func anthropicMessages(req Request) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		if turn.Role == events.RoleAssistant {
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt())))
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retry.FromStatus(apiErr.StatusCode, fmt.Errorf("anthropic: %w", err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return retry.Transient(fmt.Errorf("anthropic: %w", err))
}

var _ Generator = (*AnthropicProvider)(nil)
