package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/retry"
)

const defaultOpenAIBase = "https://api.deepseek.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint
// (DeepSeek, Moonshot, OpenAI itself).
type OpenAIProvider struct {
	client openai.Client
	model  string
	base   string
}

// NewOpenAIProvider creates a provider. An empty apiBase selects DeepSeek.
func NewOpenAIProvider(apiKey, apiBase, model string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = defaultOpenAIBase
	}
	if model == "" {
		model = "deepseek-chat"
	}
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(apiBase),
			// Retries belong to the caller's retry.Executor.
			option.WithMaxRetries(0),
		),
		model: model,
		base:  apiBase,
	}
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// Generate sends one chat completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		if turn.Role == events.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Text))
		} else {
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt()))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return "", retry.Transient(fmt.Errorf("openai: no choices in response"))
	}

	logger.DebugCF("providers", "Chat completion finished", map[string]interface{}{
		"model":             p.model,
		"duration_ms":       time.Since(start).Milliseconds(),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", retry.Transient(ErrEmptyResponse)
	}
	return text, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retry.FromStatus(apiErr.StatusCode, fmt.Errorf("openai: %w", err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return retry.Transient(fmt.Errorf("openai: %w", err))
}

var _ Generator = (*OpenAIProvider)(nil)
