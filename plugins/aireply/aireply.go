// Package aireply answers mentions and chat messages with model-generated
// text. It runs last so every other plugin gets the first look. Chat
// replies carry the conversation history the bot attached to the event.
package aireply

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

const Name = "ai_reply"

// Plugin is the default reply path.
type Plugin struct{}

func New() (plugin.Plugin, error) { return &Plugin{}, nil }

func (p *Plugin) Name() string         { return Name }
func (p *Plugin) Description() string  { return "Replies to mentions and chats with the language model" }
func (p *Plugin) DefaultPriority() int { return math.MaxInt32 }

func (p *Plugin) OnMention(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	return p.reply(ctx, pc, ev)
}

func (p *Plugin) OnMessage(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	return p.reply(ctx, pc, ev)
}

func (p *Plugin) reply(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	prompt := Prompt(ev)
	if prompt == "" {
		return events.Unclaimed(), nil
	}
	system := pc.Config.LookupString("bot.system_prompt", "")
	var (
		text string
		err  error
	)
	if ev.Kind == events.KindChat && len(ev.History) > 0 {
		text, err = pc.Proxy.Chat(ctx, system, ev.History, prompt)
	} else {
		text, err = pc.Proxy.Generate(ctx, system, prompt)
	}
	if err != nil {
		return events.Unclaimed(), fmt.Errorf("generate reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return events.Unclaimed(), nil
	}
	pc.Log.Info("Generated reply", map[string]interface{}{
		"event_id": ev.ID,
		"kind":     string(ev.Kind),
		"preview":  events.Preview(text, 40),
	})
	return events.Reply(text), nil
}

// Prompt builds the user prompt from the event text with leading @handles
// removed. Media-only events produce a short description of the
// attachments; events with neither produce "".
func Prompt(ev events.Event) string {
	text := stripMentions(ev.TextOf())
	if text != "" {
		return text
	}
	if n := len(ev.AttachmentIDs()); n > 0 {
		return fmt.Sprintf("The user sent %d attachment(s) without any text. Respond briefly.", n)
	}
	return ""
}

func stripMentions(text string) string {
	fields := strings.Fields(text)
	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "@") {
		i++
	}
	return strings.Join(fields[i:], " ")
}
