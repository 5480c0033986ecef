// Package example is a minimal greeting plugin showing the hook surface.
package example

import (
	"context"
	"strings"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

const Name = "example"

var greetings = []string{"hello", "hi", "你好", "こんにちは"}

// Plugin answers greetings in mentions and a "plugin test" chat message.
// With plugins.example.auto_post_enabled it also claims autopost fires.
type Plugin struct {
	greetingEnabled bool
	autoPostEnabled bool
}

func New() (plugin.Plugin, error) {
	return &Plugin{greetingEnabled: true}, nil
}

func (p *Plugin) Name() string         { return Name }
func (p *Plugin) Description() string  { return "Greets users who say hello" }
func (p *Plugin) DefaultPriority() int { return 100 }

func (p *Plugin) OnStartup(ctx context.Context, pc *plugin.Context) error {
	p.greetingEnabled = pc.Config.LookupBool("plugins.example.greeting_enabled", true)
	p.autoPostEnabled = pc.Config.LookupBool("plugins.example.auto_post_enabled", false)
	pc.Log.Info("Example plugin ready", map[string]interface{}{
		"greeting":  p.greetingEnabled,
		"auto_post": p.autoPostEnabled,
	})
	return nil
}

func (p *Plugin) OnMention(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	if !p.greetingEnabled || !isGreeting(ev.TextOf()) {
		return events.Unclaimed(), nil
	}
	pc.Log.Info("Greeting", map[string]interface{}{"from": ev.Sender.Handle()})
	return events.Reply("Hello! I'm the example plugin, nice to meet you!"), nil
}

func (p *Plugin) OnMessage(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	text := strings.ToLower(ev.TextOf())
	if !p.greetingEnabled || !strings.Contains(text, "plugin") || !strings.Contains(text, "test") {
		return events.Unclaimed(), nil
	}
	return events.Reply("The plugin system works. This reply comes from the example plugin."), nil
}

func (p *Plugin) OnAutopost(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	if !p.autoPostEnabled {
		return events.Unclaimed(), nil
	}
	return events.Reply("Scheduled hello from the example plugin!"), nil
}

func isGreeting(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '!' || r == ',' || r == '.' || r == '?'
	}) {
		for _, g := range greetings {
			if word == g {
				return true
			}
		}
	}
	// CJK greetings are not space-delimited.
	for _, g := range greetings[2:] {
		if strings.Contains(lower, g) {
			return true
		}
	}
	return false
}
