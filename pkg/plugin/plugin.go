// Package plugin defines the bot's plugin contract and the registry that
// loads, orders and introspects plugins.
//
// A plugin implements Plugin plus any of the hook interfaces below. The
// registry detects hooks by type assertion; a plugin that also implements
// CapabilityDeclarer must actually implement every hook it declares.
//
// Plugins are compiled in. The registration table lives in the plugins
// package as an explicit slice of Sources.
package plugin

import (
	"context"

	"github.com/sipeed/misskeybot/pkg/events"
)

// Hook names a plugin entry point.
type Hook string

const (
	HookMention  Hook = "on_mention"
	HookMessage  Hook = "on_message"
	HookAutopost Hook = "on_autopost"
	HookStartup  Hook = "on_startup"
	HookShutdown Hook = "on_shutdown"
	HookPrompt   Hook = "on_prompt"
)

// HookFor maps an event kind to the hook that receives it.
func HookFor(kind events.Kind) (Hook, bool) {
	switch kind {
	case events.KindMention:
		return HookMention, true
	case events.KindChat:
		return HookMessage, true
	case events.KindAutopost:
		return HookAutopost, true
	}
	return "", false
}

// Plugin is the base interface every plugin implements.
type Plugin interface {
	// Name must equal the name of the source the plugin was loaded from.
	Name() string
	Description() string
	// DefaultPriority applies when config does not set plugins.<name>.priority.
	// Lower runs first.
	DefaultPriority() int
}

// MentionHandler receives mention events.
type MentionHandler interface {
	Plugin
	OnMention(ctx context.Context, pc *Context, ev events.Event) (events.Result, error)
}

// MessageHandler receives direct chat events.
type MessageHandler interface {
	Plugin
	OnMessage(ctx context.Context, pc *Context, ev events.Event) (events.Result, error)
}

// AutopostHandler receives the scheduler's autopost event. A claiming result
// with a response is published verbatim instead of generated content.
type AutopostHandler interface {
	Plugin
	OnAutopost(ctx context.Context, pc *Context, ev events.Event) (events.Result, error)
}

// PromptContributor supplies a prefix for the autopost generation prompt
// when no plugin claimed the autopost event.
type PromptContributor interface {
	Plugin
	PromptPrefix(ctx context.Context, pc *Context, ev events.Event) (string, error)
}

// StartupHook is notified once before dispatch begins.
type StartupHook interface {
	Plugin
	OnStartup(ctx context.Context, pc *Context) error
}

// ShutdownHook is notified once during shutdown.
type ShutdownHook interface {
	Plugin
	OnShutdown(ctx context.Context, pc *Context) error
}

// CapabilityDeclarer lets a plugin state its hooks explicitly.
type CapabilityDeclarer interface {
	Capabilities() []Hook
}

// implemented returns the hooks p implements, in a fixed order.
func implemented(p Plugin) []Hook {
	var hooks []Hook
	if _, ok := p.(MentionHandler); ok {
		hooks = append(hooks, HookMention)
	}
	if _, ok := p.(MessageHandler); ok {
		hooks = append(hooks, HookMessage)
	}
	if _, ok := p.(AutopostHandler); ok {
		hooks = append(hooks, HookAutopost)
	}
	if _, ok := p.(PromptContributor); ok {
		hooks = append(hooks, HookPrompt)
	}
	if _, ok := p.(StartupHook); ok {
		hooks = append(hooks, HookStartup)
	}
	if _, ok := p.(ShutdownHook); ok {
		hooks = append(hooks, HookShutdown)
	}
	return hooks
}

func hasHook(hooks []Hook, h Hook) bool {
	for _, x := range hooks {
		if x == h {
			return true
		}
	}
	return false
}
