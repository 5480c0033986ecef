// Package dispatch walks the plugin chain for one event at a time.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/metrics"
	"github.com/sipeed/misskeybot/pkg/plugin"
)

// Chainer yields the ordered plugins for a hook. *plugin.Registry
// implements it.
type Chainer interface {
	Chain(hook plugin.Hook) []plugin.Bound
}

// Notifier receives system events. *bus.MessageBus implements it.
type Notifier interface {
	PublishSystem(ev events.SystemEvent)
}

// PluginError is a hook call that failed or panicked. It never escapes the
// walk; it is collected in Result.Failures.
type PluginError struct {
	Plugin  string
	Hook    plugin.Hook
	EventID string
	Panic   bool
	Err     error
}

func (e *PluginError) Error() string {
	what := "failed"
	if e.Panic {
		what = "panicked"
	}
	return fmt.Sprintf("plugin %s %s in %s: %v", e.Plugin, what, e.Hook, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// Engine is safe for concurrent walks of distinct events.
type Engine struct {
	chain    Chainer
	metrics  *metrics.Metrics
	notifier Notifier
}

// New creates an engine. m and n may be nil.
func New(chain Chainer, m *metrics.Metrics, n Notifier) *Engine {
	return &Engine{chain: chain, metrics: m, notifier: n}
}

// Dispatch offers ev to each enabled plugin implementing the event's hook, in
// priority order, and returns the first claiming result. Plugin errors and
// panics are isolated: they count as unclaimed and the walk continues. An
// exhausted chain returns events.Unclaimed() carrying any failures.
//
// If ctx ends mid-walk the remaining plugins are not offered the event and
// the result has Aborted set; callers must not treat it as an unclaimed
// walk. Callers that want in-flight walks to finish pass a context detached
// from shutdown.
func (e *Engine) Dispatch(ctx context.Context, ev events.Event) events.Result {
	hook, ok := plugin.HookFor(ev.Kind)
	if !ok {
		logger.WarnCF("dispatch", "No hook for event kind", map[string]interface{}{
			"kind": string(ev.Kind),
		})
		return events.Unclaimed()
	}

	start := time.Now()
	var failures []error
	for _, b := range e.chain.Chain(hook) {
		if ctx.Err() != nil {
			return e.aborted(ev, b.Descriptor.Name, failures, start)
		}
		res, err := e.invoke(ctx, b, hook, ev)
		if err != nil {
			failures = append(failures, err)
			e.recordFailure(err)
			continue
		}
		if !res.Handled {
			continue
		}

		res.Plugin = b.Descriptor.Name
		res.Failures = failures
		e.metrics.Dispatched(string(ev.Kind), true, time.Since(start))
		logger.InfoCF("dispatch", "Event claimed", map[string]interface{}{
			"event_id": ev.ID,
			"kind":     string(ev.Kind),
			"plugin":   b.Descriptor.Name,
		})
		e.notify(events.DispatchClaimed, events.DispatchData{
			EventID:  ev.ID,
			Kind:     ev.Kind,
			Plugin:   b.Descriptor.Name,
			Failures: len(failures),
		})
		return res
	}

	e.metrics.Dispatched(string(ev.Kind), false, time.Since(start))
	logger.DebugCF("dispatch", "Event unclaimed", map[string]interface{}{
		"event_id": ev.ID,
		"kind":     string(ev.Kind),
		"failures": len(failures),
	})
	e.notify(events.DispatchUnclaimed, events.DispatchData{
		EventID:  ev.ID,
		Kind:     ev.Kind,
		Failures: len(failures),
	})
	res := events.Unclaimed()
	res.Failures = failures
	return res
}

func (e *Engine) aborted(ev events.Event, next string, failures []error, start time.Time) events.Result {
	e.metrics.Dispatched(string(ev.Kind), false, time.Since(start))
	logger.WarnCF("dispatch", "Walk aborted", map[string]interface{}{
		"event_id":    ev.ID,
		"kind":        string(ev.Kind),
		"next_plugin": next,
		"failures":    len(failures),
	})
	return events.Result{Aborted: true, Failures: failures}
}

func (e *Engine) invoke(ctx context.Context, b plugin.Bound, hook plugin.Hook, ev events.Event) (res events.Result, err error) {
	name := b.Descriptor.Name
	defer func() {
		if rec := recover(); rec != nil {
			res = events.Unclaimed()
			err = &PluginError{Plugin: name, Hook: hook, EventID: ev.ID, Panic: true, Err: fmt.Errorf("%v", rec)}
		}
	}()

	// Each plugin gets its own copy so it cannot alter what later plugins see.
	in := ev.Clone()
	switch hook {
	case plugin.HookMention:
		if h, ok := b.Plugin.(plugin.MentionHandler); ok {
			res, err = h.OnMention(ctx, b.Context, in)
		}
	case plugin.HookMessage:
		if h, ok := b.Plugin.(plugin.MessageHandler); ok {
			res, err = h.OnMessage(ctx, b.Context, in)
		}
	case plugin.HookAutopost:
		if h, ok := b.Plugin.(plugin.AutopostHandler); ok {
			res, err = h.OnAutopost(ctx, b.Context, in)
		}
	}
	if err != nil {
		return events.Unclaimed(), &PluginError{Plugin: name, Hook: hook, EventID: ev.ID, Err: err}
	}
	return res, nil
}

func (e *Engine) recordFailure(err error) {
	pe, ok := err.(*PluginError)
	if !ok {
		return
	}
	e.metrics.PluginFailed(pe.Plugin, string(pe.Hook))
	logger.ErrorCF("dispatch", "Plugin hook failed", map[string]interface{}{
		"plugin":   pe.Plugin,
		"hook":     string(pe.Hook),
		"event_id": pe.EventID,
		"panic":    pe.Panic,
		"error":    pe.Err.Error(),
	})
	e.notify(events.PluginFailed, events.PluginData{
		Plugin: pe.Plugin,
		Hook:   string(pe.Hook),
		Error:  pe.Err.Error(),
	})
}

func (e *Engine) notify(eventType string, data interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.PublishSystem(events.NewSystem(eventType, "dispatch", data))
}

// ComposePrompt asks PromptContributor plugins, in priority order, for a
// prefix to the autopost generation prompt. The first non-empty prefix wins;
// failures are isolated as in Dispatch. source names the contributing plugin.
func (e *Engine) ComposePrompt(ctx context.Context, ev events.Event) (prefix, source string) {
	for _, b := range e.chain.Chain(plugin.HookPrompt) {
		if ctx.Err() != nil {
			return "", ""
		}
		p, err := e.contribute(ctx, b, ev)
		if err != nil {
			e.recordFailure(err)
			continue
		}
		if strings.TrimSpace(p) != "" {
			return p, b.Descriptor.Name
		}
	}
	return "", ""
}

func (e *Engine) contribute(ctx context.Context, b plugin.Bound, ev events.Event) (prefix string, err error) {
	name := b.Descriptor.Name
	defer func() {
		if rec := recover(); rec != nil {
			prefix = ""
			err = &PluginError{Plugin: name, Hook: plugin.HookPrompt, EventID: ev.ID, Panic: true, Err: fmt.Errorf("%v", rec)}
		}
	}()
	pc, ok := b.Plugin.(plugin.PromptContributor)
	if !ok {
		return "", nil
	}
	prefix, err = pc.PromptPrefix(ctx, b.Context, ev.Clone())
	if err != nil {
		return "", &PluginError{Plugin: name, Hook: plugin.HookPrompt, EventID: ev.ID, Err: err}
	}
	return prefix, nil
}
