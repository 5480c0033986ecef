package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/channels/console"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/misskey"
	"github.com/sipeed/misskeybot/pkg/retry"
)

// Run resolves the bot account, then serves the Misskey stream, the
// poller, the autopost scheduler, maintenance jobs and the admin server
// until ctx is done or one of them fails.
func (b *Bot) Run(ctx context.Context) error {
	if b.streaming == nil {
		return errors.New("bot was built for console mode")
	}
	if b.client != nil {
		me, err := retry.Get(ctx, b.exec, "misskey i", b.policy, b.client.Me)
		if err != nil {
			return fmt.Errorf("resolve bot account: %w", err)
		}
		b.mu.Lock()
		b.selfID = me.ID
		b.mu.Unlock()
		logger.InfoCF("bot", "Logged in", map[string]interface{}{
			"user_id":  me.ID,
			"username": me.Username,
		})
	}

	return b.serve(ctx, func(g *errgroup.Group, ctx context.Context) {
		g.Go(func() error { return b.runStream(ctx) })
		if b.poller != nil {
			g.Go(func() error { return b.poller.Run(ctx, b.OnEvent) })
		}
		if b.Autopost != nil {
			g.Go(func() error { return b.Autopost.Run(ctx) })
		}
		if b.Maintenance != nil {
			g.Go(func() error { return b.Maintenance.Run(ctx) })
		}
		if b.Server != nil {
			g.Go(func() error { return b.Server.Run(ctx) })
		}
	})
}

// runStream keeps the stream open. Once its reconnect retries are exhausted
// the error ends Run, unless the poller is running; then the stream is
// retried after streamCooldown.
func (b *Bot) runStream(ctx context.Context) error {
	for {
		err := b.streaming.Run(ctx, b.OnEvent)
		if err == nil || b.poller == nil {
			return err
		}
		logger.WarnCF("bot", "Streaming unavailable, relying on polling", map[string]interface{}{
			"error":    err.Error(),
			"retry_in": b.streamCooldown.String(),
		})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.streamCooldown):
		}
	}
}

// RunConsole serves c as the only listener. It returns once the operator
// leaves the prompt and every queued event has been answered.
func (b *Bot) RunConsole(ctx context.Context, c *console.Console) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.Bus.RegisterHandler(events.ChannelConsole, c.Deliver)

	return b.serve(ctx, func(g *errgroup.Group, ctx context.Context) {
		g.Go(func() error {
			defer cancel()
			return c.Run(ctx, b.OnEvent)
		})
	})
}

// serve runs the shared lifecycle: plugin startup, dispatch workers,
// producers, then an ordered shutdown.
func (b *Bot) serve(ctx context.Context, producers func(g *errgroup.Group, ctx context.Context)) error {
	if err := b.Registry.Startup(ctx); err != nil {
		logger.WarnCF("bot", "Some plugins failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	b.mu.Lock()
	b.startedAt = time.Now()
	b.mu.Unlock()
	b.Bus.PublishSystem(events.NewSystem(events.BotStarted, "bot", nil))

	// Workers outlive ctx so in-flight walks can finish during the grace
	// period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	var workers sync.WaitGroup
	n := b.cfg.Bot.Workers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			b.work(workCtx)
		}()
	}
	logger.InfoCF("bot", "Bot started", map[string]interface{}{
		"workers": n,
	})

	g, gctx := errgroup.WithContext(ctx)
	producers(g, gctx)
	err := g.Wait()

	logger.InfoC("bot", "Shutting down")
	b.Bus.PublishSystem(events.NewSystem(events.BotStopping, "bot", nil))
	b.Bus.Close()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.Bot.ShutdownGrace):
		logger.WarnCF("bot", "Shutdown grace elapsed, cancelling in-flight events", map[string]interface{}{
			"queued": b.Bus.InboundLen(),
		})
		cancelWork()
		<-done
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := b.Registry.Shutdown(shutdownCtx); serr != nil {
		logger.WarnCF("bot", "Plugin shutdown reported errors", map[string]interface{}{
			"error": serr.Error(),
		})
	}
	logger.InfoC("bot", "Bot stopped")
	return err
}

// OnEvent is the entry point for every listener. It filters, dedupes and
// queues ev; dispatch happens on a worker.
func (b *Bot) OnEvent(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		b.Metrics.EventSkipped(string(ev.Kind), "invalid")
		return err
	}
	if ev.Kind == events.KindAutopost {
		return fmt.Errorf("%w: autopost events come from the scheduler", events.ErrInvalidEvent)
	}
	b.Metrics.EventReceived(string(ev.Kind), ev.Channel)

	switch {
	case ev.Kind == events.KindMention && !b.cfg.Bot.Response.MentionEnabled:
		return b.skip(ev, "mentions_disabled")
	case ev.Kind == events.KindChat && !b.cfg.Bot.Response.ChatEnabled:
		return b.skip(ev, "chat_disabled")
	}
	if self := b.SelfID(); self != "" && ev.Sender.ID == self {
		return b.skip(ev, "self")
	}

	if ev.ID != "" {
		fresh, err := b.Store.MarkProcessed(ctx, string(ev.Kind), ev.ID, ev.Sender.ID, ev.Sender.Username)
		if err != nil {
			return fmt.Errorf("mark %s %s processed: %w", ev.Kind, ev.ID, err)
		}
		if !fresh {
			b.Bus.PublishSystem(events.NewSystem(events.EventDuplicate, ev.Channel, eventData(ev)))
			return b.skip(ev, "duplicate")
		}
	}

	if started := b.StartedAt(); !ev.CreatedAt.IsZero() && ev.CreatedAt.Before(started) {
		return b.skip(ev, "before_startup")
	}

	if err := b.Bus.PublishInbound(ctx, ev); err != nil {
		b.Bus.PublishSystem(events.NewSystem(events.EventDropped, ev.Channel, eventData(ev)))
		b.Metrics.EventSkipped(string(ev.Kind), "dropped")
		return fmt.Errorf("queue event: %w", err)
	}
	b.Metrics.SetQueueDepth(b.Bus.InboundLen())
	return nil
}

func (b *Bot) skip(ev events.Event, reason string) error {
	b.Metrics.EventSkipped(string(ev.Kind), reason)
	logger.DebugCF("bot", "Event skipped", map[string]interface{}{
		"event_id": ev.ID,
		"kind":     string(ev.Kind),
		"reason":   reason,
	})
	return nil
}

func (b *Bot) work(ctx context.Context) {
	for {
		ev, ok := b.Bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		b.Metrics.SetQueueDepth(b.Bus.InboundLen())
		b.process(ctx, ev)
	}
}

// process walks the chain for ev and delivers a publishable result to the
// responder registered for the event's channel.
func (b *Bot) process(ctx context.Context, ev events.Event) {
	if ev.Kind == events.KindChat && ev.Channel == events.ChannelMisskey {
		ev = b.withHistory(ctx, ev)
	}
	res := b.Engine.Dispatch(ctx, ev)
	if !res.Publishable() {
		return
	}

	deliver, ok := b.Bus.GetHandler(ev.Channel)
	if !ok {
		logger.WarnCF("bot", "No responder for channel", map[string]interface{}{
			"channel":  ev.Channel,
			"event_id": ev.ID,
		})
		return
	}

	msg := bus.OutboundMessage{
		Channel:  ev.Channel,
		Plugin:   res.Plugin,
		Event:    ev,
		Response: *res.Response,
	}
	err := deliver(ctx, msg)
	b.Metrics.ResponseSent(ev.Channel, err)

	data := events.DispatchData{EventID: ev.ID, Kind: ev.Kind, Plugin: res.Plugin, Failures: len(res.Failures)}
	if err != nil {
		logger.ErrorCF("bot", "Failed to publish response", map[string]interface{}{
			"event_id": ev.ID,
			"plugin":   res.Plugin,
			"error":    err.Error(),
		})
		b.Bus.PublishSystem(events.NewSystem(events.ResponseFailed, ev.Channel, data))
		return
	}
	b.Bus.PublishSystem(events.NewSystem(events.ResponsePublished, ev.Channel, data))
}

// withHistory attaches the earlier messages of ev's conversation. A failed
// fetch is logged and ev is dispatched without history.
func (b *Bot) withHistory(ctx context.Context, ev events.Event) events.Event {
	limit := b.cfg.Bot.Response.ChatHistoryLimit
	if b.history == nil || limit <= 0 || len(ev.History) > 0 {
		return ev
	}
	timeline, err := retry.Get(ctx, b.exec, "misskey chat timeline", b.policy, func(ctx context.Context) ([]misskey.ChatMessage, error) {
		return b.history.ChatTimeline(ctx, ev.Origin, limit+1)
	})
	if err != nil {
		logger.WarnCF("bot", "Chat history unavailable, replying without it", map[string]interface{}{
			"event_id": ev.ID,
			"origin":   ev.Origin,
			"error":    err.Error(),
		})
		return ev
	}
	return ev.WithHistory(misskey.HistoryOf(timeline, ev, b.SelfID(), limit))
}

func eventData(ev events.Event) events.EventData {
	return events.EventData{
		EventID: ev.ID,
		Kind:    ev.Kind,
		Channel: ev.Channel,
		From:    ev.Sender.Handle(),
		Preview: events.Preview(ev.TextOf(), 80),
		Files:   len(ev.AttachmentIDs()),
	}
}
