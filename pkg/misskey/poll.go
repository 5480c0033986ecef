package misskey

import (
	"context"
	"sort"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/retry"
)

// PollAPI is the part of *Client the poller reads through.
type PollAPI interface {
	Mentions(ctx context.Context, limit int) ([]Note, error)
	RecentChats(ctx context.Context, limit int) ([]ChatMessage, error)
}

// PollLimit is how many mentions and conversations one poll fetches.
const PollLimit = 20

// Poller fetches recent mentions and chat messages on an interval and feeds
// them to the same handler as the stream. It catches what a dropped stream
// missed; the handler is expected to drop events it has already seen.
type Poller struct {
	api      PollAPI
	exec     *retry.Executor
	policy   retry.Policy
	interval time.Duration

	Mentions bool
	Chats    bool
}

func NewPoller(api PollAPI, exec *retry.Executor, policy retry.Policy, interval time.Duration) *Poller {
	return &Poller{api: api, exec: exec, policy: policy, interval: interval, Mentions: true, Chats: true}
}

// Run polls every interval until ctx is done. Failed polls are logged and
// retried on the next tick.
func (p *Poller) Run(ctx context.Context, handle EventHandler) error {
	logger.InfoCF("misskey", "Polling started", map[string]interface{}{
		"interval": p.interval.String(),
	})
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.Poll(ctx, handle); err != nil && ctx.Err() == nil {
			logger.WarnCF("misskey", "Poll failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Poll runs one fetch and hands every event to handle, oldest first. It
// returns the first fetch error after handling whatever was fetched.
func (p *Poller) Poll(ctx context.Context, handle EventHandler) error {
	var (
		evs      []events.Event
		firstErr error
	)
	if p.Mentions {
		notes, err := retry.Get(ctx, p.exec, "misskey poll mentions", p.policy, func(ctx context.Context) ([]Note, error) {
			return p.api.Mentions(ctx, PollLimit)
		})
		if err != nil {
			firstErr = err
		}
		for _, n := range notes {
			evs = append(evs, MentionEvent(n))
		}
	}
	if p.Chats {
		msgs, err := retry.Get(ctx, p.exec, "misskey poll chats", p.policy, func(ctx context.Context) ([]ChatMessage, error) {
			return p.api.RecentChats(ctx, PollLimit)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		for _, m := range msgs {
			evs = append(evs, ChatEvent(m))
		}
	}

	sort.SliceStable(evs, func(i, j int) bool { return evs[i].CreatedAt.Before(evs[j].CreatedAt) })
	for _, ev := range evs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := handle(ctx, ev); err != nil {
			logger.ErrorCF("misskey", "Event handler failed", map[string]interface{}{
				"event_id": ev.ID,
				"kind":     string(ev.Kind),
				"error":    err.Error(),
			})
		}
	}
	if len(evs) > 0 {
		logger.DebugCF("misskey", "Poll fetched events", map[string]interface{}{
			"events": len(evs),
		})
	}
	return firstErr
}
