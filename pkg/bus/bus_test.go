package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
)

func chat(id string) events.Event {
	return events.Event{ID: id, Kind: events.KindChat, Text: events.String("hi")}
}

func TestInboundFIFOAndTap(t *testing.T) {
	mb := NewMessageBus(4)
	tap := mb.SubscribeInboundTap("test")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := mb.PublishInbound(ctx, chat(id)); err != nil {
			t.Fatal(err)
		}
	}
	if mb.InboundLen() != 3 {
		t.Errorf("InboundLen = %d", mb.InboundLen())
	}
	for _, want := range []string{"a", "b", "c"} {
		ev, ok := mb.ConsumeInbound(ctx)
		if !ok || ev.ID != want {
			t.Fatalf("consumed %q, %v; want %q", ev.ID, ok, want)
		}
		if tapped := <-tap; tapped.ID != want {
			t.Errorf("tap saw %q, want %q", tapped.ID, want)
		}
	}
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	mb := NewMessageBus(4)
	ctx := context.Background()
	mb.PublishInbound(ctx, chat("queued"))
	mb.Close()

	if err := mb.PublishInbound(ctx, chat("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close = %v", err)
	}
	ev, ok := mb.ConsumeInbound(ctx)
	if !ok || ev.ID != "queued" {
		t.Fatalf("expected queued event after close, got %q %v", ev.ID, ok)
	}
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("expected drained bus to report false")
	}
	mb.Close() // idempotent
}

func TestPublishInboundHonoursContextWhenFull(t *testing.T) {
	mb := NewMessageBus(1)
	mb.PublishInbound(context.Background(), chat("fill"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := mb.PublishInbound(ctx, chat("blocked")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestSystemEventsFanOut(t *testing.T) {
	mb := NewMessageBus(1)
	a := mb.SubscribeSystem("a")
	b := mb.SubscribeSystem("b")

	mb.PublishSystem(events.NewSystem(events.BotStarted, "bot", nil))
	for _, ch := range []<-chan events.SystemEvent{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != events.BotStarted {
				t.Errorf("type = %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	mb.Close()
	if _, open := <-a; open {
		t.Error("tap should be closed with the bus")
	}
	if _, open := <-mb.SubscribeSystem("late"); open {
		t.Error("subscribing after close returns a closed channel")
	}
}

func TestResponders(t *testing.T) {
	mb := NewMessageBus(2)
	var got OutboundMessage
	mb.RegisterHandler("console", func(ctx context.Context, msg OutboundMessage) error {
		got = msg
		return nil
	})

	h, ok := mb.GetHandler("console")
	if !ok {
		t.Fatal("handler not registered")
	}
	msg := OutboundMessage{Channel: "console", Response: events.Response{Text: "hello"}}
	if err := h(context.Background(), msg); err != nil || got.Response.Text != "hello" {
		t.Errorf("handler got %+v, %v", got, err)
	}
	if _, ok := mb.GetHandler("misskey"); ok {
		t.Error("unexpected handler")
	}
}
