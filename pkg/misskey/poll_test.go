package misskey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/retry"
)

type fakePollAPI struct {
	mu       sync.Mutex
	notes    []Note
	chats    []ChatMessage
	chatErr  error
	requests int
}

func (f *fakePollAPI) Mentions(ctx context.Context, limit int) ([]Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.notes, nil
}

func (f *fakePollAPI) RecentChats(ctx context.Context, limit int) ([]ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.chats, f.chatErr
}

func str(s string) *string { return &s }

func TestPollHandsEventsOldestFirst(t *testing.T) {
	now := time.Now()
	api := &fakePollAPI{
		notes: []Note{
			{ID: "n2", UserID: "u1", Text: str("second"), CreatedAt: now.Add(-time.Minute)},
			{ID: "n1", UserID: "u1", Text: str("first"), CreatedAt: now.Add(-3 * time.Minute)},
		},
		chats: []ChatMessage{
			{ID: "m1", FromUserID: "u2", Text: str("hey"), CreatedAt: now.Add(-2 * time.Minute)},
		},
	}
	p := NewPoller(api, retry.NewExecutor(nil), retry.Policy{}, time.Minute)

	var got []string
	err := p.Poll(context.Background(), func(ctx context.Context, ev events.Event) error {
		got = append(got, ev.ID+":"+string(ev.Kind))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"n1:mention", "m1:chat", "n2:mention"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestPollKeepsMentionsWhenChatsFail(t *testing.T) {
	api := &fakePollAPI{
		notes:   []Note{{ID: "n1", UserID: "u1", Text: str("hi")}},
		chatErr: retry.Permanent(errors.New("chat disabled on this instance")),
	}
	p := NewPoller(api, retry.NewExecutor(nil), retry.Policy{}, time.Minute)

	var handled int
	err := p.Poll(context.Background(), func(ctx context.Context, ev events.Event) error {
		handled++
		return errors.New("handler errors are only logged")
	})
	if err == nil {
		t.Error("chat failure should be reported")
	}
	if handled != 1 {
		t.Errorf("handled %d events, want 1", handled)
	}
}

func TestPollSkipsDisabledKinds(t *testing.T) {
	api := &fakePollAPI{chats: []ChatMessage{{ID: "m1", FromUserID: "u2", Text: str("hey")}}}
	p := NewPoller(api, retry.NewExecutor(nil), retry.Policy{}, time.Minute)
	p.Chats = false

	p.Poll(context.Background(), func(ctx context.Context, ev events.Event) error {
		t.Errorf("unexpected event %s", ev.ID)
		return nil
	})
	if api.requests != 1 {
		t.Errorf("requests = %d, want mentions only", api.requests)
	}
}

func TestPollerRunsUntilCancelled(t *testing.T) {
	api := &fakePollAPI{notes: []Note{{ID: "n1", UserID: "u1", Text: str("hi")}}}
	p := NewPoller(api, retry.NewExecutor(nil), retry.Policy{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func(ctx context.Context, ev events.Event) error {
			select {
			case seen <- ev.ID:
			default:
			}
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case id := <-seen:
			if id != "n1" {
				t.Fatalf("event %q", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not tick")
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHistoryOf(t *testing.T) {
	now := time.Now()
	timeline := []ChatMessage{
		{ID: "later", FromUserID: "u1", Text: str("typed after"), CreatedAt: now.Add(time.Second)},
		{ID: "cur", FromUserID: "u1", Text: str("what about tomorrow?"), CreatedAt: now},
		{ID: "m3", FromUserID: "bot", Text: str("sunny today"), CreatedAt: now.Add(-time.Minute)},
		{ID: "m2", FromUserID: "u1", FileID: str("f1"), CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "m1", FromUserID: "u1", Text: str("how is the weather?"), CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "m0", FromUserID: "u1", Text: str("hello"), CreatedAt: now.Add(-4 * time.Minute)},
	}
	ev := events.Event{ID: "cur", CreatedAt: now}

	got := HistoryOf(timeline, ev, "bot", 2)
	want := []events.Turn{
		{Role: events.RoleUser, Text: "how is the weather?"},
		{Role: events.RoleAssistant, Text: "sunny today"},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("HistoryOf = %+v, want %+v", got, want)
	}

	if all := HistoryOf(timeline, ev, "bot", 0); len(all) != 3 || all[0].Text != "hello" {
		t.Errorf("unlimited history = %+v", all)
	}
}
