package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sipeed/misskeybot/pkg/dispatch"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/persistence"
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/pkg/providers"
	"github.com/sipeed/misskeybot/pkg/retry"
)

type fakeDispatcher struct {
	result     events.Result
	prefix     string
	dispatched int32
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ev events.Event) events.Result {
	atomic.AddInt32(&d.dispatched, 1)
	return d.result
}

func (d *fakeDispatcher) ComposePrompt(ctx context.Context, ev events.Event) (string, string) {
	if d.prefix == "" {
		return "", ""
	}
	return d.prefix, "topics"
}

type fakeGenerator struct {
	text  string
	err   error
	calls int32
	last  providers.Request
}

func (g *fakeGenerator) GenerateRequest(ctx context.Context, req providers.Request) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	g.last = req
	return g.text, g.err
}

type fakePublisher struct {
	err   error
	posts []events.Response
}

func (p *fakePublisher) Publish(ctx context.Context, post events.Response) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.posts = append(p.posts, post)
	return "note-1", nil
}

type fakeNotifier struct{ types []string }

func (n *fakeNotifier) PublishSystem(ev events.SystemEvent) { n.types = append(n.types, ev.Type) }

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(context.Background(), filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAutopost(t *testing.T, quota int, d *fakeDispatcher, g *fakeGenerator, p *fakePublisher, store PostStore, n Notifier) *Autopost {
	t.Helper()
	a := NewAutopost(AutopostConfig{
		Interval:   time.Hour,
		Quota:      quota,
		Prompt:     "write a post",
		Visibility: "public",
	}, d, g, p, store, nil, n)
	a.now = func() time.Time { return fixedNow }
	return a
}

func TestQuotaExceededSkipsGeneration(t *testing.T) {
	store := openStore(t)
	if _, err := store.Record(context.Background(), persistence.PostRecord{Timestamp: fixedNow.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	d := &fakeDispatcher{}
	g := &fakeGenerator{text: "never"}
	p := &fakePublisher{}
	a := newTestAutopost(t, 1, d, g, p, store, nil)

	if got := a.Tick(context.Background()); got != OutcomeQuotaExceeded {
		t.Fatalf("outcome = %s, want %s", got, OutcomeQuotaExceeded)
	}
	if g.calls != 0 || d.dispatched != 0 || len(p.posts) != 0 {
		t.Errorf("quota skip must not dispatch or generate: dispatched=%d calls=%d posts=%d", d.dispatched, g.calls, len(p.posts))
	}
}

func TestYesterdaysPostsDoNotCount(t *testing.T) {
	store := openStore(t)
	store.Record(context.Background(), persistence.PostRecord{Timestamp: fixedNow.Add(-13 * time.Hour)})
	a := newTestAutopost(t, 1, &fakeDispatcher{}, &fakeGenerator{text: "hello"}, &fakePublisher{}, store, nil)

	if got := a.Tick(context.Background()); got != OutcomePublished {
		t.Fatalf("outcome = %s, want published", got)
	}
}

func TestGenerationFailureRecordsNothing(t *testing.T) {
	store := openStore(t)
	g := &fakeGenerator{err: &retry.ExhaustedError{Op: "generate", Attempts: 4, Last: errors.New("503")}}
	p := &fakePublisher{}
	n := &fakeNotifier{}
	a := newTestAutopost(t, 3, &fakeDispatcher{}, g, p, store, n)

	if got := a.Tick(context.Background()); got != OutcomeGenerationFailed {
		t.Fatalf("outcome = %s", got)
	}
	count, _ := store.CountSince(context.Background(), StartOfDay(fixedNow, time.UTC))
	if count != 0 || len(p.posts) != 0 {
		t.Errorf("failed generation must leave no record: count=%d posts=%d", count, len(p.posts))
	}
	if len(n.types) != 1 || n.types[0] != events.AutopostFailed {
		t.Errorf("notifications = %v", n.types)
	}
}

func TestSuccessfulPostIsRecordedWithCacheBustToken(t *testing.T) {
	store := openStore(t)
	g := &fakeGenerator{text: "  fresh thoughts  "}
	p := &fakePublisher{}
	d := &fakeDispatcher{prefix: "Topic: rain"}
	a := newTestAutopost(t, 3, d, g, p, store, nil)

	if got := a.Tick(context.Background()); got != OutcomePublished {
		t.Fatalf("outcome = %s", got)
	}
	if g.last.CacheBustToken != providers.CacheBustToken(fixedNow) {
		t.Errorf("token = %q", g.last.CacheBustToken)
	}
	if !strings.HasPrefix(g.last.UserPrompt(), "["+providers.CacheBustToken(fixedNow)+"] Topic: rain") {
		t.Errorf("user prompt = %q", g.last.UserPrompt())
	}
	if len(p.posts) != 1 || p.posts[0].Text != "fresh thoughts" || p.posts[0].Visibility != "public" {
		t.Fatalf("posts = %+v", p.posts)
	}

	recent, err := store.RecentPosts(context.Background(), 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentPosts = %v, %v", recent, err)
	}
	rec := recent[0]
	if rec.NoteID != "note-1" || rec.Source != SourceModel || rec.ContentHash != persistence.HashContent("fresh thoughts") {
		t.Errorf("record = %+v", rec)
	}
	if st := a.Status(); st.LastOutcome != OutcomePublished || st.State != StateIdle {
		t.Errorf("status = %+v", st)
	}
}

func TestPluginClaimIsPublishedAsIs(t *testing.T) {
	store := openStore(t)
	res := events.Reply("from plugin")
	res.Plugin = "example"
	d := &fakeDispatcher{result: res}
	g := &fakeGenerator{text: "unused"}
	p := &fakePublisher{}
	a := newTestAutopost(t, 3, d, g, p, store, nil)

	if got := a.Tick(context.Background()); got != OutcomePublished {
		t.Fatalf("outcome = %s", got)
	}
	if g.calls != 0 {
		t.Error("a claimed autopost must not reach the model")
	}
	if p.posts[0].Text != "from plugin" {
		t.Errorf("published %q", p.posts[0].Text)
	}
	recent, _ := store.RecentPosts(context.Background(), 1)
	if recent[0].Source != "example" {
		t.Errorf("source = %q", recent[0].Source)
	}
}

func TestSilentClaimPublishesNothing(t *testing.T) {
	store := openStore(t)
	d := &fakeDispatcher{result: events.Handled(nil)}
	p := &fakePublisher{}
	a := newTestAutopost(t, 3, d, &fakeGenerator{}, p, store, nil)

	if got := a.Tick(context.Background()); got != OutcomeHandled {
		t.Fatalf("outcome = %s", got)
	}
	if len(p.posts) != 0 {
		t.Error("nothing should be published")
	}
}

func TestPublishFailureRecordsNothing(t *testing.T) {
	store := openStore(t)
	p := &fakePublisher{err: retry.Permanent(errors.New("401"))}
	a := newTestAutopost(t, 3, &fakeDispatcher{}, &fakeGenerator{text: "hi"}, p, store, nil)

	if got := a.Tick(context.Background()); got != OutcomePublishFailed {
		t.Fatalf("outcome = %s", got)
	}
	count, _ := store.CountSince(context.Background(), StartOfDay(fixedNow, time.UTC))
	if count != 0 {
		t.Errorf("count = %d", count)
	}
}

type failingRecordStore struct{}

func (failingRecordStore) CountSince(ctx context.Context, t time.Time) (int, error) { return 0, nil }
func (failingRecordStore) Record(ctx context.Context, rec persistence.PostRecord) (persistence.PostRecord, error) {
	return rec, &persistence.WriteError{Op: "record post", Err: errors.New("disk full")}
}

func TestRecordFailureAfterPublish(t *testing.T) {
	p := &fakePublisher{}
	a := newTestAutopost(t, 3, &fakeDispatcher{}, &fakeGenerator{text: "hi"}, p, failingRecordStore{}, nil)

	if got := a.Tick(context.Background()); got != OutcomeRecordFailed {
		t.Fatalf("outcome = %s", got)
	}
	if len(p.posts) != 1 {
		t.Error("the post was published before the record failed")
	}
}

func TestStartOfDayUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}
	// 20:00 UTC on June 1 is 05:00 on June 2 in Tokyo.
	at := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	got := StartOfDay(at, tokyo)
	want := time.Date(2024, 6, 2, 0, 0, 0, 0, tokyo)
	if !got.Equal(want) {
		t.Errorf("StartOfDay = %v, want %v", got, want)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := openStore(t)
	g := &fakeGenerator{text: "tick"}
	a := NewAutopost(AutopostConfig{
		Interval:     time.Hour,
		InitialDelay: time.Millisecond,
		Quota:        5,
		Prompt:       "p",
	}, &fakeDispatcher{}, g, &fakePublisher{}, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&g.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if atomic.LoadInt32(&g.calls) != 1 {
		t.Errorf("expected exactly one fire, got %d", g.calls)
	}
	if a.State() != StateStopped {
		t.Errorf("state = %s", a.State())
	}
}

// autoposter is an autopost plugin whose hook runs fn.
type autoposter struct {
	name     string
	priority int
	invoked  int32
	fn       func(ctx context.Context) events.Result
}

func (p *autoposter) Name() string         { return p.name }
func (p *autoposter) Description() string  { return "" }
func (p *autoposter) DefaultPriority() int { return p.priority }

func (p *autoposter) OnAutopost(ctx context.Context, pc *plugin.Context, ev events.Event) (events.Result, error) {
	atomic.AddInt32(&p.invoked, 1)
	return p.fn(ctx), nil
}

func engineWith(t *testing.T, plugins ...*autoposter) *dispatch.Engine {
	t.Helper()
	r := plugin.NewRegistry(nil, plugin.Services{})
	var sources []plugin.Source
	for _, p := range plugins {
		sources = append(sources, plugin.Single(p.name, "T", func() (plugin.Plugin, error) { return p, nil }))
	}
	if _, errs := r.Load(context.Background(), sources); len(errs) != 0 {
		t.Fatalf("load: %v", errs)
	}
	return dispatch.New(r, nil, nil)
}

func TestShutdownDuringWalkLetsTheChainFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &autoposter{name: "first", priority: 1, fn: func(context.Context) events.Result {
		cancel()
		return events.Unclaimed()
	}}
	second := &autoposter{name: "second", priority: 2, fn: func(ctx context.Context) events.Result {
		if ctx.Err() != nil {
			t.Error("walk context was cancelled by shutdown")
		}
		return events.Reply("from second")
	}}
	g := &fakeGenerator{text: "generated"}
	p := &fakePublisher{}
	a := NewAutopost(AutopostConfig{Interval: time.Hour, Quota: 3, Prompt: "p", Grace: 5 * time.Second},
		engineWith(t, first, second), g, p, openStore(t), nil, nil)

	if got := a.Tick(ctx); got != OutcomePublished {
		t.Fatalf("outcome = %s, want published", got)
	}
	if atomic.LoadInt32(&second.invoked) != 1 {
		t.Error("second plugin was never offered the event")
	}
	if g.calls != 0 {
		t.Errorf("generator called %d times for a claimed fire", g.calls)
	}
	if len(p.posts) != 1 || p.posts[0].Text != "from second" {
		t.Errorf("posts = %+v", p.posts)
	}
}

func TestShutdownPastGraceAbortsFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := &autoposter{name: "slow", priority: 1, fn: func(ctx context.Context) events.Result {
		cancel()
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			t.Error("grace period never expired")
		}
		return events.Unclaimed()
	}}
	second := &autoposter{name: "second", priority: 2, fn: func(context.Context) events.Result {
		return events.Reply("too late")
	}}
	g := &fakeGenerator{text: "generated"}
	p := &fakePublisher{}
	n := &fakeNotifier{}
	store := openStore(t)
	a := NewAutopost(AutopostConfig{Interval: time.Hour, Quota: 3, Prompt: "p", Grace: 20 * time.Millisecond},
		engineWith(t, slow, second), g, p, store, nil, n)

	if got := a.Tick(ctx); got != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", got)
	}
	if atomic.LoadInt32(&second.invoked) != 0 || g.calls != 0 || len(p.posts) != 0 {
		t.Errorf("aborted fire went on: second=%d generator=%d posts=%d", second.invoked, g.calls, len(p.posts))
	}
	if len(n.types) != 1 || n.types[0] != events.AutopostSkipped {
		t.Errorf("notifications = %v", n.types)
	}
	count, _ := store.CountSince(context.Background(), time.Time{})
	if count != 0 {
		t.Errorf("aborted fire recorded %d posts", count)
	}
}

func TestTickOnCancelledContextDoesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &fakeDispatcher{}
	a := newTestAutopost(t, 3, d, &fakeGenerator{text: "x"}, &fakePublisher{}, openStore(t), nil)
	if got := a.Tick(ctx); got != OutcomeAborted {
		t.Fatalf("outcome = %s", got)
	}
	if d.dispatched != 0 {
		t.Error("cancelled tick dispatched")
	}
}
