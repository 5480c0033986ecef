// Package scheduler fires autonomous posts on an interval under a daily
// quota, and runs the store maintenance cron jobs.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/metrics"
	"github.com/sipeed/misskeybot/pkg/persistence"
	"github.com/sipeed/misskeybot/pkg/providers"
)

// State is the scheduler's position in its cycle.
type State string

const (
	StateIdle       State = "idle"
	StateWaiting    State = "waiting"
	StateGenerating State = "generating"
	StatePublishing State = "publishing"
	StateRecording  State = "recording"
	StateStopped    State = "stopped"
)

// Outcome is the result of one fire.
type Outcome string

const (
	OutcomePublished        Outcome = "published"
	OutcomeHandled          Outcome = "handled" // a plugin claimed with nothing to publish
	OutcomeQuotaExceeded    Outcome = "quota_exceeded"
	OutcomeStoreFailed      Outcome = "store_failed"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomePublishFailed    Outcome = "publish_failed"
	OutcomeRecordFailed     Outcome = "record_failed"
	OutcomeAborted          Outcome = "aborted" // shutdown outlasted the grace period mid-walk
)

// SourceModel is PostRecord.Source for model-generated posts.
const SourceModel = "model"

// Dispatcher is the plugin chain. *dispatch.Engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) events.Result
	ComposePrompt(ctx context.Context, ev events.Event) (prefix, source string)
}

// Generator produces post text. *providers.Proxy implements it, retries
// included.
type Generator interface {
	GenerateRequest(ctx context.Context, req providers.Request) (string, error)
}

// Publisher creates a note and returns its id.
type Publisher interface {
	Publish(ctx context.Context, post events.Response) (noteID string, err error)
}

// PostStore is the part of the persistence store the scheduler needs.
type PostStore interface {
	CountSince(ctx context.Context, t time.Time) (int, error)
	Record(ctx context.Context, rec persistence.PostRecord) (persistence.PostRecord, error)
}

// Notifier receives system events. *bus.MessageBus implements it.
type Notifier interface {
	PublishSystem(ev events.SystemEvent)
}

type AutopostConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Quota        int
	Prompt       string
	SystemPrompt string
	Visibility   string
	Location     *time.Location
	// Grace bounds how long a fire already past the quota check may keep
	// running once the scheduler's context is cancelled.
	Grace time.Duration
}

// Status is a snapshot for the admin API.
type Status struct {
	State       State     `json:"state"`
	Interval    string    `json:"interval"`
	Quota       int       `json:"quota"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
}

type Autopost struct {
	cfg        AutopostConfig
	dispatcher Dispatcher
	gen        Generator
	pub        Publisher
	store      PostStore
	metrics    *metrics.Metrics
	notifier   Notifier

	// fire serializes Tick; a fire never overlaps the next.
	fire sync.Mutex

	mu          sync.RWMutex
	state       State
	lastRun     time.Time
	lastOutcome Outcome
	nextRun     time.Time

	now func() time.Time
}

// NewAutopost creates an idle scheduler. m and n may be nil.
func NewAutopost(cfg AutopostConfig, d Dispatcher, gen Generator, pub Publisher, store PostStore, m *metrics.Metrics, n Notifier) *Autopost {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	return &Autopost{
		cfg:        cfg,
		dispatcher: d,
		gen:        gen,
		pub:        pub,
		store:      store,
		metrics:    m,
		notifier:   n,
		state:      StateIdle,
		now:        time.Now,
	}
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// Run fires after the initial delay and then every interval until ctx is
// done. The timer is rearmed only after a fire completes.
func (a *Autopost) Run(ctx context.Context) error {
	defer a.setState(StateStopped)

	logger.InfoCF("scheduler", "Autopost scheduler started", map[string]interface{}{
		"interval":      a.cfg.Interval.String(),
		"initial_delay": a.cfg.InitialDelay.String(),
		"quota":         a.cfg.Quota,
		"timezone":      a.cfg.Location.String(),
	})

	timer := time.NewTimer(a.cfg.InitialDelay)
	defer timer.Stop()
	a.wait(a.cfg.InitialDelay)

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "Autopost scheduler stopped")
			return nil
		case <-timer.C:
			a.Tick(ctx)
			if ctx.Err() != nil {
				logger.InfoC("scheduler", "Autopost scheduler stopped")
				return nil
			}
			timer.Reset(a.cfg.Interval)
			a.wait(a.cfg.Interval)
		}
	}
}

// Tick performs one fire: quota check, dispatch, generation when no plugin
// claims, publish and record. Once past the quota check the fire runs to
// completion even if ctx is cancelled, for at most the configured grace.
func (a *Autopost) Tick(ctx context.Context) Outcome {
	a.fire.Lock()
	defer a.fire.Unlock()

	if ctx.Err() != nil {
		return a.finish(OutcomeAborted, -1, "", "", ctx.Err())
	}

	now := a.now()
	count, err := a.store.CountSince(ctx, StartOfDay(now, a.cfg.Location))
	if err != nil {
		return a.finish(OutcomeStoreFailed, -1, "", "", err)
	}
	if count >= a.cfg.Quota {
		logger.InfoCF("scheduler", "Daily post quota reached, skipping", map[string]interface{}{
			"posts_today": count,
			"quota":       a.cfg.Quota,
		})
		return a.finish(OutcomeQuotaExceeded, count, "", "", nil)
	}

	ctx, cancel := withGrace(ctx, a.cfg.Grace)
	defer cancel()

	a.setState(StateGenerating)
	ev := events.NewAutopost(a.cfg.Prompt, now)
	res := a.dispatcher.Dispatch(ctx, ev)

	var post events.Response
	source := SourceModel
	switch {
	case res.Aborted:
		return a.finish(OutcomeAborted, count, "", "", ctx.Err())
	case res.Publishable():
		post = *res.Response
		source = res.Plugin
	case res.Claimed():
		return a.finish(OutcomeHandled, count, "", res.Plugin, nil)
	default:
		prompt := a.cfg.Prompt
		if prefix, contributor := a.dispatcher.ComposePrompt(ctx, ev); prefix != "" {
			prompt = strings.TrimSpace(prefix) + "\n\n" + prompt
			logger.DebugCF("scheduler", "Prompt prefix contributed", map[string]interface{}{
				"plugin": contributor,
			})
		}
		text, err := a.gen.GenerateRequest(ctx, providers.Request{
			System:         a.cfg.SystemPrompt,
			Prompt:         prompt,
			CacheBustToken: providers.CacheBustToken(now),
		})
		if err != nil {
			return a.finish(OutcomeGenerationFailed, count, "", "", err)
		}
		post = events.Response{Text: strings.TrimSpace(text)}
	}
	if post.Visibility == "" {
		post.Visibility = a.cfg.Visibility
	}

	a.setState(StatePublishing)
	noteID, err := a.pub.Publish(ctx, post)
	if err != nil {
		return a.finish(OutcomePublishFailed, count, "", source, err)
	}

	// The note is live; record it even if shutdown started meanwhile.
	a.setState(StateRecording)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err = a.store.Record(rctx, persistence.PostRecord{
		Timestamp:   a.now(),
		ContentHash: persistence.HashContent(post.Text),
		Visibility:  post.Visibility,
		NoteID:      noteID,
		Source:      source,
	})
	if err != nil {
		logger.ErrorCF("scheduler", "Post published but not recorded; today's quota count is low by one", map[string]interface{}{
			"note_id": noteID,
			"error":   err.Error(),
		})
		return a.finish(OutcomeRecordFailed, count+1, noteID, source, err)
	}
	return a.finish(OutcomePublished, count+1, noteID, source, nil)
}

func (a *Autopost) finish(outcome Outcome, postsToday int, noteID, source string, err error) Outcome {
	a.mu.Lock()
	a.lastRun = a.now()
	a.lastOutcome = outcome
	a.state = StateIdle
	a.mu.Unlock()

	a.metrics.AutopostTick(string(outcome), postsToday)

	data := events.AutopostData{
		Outcome:    string(outcome),
		NoteID:     noteID,
		Source:     source,
		PostsToday: postsToday,
		Quota:      a.cfg.Quota,
	}
	fields := map[string]interface{}{
		"outcome":     string(outcome),
		"posts_today": postsToday,
		"source":      source,
	}
	eventType := events.AutopostSkipped
	switch outcome {
	case OutcomePublished:
		eventType = events.AutopostPublished
		fields["note_id"] = noteID
		logger.InfoCF("scheduler", "Autopost published", fields)
	case OutcomeQuotaExceeded, OutcomeHandled:
	case OutcomeAborted:
		logger.WarnCF("scheduler", "Autopost aborted by shutdown", fields)
	default:
		eventType = events.AutopostFailed
		if err != nil {
			data.Error = err.Error()
			fields["error"] = err.Error()
		}
		logger.WarnCF("scheduler", "Autopost failed", fields)
	}
	if a.notifier != nil {
		a.notifier.PublishSystem(events.NewSystem(eventType, "scheduler", data))
	}
	return outcome
}

// withGrace returns a context that ignores parent's cancellation until grace
// has passed since it. The returned cancel must be called.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (a *Autopost) wait(d time.Duration) {
	a.mu.Lock()
	a.state = StateWaiting
	a.nextRun = a.now().Add(d)
	a.mu.Unlock()
}

func (a *Autopost) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// State returns the current state.
func (a *Autopost) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Status returns a snapshot of the scheduler.
func (a *Autopost) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		State:       a.state,
		Interval:    a.cfg.Interval.String(),
		Quota:       a.cfg.Quota,
		LastRun:     a.lastRun,
		LastOutcome: a.lastOutcome,
		NextRun:     a.nextRun,
	}
}
