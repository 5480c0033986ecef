package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Backoff:    Exponential,
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	ops      []string
	failures int
}

func (o *recordingObserver) ObserveAttempt(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
	if err != nil {
		o.failures++
	}
}

func TestGet_SucceedsOnThirdAttempt(t *testing.T) {
	obs := &recordingObserver{}
	exec := NewExecutor(obs)

	var attempts int32
	got, err := Get(context.Background(), exec, "generate", fastPolicy(3), func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return "", Transient(errors.New("timeout"))
		}
		return "generated text", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got != "generated text" {
		t.Errorf("result = %q", got)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", n)
	}
	if len(obs.ops) != 3 || obs.failures != 2 {
		t.Errorf("observer saw %d attempts / %d failures, want 3 / 2", len(obs.ops), obs.failures)
	}
}

func TestGet_PermanentErrorIsNotRetried(t *testing.T) {
	denied := errors.New("401 unauthorized")

	var attempts int32
	_, err := Get(context.Background(), nil, "publish", fastPolicy(5), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&attempts, 1)
		return 0, Permanent(denied)
	})
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
	if !IsPermanent(err) || !errors.Is(err, denied) {
		t.Fatalf("expected permanent error wrapping cause, got %v", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatal("permanent failure must not be reported as exhaustion")
	}
}

func TestDo_ExhaustsAfterMaxRetries(t *testing.T) {
	reset := errors.New("connection reset")

	var attempts int32
	err := NewExecutor(nil).Do(context.Background(), "publish", fastPolicy(2), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return reset // unclassified: treated as transient
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %T %v", err, err)
	}
	if exhausted.Attempts != 3 || exhausted.Op != "publish" {
		t.Errorf("exhausted = %+v, want 3 attempts of publish", exhausted)
	}
	if !errors.Is(err, reset) {
		t.Error("expected exhaustion to wrap the last error")
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 1 + 2 retries, got %d", n)
	}
}

func TestDo_PerAttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(1)
	p.Timeout = 10 * time.Millisecond

	var attempts int32
	err := NewExecutor(nil).Do(context.Background(), "generate", p, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Fatalf("expected timed-out attempt to be retried once, got %d attempts", n)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestDo_ParentCancellationStopsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts int32
	err := NewExecutor(nil).Do(ctx, "generate", fastPolicy(5), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		cancel()
		return Transient(errors.New("interrupted"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected no retries after cancellation, got %d attempts", n)
	}
}

func TestDo_CancellationAbortsDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, Backoff: Fixed}

	var attempts int32
	start := time.Now()
	err := NewExecutor(nil).Do(ctx, "publish", p, func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			time.AfterFunc(20*time.Millisecond, cancel)
		}
		return Transient(errors.New("503"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("delay was not interrupted, took %s", elapsed)
	}
}

func TestDo_ZeroRetriesRunsOnce(t *testing.T) {
	var attempts int32
	err := NewExecutor(nil).Do(context.Background(), "once", Policy{Backoff: Fixed}, func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status        int
		wantNil       bool
		wantPermanent bool
	}{
		{http.StatusOK, true, false},
		{http.StatusNoContent, true, false},
		{http.StatusBadRequest, false, true},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusNotFound, false, true},
		{http.StatusRequestTimeout, false, false},
		{http.StatusTooManyRequests, false, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusBadGateway, false, false},
	}
	for _, tt := range tests {
		err := FromStatus(tt.status, nil)
		if (err == nil) != tt.wantNil {
			t.Errorf("FromStatus(%d) = %v, wantNil %v", tt.status, err, tt.wantNil)
			continue
		}
		if err == nil {
			continue
		}
		if IsPermanent(err) != tt.wantPermanent {
			t.Errorf("FromStatus(%d) permanent = %v, want %v", tt.status, IsPermanent(err), tt.wantPermanent)
		}
		if IsTransient(err) == tt.wantPermanent {
			t.Errorf("FromStatus(%d) transient = %v", tt.status, IsTransient(err))
		}
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	if !IsTransient(errors.New("plain")) {
		t.Error("unclassified errors are transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("cancellation is not transient")
	}
	if IsTransient(Permanent(errors.New("bad"))) {
		t.Error("permanent is not transient")
	}
}
