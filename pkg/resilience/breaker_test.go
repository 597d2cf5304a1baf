package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func failing(context.Context) error { return errors.New("store down") }
func passing(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	var transitions []State
	b := NewBreaker(BreakerConfig{
		Name:          "failure-store",
		MaxFailures:   3,
		OpenTimeout:   time.Minute,
		Clock:         clock.Now,
		OnStateChange: func(_ string, _, to State) { transitions = append(transitions, to) },
	})

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing); err == nil {
			t.Fatal("expected failure to propagate")
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) || called {
		t.Fatalf("expected short-circuit, got err=%v called=%v", err, called)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second, Clock: clock.Now})

	_ = b.Execute(context.Background(), failing)
	clock.now = clock.now.Add(2 * time.Second)

	if err := b.Execute(context.Background(), passing); err != nil {
		t.Fatalf("expected half-open probe to run, got %v", err)
	}
	if b.State() != StateClosed || b.Failures() != 0 {
		t.Fatalf("expected closed breaker, got %s with %d failures", b.State(), b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &stepClock{now: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 2, OpenTimeout: time.Second, Clock: clock.Now})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	clock.now = clock.now.Add(2 * time.Second)
	_ = b.Execute(context.Background(), failing)

	if b.State() != StateOpen {
		t.Fatalf("expected reopened breaker, got %s", b.State())
	}
	if err := b.Execute(context.Background(), passing); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 2})
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), passing)
	_ = b.Execute(context.Background(), failing)
	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %s", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1})
	_ = b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestWithTimeout_Breaker(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	want := errors.New("probe failed")
	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := WithTimeout(context.Background(), 0, passing); err != nil {
		t.Fatalf("zero timeout should call fn directly, got %v", err)
	}
}
