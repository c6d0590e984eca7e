package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
)

func newTestController(t *testing.T, attempts int, jitter func() float64) (*Controller, *[]Attempt) {
	t.Helper()
	var seen []Attempt
	c := New(config.BackoffConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxAttempts: attempts,
	}, WithJitter(jitter), WithObserver(func(_ string, a Attempt) {
		seen = append(seen, a)
	}))
	return c, &seen
}

func TestSucceedsAfterRateLimits(t *testing.T) {
	const failures = 3
	c, seen := newTestController(t, 5, func() float64 { return 1.49 })

	calls := 0
	err := c.Call(context.Background(), "dialogue", func(context.Context) error {
		calls++
		if calls <= failures {
			return RateLimited(errors.New("429 too many requests"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call err: %v", err)
	}
	if calls != failures+1 {
		t.Fatalf("expected success on attempt %d, got %d calls", failures+1, calls)
	}

	var delays []time.Duration
	for _, a := range *seen {
		if a.Class == "rate_limited" {
			delays = append(delays, a.Delay)
		}
	}
	if len(delays) != failures {
		t.Fatalf("expected %d scheduled delays, got %v", failures, delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("delays decreased: %v", delays)
		}
	}
	last := (*seen)[len(*seen)-1]
	if last.Class != "ok" || last.Number != failures+1 {
		t.Fatalf("unexpected final attempt: %+v", last)
	}
}

func TestExhaustsAfterMaxAttempts(t *testing.T) {
	c, _ := newTestController(t, 3, func() float64 { return 1.0 })
	upstream := errors.New("quota")

	calls := 0
	err := c.Call(context.Background(), "stt", func(context.Context) error {
		calls++
		return RateLimited(upstream)
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream cause to be preserved, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFatalErrorsAreNotRetried(t *testing.T) {
	c, seen := newTestController(t, 5, func() float64 { return 1.2 })
	fatal := errors.New("bad request")

	calls := 0
	err := c.Call(context.Background(), "tts", func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected fatal error unchanged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if len(*seen) != 1 || (*seen)[0].Class != "fatal" {
		t.Fatalf("unexpected attempts: %+v", *seen)
	}
}

func TestScheduleDoublesAndCaps(t *testing.T) {
	c := New(config.BackoffConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 10},
		WithJitter(func() float64 { return 1.0 }))

	next := c.schedule()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := next(); got != w {
			t.Fatalf("delay %d = %s, want %s", i, got, w)
		}
	}
}

func TestJitterIsClamped(t *testing.T) {
	c := New(config.BackoffConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, MaxAttempts: 3},
		WithJitter(func() float64 { return 7 }))

	got := c.schedule()()
	if got < 100*time.Millisecond || got >= 150*time.Millisecond {
		t.Fatalf("jittered delay %s outside [100ms, 150ms)", got)
	}
}

func TestContextCancelStopsRetrying(t *testing.T) {
	c := New(config.BackoffConfig{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := c.Call(ctx, "dialogue", func(context.Context) error {
		calls++
		cancel()
		return RateLimited(errors.New("slow down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestDoReturnsValue(t *testing.T) {
	c, _ := newTestController(t, 2, func() float64 { return 1.0 })

	calls := 0
	got, err := Do(context.Background(), c, "dialogue", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", RateLimited(errors.New("busy"))
		}
		return "שלום", nil
	})
	if err != nil {
		t.Fatalf("Do err: %v", err)
	}
	if got != "שלום" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestRateLimitedIsIdempotent(t *testing.T) {
	base := errors.New("429")
	once := RateLimited(base)
	if RateLimited(once) != once {
		t.Fatal("expected already-tagged error to be returned unchanged")
	}
	if RateLimited(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	if !IsRateLimited(once) || IsRateLimited(base) {
		t.Fatal("unexpected classification")
	}
}
