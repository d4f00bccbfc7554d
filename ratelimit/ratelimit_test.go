package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
)

// recordingLimiter swaps the sleep function for one that records delays and
// returns immediately, so retry schedules are observable without waiting.
func recordingLimiter(cfg Config) (*Limiter, *[]time.Duration) {
	l := New(cfg, zerolog.Nop())
	delays := &[]time.Duration{}
	l.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return l, delays
}

func throttleErr() error {
	return llm.NewRateLimitError("anthropic", "slow down", nil, nil)
}

func TestDoBackoffGrowsAndCaps(t *testing.T) {
	l, delays := recordingLimiter(Config{MaxRetries: 8})

	calls := 0
	err := l.Do(context.Background(), "anthropic:test", func(ctx context.Context) error {
		calls++
		return throttleErr()
	})
	if err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}
	if !llm.IsRateLimitError(err) {
		t.Fatalf("expected rate limit error to propagate, got %v", err)
	}
	if calls != 9 {
		t.Errorf("expected 1 initial + 8 retries, got %d calls", calls)
	}

	// Delays double from 1s and never decrease or exceed the cap.
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d delays, got %d: %v", len(want), len(*delays), *delays)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay %d: expected %s, got %s", i, want[i], d)
		}
		if i > 0 && d < (*delays)[i-1] {
			t.Errorf("delay %d decreased: %s after %s", i, d, (*delays)[i-1])
		}
	}
}

func TestDoResetsBackoffAfterSuccess(t *testing.T) {
	l, delays := recordingLimiter(Config{MaxRetries: 5})

	// First call: two throttles, then success.
	attempts := 0
	err := l.Do(context.Background(), "anthropic:test", func(ctx context.Context) error {
		attempts++
		if attempts <= 2 {
			return throttleErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}

	// Second call throttles once; the schedule must restart at the initial
	// delay rather than continue from the previous escalation.
	attempts = 0
	err = l.Do(context.Background(), "anthropic:test", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return throttleErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	got := *delays
	if len(got) != 3 {
		t.Fatalf("expected 3 recorded delays, got %v", got)
	}
	if got[0] != 1*time.Second || got[1] != 2*time.Second {
		t.Errorf("unexpected first-call delays: %v", got[:2])
	}
	if got[2] != 1*time.Second {
		t.Errorf("backoff did not reset after success: got %s", got[2])
	}
}

func TestDoPrefersRetryAfterHint(t *testing.T) {
	l, delays := recordingLimiter(Config{MaxRetries: 3})

	hint := 5 * time.Second
	attempts := 0
	err := l.Do(context.Background(), "openai:test", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return llm.NewRateLimitError("openai", "slow down", &hint, nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != hint {
		t.Errorf("expected retry-after hint %s to win, got %v", hint, *delays)
	}
}

func TestDoDoesNotRetryNonThrottleErrors(t *testing.T) {
	l, delays := recordingLimiter(Config{MaxRetries: 5})

	wantErr := llm.NewInvalidRequestError("openai", "bad prompt", nil)
	calls := 0
	err := l.Do(context.Background(), "openai:test", func(ctx context.Context) error {
		calls++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the provider error verbatim, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-throttle error was retried %d times", calls-1)
	}
	if len(*delays) != 0 {
		t.Errorf("non-throttle error triggered backoff: %v", *delays)
	}
}

func TestDoCancellationPropagates(t *testing.T) {
	l := New(Config{MaxRetries: 5}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := l.Do(ctx, "anthropic:test", func(ctx context.Context) error {
		return throttleErr()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l, delays := recordingLimiter(Config{MaxRetries: 5})

	// Escalate one bucket.
	attempts := 0
	_ = l.Do(context.Background(), "anthropic:a", func(ctx context.Context) error {
		attempts++
		if attempts <= 3 {
			return throttleErr()
		}
		return nil
	})

	// A different bucket starts its schedule from scratch.
	attempts = 0
	_ = l.Do(context.Background(), "openai:b", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return throttleErr()
		}
		return nil
	})

	got := *delays
	if len(got) != 4 {
		t.Fatalf("expected 4 delays, got %v", got)
	}
	if got[3] != 1*time.Second {
		t.Errorf("second bucket inherited escalated delay %s", got[3])
	}
}

func TestAllowReflectsConfiguredRate(t *testing.T) {
	l := New(Config{RequestsPerMinute: map[string]int{"ollama:local": 1}}, zerolog.Nop())

	if !l.Allow("ollama:local") {
		t.Fatal("fresh bucket should admit a request")
	}

	err := l.Do(context.Background(), "ollama:local", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The single burst token is spent; the next request would have to wait.
	if l.Allow("ollama:local") {
		t.Error("expected bucket to be drained after one request")
	}
}
