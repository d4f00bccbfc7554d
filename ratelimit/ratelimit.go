// Package ratelimit provides client-side admission control and retry-on-
// throttle for provider calls. Admission is a token bucket sized to the
// provider's requests-per-minute allowance; provider 429s are retried with
// exponential backoff, preferring the provider's retry-after hint over the
// computed delay.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/planforge/planforge/llm"
)

const (
	// DefaultRetryAfter is used when a throttled provider gives no hint.
	DefaultRetryAfter = 60 * time.Second
	// DefaultMaxRetries bounds consecutive throttle retries before the
	// rate limit error propagates to the caller.
	DefaultMaxRetries = 5
	// DefaultInitialDelay is the first computed backoff delay.
	DefaultInitialDelay = 1 * time.Second
	// DefaultMaxInterval caps the computed backoff delay.
	DefaultMaxInterval = 60 * time.Second
	// DefaultMultiplier doubles the delay on each consecutive throttle.
	DefaultMultiplier = 2.0
	// DefaultRequestsPerMinute applies to buckets with no configured rate.
	DefaultRequestsPerMinute = 30
	// warnThreshold is the bucket utilization fraction that triggers a
	// slow-down warning.
	warnThreshold = 0.8
)

// Config configures a Limiter.
type Config struct {
	// RequestsPerMinute maps bucket keys to their admission rate. Buckets
	// not present use DefaultRequestsPerMinute.
	RequestsPerMinute map[string]int

	// MaxRetries overrides DefaultMaxRetries when non-zero.
	MaxRetries uint64
}

// bucket holds the per-key admission and backoff state. Consecutive
// throttles grow the backoff; any success resets it.
type bucket struct {
	limiter *rate.Limiter
	backoff backoff.BackOff
	// throttles counts consecutive rate-limit rejections, for logging.
	throttles int
}

// Limiter coordinates provider calls so concurrent stage runs share one
// admission queue per (provider, credential) bucket.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rates      map[string]int
	maxRetries uint64
	logger     zerolog.Logger

	// sleep is swappable so retry behavior is testable without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Limiter{
		buckets:    make(map[string]*bucket),
		rates:      cfg.RequestsPerMinute,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "ratelimit").Logger(),
		sleep:      wait,
	}
}

// Do runs fn under the admission and retry policy for the given bucket key.
// It blocks until a token is available, then invokes fn; a rate-limit error
// from fn is retried with exponential backoff until the retry budget is
// exhausted. All other errors, including context cancellation, propagate
// immediately and do not count as throttles.
func (l *Limiter) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	b := l.getOrCreateBucket(key)

	for {
		if err := l.admit(ctx, key, b); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			l.recordSuccess(key, b)
			return nil
		}
		if !llm.IsRateLimitError(err) {
			return err
		}

		delay, retry := l.nextDelay(key, b, err)
		if !retry {
			return fmt.Errorf("rate limit: retry budget exhausted for %s: %w", key, err)
		}
		if sleepErr := l.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// Allow reports whether a request would be admitted right now without
// blocking or consuming a token.
func (l *Limiter) Allow(key string) bool {
	b := l.getOrCreateBucket(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return b.limiter.Tokens() >= 1
}

func (l *Limiter) getOrCreateBucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}

	rpm := l.rates[key]
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}

	// Burst equals the per-minute allowance so a fresh bucket admits a
	// short flurry, then settles to the sustained rate.
	b := &bucket{
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		backoff: newBackoff(l.maxRetries),
	}
	l.buckets[key] = b
	return b
}

// admit blocks until the bucket grants a token, warning when utilization
// crosses the threshold so callers can slow down before hitting the provider.
func (l *Limiter) admit(ctx context.Context, key string, b *bucket) error {
	l.mu.Lock()
	tokens := b.limiter.Tokens()
	burst := float64(b.limiter.Burst())
	l.mu.Unlock()

	if burst > 0 && tokens/burst <= 1-warnThreshold {
		l.logger.Warn().
			Str("bucket", key).
			Float64("tokens_remaining", tokens).
			Msg("approaching rate limit")
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

func (l *Limiter) recordSuccess(key string, b *bucket) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b.throttles > 0 {
		l.logger.Info().
			Str("bucket", key).
			Int("throttles", b.throttles).
			Msg("provider recovered, backoff reset")
	}
	b.throttles = 0
	b.backoff = newBackoff(l.maxRetries)
}

// nextDelay returns the wait before the next attempt. The provider's
// retry-after hint takes precedence over the computed delay, but both count
// against the same retry budget.
func (l *Limiter) nextDelay(key string, b *bucket, err error) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b.throttles++

	delay := b.backoff.NextBackOff()
	if delay == backoff.Stop {
		l.logger.Error().
			Str("bucket", key).
			Uint64("max_retries", l.maxRetries).
			Msg("retry budget exhausted")
		return 0, false
	}

	if hint := llm.ExtractRetryAfter(err); hint != nil && *hint > 0 {
		delay = *hint
	}

	l.logger.Warn().
		Str("bucket", key).
		Int("consecutive_throttles", b.throttles).
		Dur("delay", delay).
		Err(err).
		Msg("provider throttled, retrying after delay")

	return delay, true
}

// newBackoff builds the throttle backoff schedule: 1s, 2s, 4s, ... capped
// at DefaultMaxInterval, with no jitter so delays are reproducible.
func newBackoff(maxRetries uint64) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = DefaultInitialDelay
	eb.Multiplier = DefaultMultiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = DefaultMaxInterval
	eb.MaxElapsedTime = 0 // retry count, not elapsed time, bounds the budget
	eb.Reset()
	return backoff.WithMaxRetries(eb, maxRetries)
}

// wait sleeps for the delay, respecting context cancellation.
func wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
