package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig is the admin client's retry policy. Only requests that are
// safe to repeat go through it.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig retries three times starting at half a second
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.25,
	}
}

// isTransient reports whether a failed request may succeed if repeated:
// server errors, rate limiting and network failures. Cancellation is final.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	return true
}

// backoff doubles from InitialBackoff per attempt up to MaxBackoff, then
// spreads it by JitterFraction either way.
func (cfg *RetryConfig) backoff(attempt int) time.Duration {
	d := cfg.InitialBackoff << attempt
	if d <= 0 || d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if cfg.JitterFraction > 0 {
		spread := float64(d) * cfg.JitterFraction
		d += time.Duration(spread * (rand.Float64()*2 - 1))
	}
	return max(d, 0)
}

// delay is the wait before the next attempt. A server-provided Retry-After
// takes precedence, capped at MaxBackoff.
func (cfg *RetryConfig) delay(attempt int, err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return min(re.RetryAfter, cfg.MaxBackoff)
	}
	return cfg.backoff(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, fails permanently, or MaxRetries
// repeats are used up.
func (cfg *RetryConfig) retry(ctx context.Context, operation string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			return fmt.Errorf("%s: %w (after %d retries)", operation, err, cfg.MaxRetries)
		}
		if serr := sleep(ctx, cfg.delay(attempt, err)); serr != nil {
			return fmt.Errorf("%s: %w (retry cancelled)", operation, err)
		}
	}
}
