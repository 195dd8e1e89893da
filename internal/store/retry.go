package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/kilupskalvis/coedit/internal/models"
)

// RetryConfig configures retry behavior for transient storage errors
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryStore wraps a Store with automatic retry on transient errors. Actors
// suspend on it while the database is busy; other actors are unaffected.
type RetryStore struct {
	inner  Store
	config *RetryConfig
	logger *slog.Logger
}

// NewRetryStore creates a RetryStore that wraps inner
func NewRetryStore(inner Store, cfg *RetryConfig, logger *slog.Logger) *RetryStore {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryStore{inner: inner, config: cfg, logger: logger}
}

// isTransient returns true for errors that are worth retrying
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	return true // lock contention and I/O errors are transient
}

// backoff computes the delay for the given attempt with jitter
func (rs *RetryStore) backoff(attempt int) time.Duration {
	base := float64(rs.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rs.config.MaxBackoff) {
		base = float64(rs.config.MaxBackoff)
	}
	jitter := base * rs.config.JitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled
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

// retry executes fn with retry logic. Only retries transient errors.
func (rs *RetryStore) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rs.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rs.config.MaxRetries {
			d := rs.backoff(attempt)
			rs.logger.Warn("storage operation failed, retrying",
				"operation", operation, "attempt", attempt+1, "backoff", d, "error", lastErr)
			if err := sleep(ctx, d); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rs.config.MaxRetries)
}

func (rs *RetryStore) LoadDocument(ctx context.Context, id string) (rec *DocumentRecord, err error) {
	err = rs.retry(ctx, "load document", func() error {
		rec, err = rs.inner.LoadDocument(ctx, id)
		return err
	})
	return
}

func (rs *RetryStore) SaveDocument(ctx context.Context, rec *DocumentRecord) error {
	return rs.retry(ctx, "save document", func() error {
		return rs.inner.SaveDocument(ctx, rec)
	})
}

func (rs *RetryStore) DeleteDocument(ctx context.Context, id string) error {
	return rs.retry(ctx, "delete document", func() error {
		return rs.inner.DeleteDocument(ctx, id)
	})
}

func (rs *RetryStore) ListDocuments(ctx context.Context) (docs []DocumentSummary, err error) {
	err = rs.retry(ctx, "list documents", func() error {
		docs, err = rs.inner.ListDocuments(ctx)
		return err
	})
	return
}

func (rs *RetryStore) LoadNotifications(ctx context.Context, userID string) (entries []models.NotificationEntry, err error) {
	err = rs.retry(ctx, "load notifications", func() error {
		entries, err = rs.inner.LoadNotifications(ctx, userID)
		return err
	})
	return
}

func (rs *RetryStore) SaveNotifications(ctx context.Context, userID string, entries []models.NotificationEntry) error {
	return rs.retry(ctx, "save notifications", func() error {
		return rs.inner.SaveNotifications(ctx, userID, entries)
	})
}

func (rs *RetryStore) Close() error {
	return rs.inner.Close()
}
