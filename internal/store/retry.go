package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsBusyError reports whether err is a SQLite concurrency error
// (SQLITE_BUSY or "database is locked") that warrants a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// withBusyRetry runs fn, retrying busy errors with exponential backoff: 50ms, 100ms.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 1; attempt <= busyMaxRetries; attempt++ {
		err = fn()
		if err == nil || !IsBusyError(err) || attempt == busyMaxRetries {
			return err
		}
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
