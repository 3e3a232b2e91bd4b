package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/handoff-desk/internal/shared"
)

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// withBusyRetry runs op, retrying with exponential backoff while SQLite
// reports SQLITE_BUSY or a locked database.
func withBusyRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < busyMaxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == busyMaxRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
