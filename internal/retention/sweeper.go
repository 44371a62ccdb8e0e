// Package retention purges sessions abandoned for longer than the
// configured retention window.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is how often the sweeper runs.
const DefaultInterval = 5 * time.Minute

// Store deletes sessions not updated within olderThan.
type Store interface {
	DeleteStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweep deletes stale sessions once and returns how many were removed.
func Sweep(ctx context.Context, repo Store, retention time.Duration) (int64, error) {
	deleted, err := repo.DeleteStaleSessions(ctx, retention)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep interrupted", "error", err)
			return 0, nil
		}
		return 0, err
	}
	if deleted > 0 {
		slog.Info("Retention sweep removed abandoned sessions", "count", deleted, "retention", retention)
	}
	return deleted, nil
}

// StartSweeper runs Sweep every interval until ctx is done. A zero
// retention disables the sweeper and StartSweeper returns false.
func StartSweeper(ctx context.Context, repo Store, retention, interval time.Duration) bool {
	if retention <= 0 {
		slog.Info("Retention sweeper disabled")
		return false
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention sweeper started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				if _, err := Sweep(ctx, repo, retention); err != nil {
					slog.Error("Retention sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("Retention sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return true
}
