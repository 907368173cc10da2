package memory

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionJanitor prunes interactions older than retention on every tick.
// A non-positive retention disables pruning.
func StartRetentionJanitor(ctx context.Context, store Store, retention, interval time.Duration, logger *slog.Logger) {
	if store == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				n, err := store.PruneBefore(ctx, cutoff)
				if err != nil {
					logger.Warn("retention prune failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("retention prune", "deleted", n, "cutoff", cutoff)
				}
			}
		}
	}()
}
