// Package maintenance runs periodic background tasks as Go tickers.
// The delivery engine itself never deletes history rows; retention is
// handled here, alongside the API process.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval  time.Duration // alert_history purge cadence
	HistoryRetention time.Duration // how long sent/failed history is kept
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:  6 * time.Hour,
		HistoryRetention: 90 * 24 * time.Hour,
	}
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"history_retention", cfg.HistoryRetention)

	if cfg.CleanupInterval <= 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(cfg.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			cleanupHistory(ctx, pool, cfg.HistoryRetention, logger)
		case <-ctx.Done():
			logger.Info("Maintenance tickers stopped")
			return
		}
	}
}

// cleanupHistory purges alert_history rows older than the retention window.
func cleanupHistory(ctx context.Context, pool *pgxpool.Pool, retention time.Duration, logger *slog.Logger) {
	tag, err := pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM alert_history WHERE sent_at < NOW() - INTERVAL '%d hours'",
		int(retention.Hours())))
	if err != nil {
		logger.Warn("Cleanup: failed to purge old alert history", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		logger.Info("Cleanup: purged old alert history", "count", tag.RowsAffected())
	}
}
