// Package db provides a pgxpool-based connection pool with prepared statement
// registration and health checking.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborhabit/arbor-push/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// registerPreparedStatements registers all statements the API and dispatch
// layers use. Prepared statements eliminate parse overhead on every request.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Device endpoints
		"endpoints_for_user":   "SELECT id, user_id, platform, COALESCE(endpoint, ''), COALESCE(p256dh, ''), COALESCE(auth, ''), COALESCE(native_token, ''), categories FROM device_endpoints WHERE user_id = $1",
		"users_with_endpoints": "SELECT DISTINCT user_id FROM device_endpoints",
		"insert_endpoint":      "INSERT INTO device_endpoints (id, user_id, platform, endpoint, p256dh, auth, native_token, categories) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)",
		"delete_endpoint":      "DELETE FROM device_endpoints WHERE id = $1",

		// Per-user alert preferences
		"get_preference": "SELECT enabled, priority, channel, quiet_start, quiet_end FROM user_alert_prefs WHERE user_id = $1 AND alert_type_id = $2",
		"upsert_preference": `
			INSERT INTO user_alert_prefs (user_id, alert_type_id, enabled, priority, channel, quiet_start, quiet_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (user_id, alert_type_id) DO UPDATE SET
				enabled = EXCLUDED.enabled,
				priority = EXCLUDED.priority,
				channel = EXCLUDED.channel,
				quiet_start = EXCLUDED.quiet_start,
				quiet_end = EXCLUDED.quiet_end,
				updated_at = NOW()`,

		// Alert history (append-only)
		"insert_history": "INSERT INTO alert_history (user_id, alert_type_id, status, sent_at) VALUES ($1, $2, $3, $4)",
		"sent_since":     "SELECT 1 FROM alert_history WHERE user_id = $1 AND alert_type_id = $2 AND status = 'sent' AND sent_at >= $3 LIMIT 1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
