// Package listener provides a Postgres LISTEN/NOTIFY consumer for
// database-triggered sends. It holds a dedicated pgx connection (not from
// the pool) listening on the `alert_events` channel.
//
// Application-side triggers (goal deadlines, streak counters) fire
// pg_notify with a user id and alert category; this consumer receives the
// event and routes it through the policy-aware engine, so quiet hours and
// cooldowns apply to triggered sends exactly as they do to API sends.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arborhabit/arbor-push/internal/dispatch"
	"github.com/arborhabit/arbor-push/internal/push"
)

const (
	channel          = "alert_events"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second

	// Deadline per triggered send; the listener must not be held hostage
	// by one slow fan-out.
	sendTimeout = 30 * time.Second
)

// AlertEvent is the JSON payload from pg_notify('alert_events', ...).
// Title, body, and link are optional; absent fields fall back to the
// category template.
type AlertEvent struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Link     string `json:"link,omitempty"`
}

// Start opens a dedicated connection and listens on the alert_events
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, engine *dispatch.Engine, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, engine, logger)
		if ctx.Err() != nil {
			logger.Info("Alert listener stopped (context cancelled)")
			return
		}

		logger.Error("Alert listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, engine *dispatch.Engine, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Alert listener connected", "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var event AlertEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			logger.Warn("Failed to parse alert event",
				"payload", notification.Payload, "error", err)
			continue
		}
		if event.UserID == "" || event.Category == "" {
			logger.Warn("Alert event missing user_id or category",
				"payload", notification.Payload)
			continue
		}

		// Process asynchronously to avoid blocking the listener
		go handleEvent(ctx, engine, event, logger)
	}
}

// handleEvent routes one triggered event through the policy-aware engine.
func handleEvent(ctx context.Context, engine *dispatch.Engine, event AlertEvent, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	payload := push.Payload{Title: event.Title, Body: event.Body}
	if event.Link != "" {
		payload.Data = map[string]string{"link": event.Link}
	}

	out, err := engine.SendCategory(ctx, event.UserID, event.Category, payload)
	if err != nil {
		logger.Warn("Triggered send failed",
			"user_id", event.UserID, "category", event.Category, "error", err)
		return
	}

	logger.Info("Triggered send finished",
		"user_id", event.UserID,
		"category", event.Category,
		"decision", out.Decision,
		"sent", out.Result.Sent,
		"failed", out.Result.Failed)
}
