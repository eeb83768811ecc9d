// Package store is the Postgres persistence layer for device endpoints,
// per-user alert preferences, and the append-only alert history. All
// queries go through prepared statements registered by internal/db.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
)

// Store wraps a pgx pool with the engine's storage contracts.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --------------------------------------------------------------------------
// Device endpoints
// --------------------------------------------------------------------------

// EndpointsForUser returns every registered delivery target a user owns.
func (s *Store) EndpointsForUser(ctx context.Context, userID string) ([]push.DeviceEndpoint, error) {
	rows, err := s.pool.Query(ctx, "endpoints_for_user", userID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []push.DeviceEndpoint
	for rows.Next() {
		var ep push.DeviceEndpoint
		var platform string
		if err := rows.Scan(&ep.ID, &ep.UserID, &platform, &ep.Endpoint,
			&ep.P256dh, &ep.Auth, &ep.NativeToken, &ep.Categories); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		ep.Platform = push.Platform(platform)
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// UsersWithEndpoints returns every user id owning at least one endpoint.
func (s *Store) UsersWithEndpoints(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "users_with_endpoints")
	if err != nil {
		return nil, fmt.Errorf("query users with endpoints: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// InsertEndpoint registers a new delivery target.
func (s *Store) InsertEndpoint(ctx context.Context, ep push.DeviceEndpoint) error {
	_, err := s.pool.Exec(ctx, "insert_endpoint",
		ep.ID, ep.UserID, string(ep.Platform),
		ep.Endpoint, ep.P256dh, ep.Auth, ep.NativeToken, ep.Categories)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes a delivery target, either on user request or when
// a transport reports it permanently dead.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "delete_endpoint", id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Preferences
// --------------------------------------------------------------------------

// Preference returns the user's override row for a category, or nil when
// the user has never customized it.
func (s *Store) Preference(ctx context.Context, userID, alertTypeID string) (*policy.Preference, error) {
	var p policy.Preference
	err := s.pool.QueryRow(ctx, "get_preference", userID, alertTypeID).
		Scan(&p.Enabled, &p.Priority, &p.Channel, &p.QuietStart, &p.QuietEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return &p, nil
}

// UpsertPreference creates or replaces the user's override row.
func (s *Store) UpsertPreference(ctx context.Context, userID, alertTypeID string, p policy.Preference) error {
	_, err := s.pool.Exec(ctx, "upsert_preference",
		userID, alertTypeID, p.Enabled, p.Priority, p.Channel, p.QuietStart, p.QuietEnd)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Alert history
// --------------------------------------------------------------------------

// SentSince reports whether any sent history row exists for the pair at or
// after the given instant. Existence-only, per the cooldown contract.
func (s *Store) SentSince(ctx context.Context, userID, alertTypeID string, since time.Time) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, "sent_since", userID, alertTypeID, since).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query sent since: %w", err)
	}
	return true, nil
}

// AppendHistory appends one history row. History is append-only; rows are
// never updated or deleted here (retention lives in internal/maintenance).
func (s *Store) AppendHistory(ctx context.Context, userID, alertTypeID, status string, sentAt time.Time) error {
	_, err := s.pool.Exec(ctx, "insert_history", userID, alertTypeID, status, sentAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}
