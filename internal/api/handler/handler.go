// Package handler provides HTTP handlers for all API endpoints. Handlers
// validate input, call the store or the dispatch engine, and write JSON.
package handler

import (
	"net/http"
	"time"

	"github.com/arborhabit/arbor-push/internal/api/respond"
	"github.com/arborhabit/arbor-push/internal/config"
	"github.com/arborhabit/arbor-push/internal/db"
	"github.com/arborhabit/arbor-push/internal/dispatch"
	"github.com/arborhabit/arbor-push/internal/store"
)

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	pool   *db.Pool
	store  *store.Store
	engine *dispatch.Engine
	cfg    *config.Config
}

// New creates a Handler with shared dependencies.
func New(pool *db.Pool, st *store.Store, engine *dispatch.Engine, cfg *config.Config) *Handler {
	return &Handler{
		pool:   pool,
		store:  st,
		engine: engine,
		cfg:    cfg,
	}
}

// Root serves API info at /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "Arbor Push API",
		"version": "1.0.0",
		"status":  "running",
		"transports": []string{
			"apns_http2",
			"fcm_v1",
			"webpush_vapid",
		},
	})
}

// HealthCheck returns basic health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.HealthCheck(r.Context()); err != nil {
		respond.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ListCategories returns the alert category registry.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	type category struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		DefaultPriority string `json:"default_priority"`
		CooldownMinutes int    `json:"cooldown_minutes"`
		PremiumOnly     bool   `json:"premium_only"`
		AlwaysSend      bool   `json:"always_send"`
	}
	out := make([]category, 0, len(config.AlertRegistry))
	for _, at := range config.AlertRegistry {
		out = append(out, category{
			ID:              at.ID,
			Name:            at.Name,
			DefaultPriority: at.DefaultPriority,
			CooldownMinutes: at.CooldownMinutes,
			PremiumOnly:     at.PremiumOnly,
			AlwaysSend:      at.AlwaysSend,
		})
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"categories": out})
}
