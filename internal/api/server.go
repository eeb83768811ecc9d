package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"

	"github.com/arborhabit/arbor-push/internal/api/handler"
	"github.com/arborhabit/arbor-push/internal/config"
	"github.com/arborhabit/arbor-push/internal/db"
	"github.com/arborhabit/arbor-push/internal/dispatch"
	"github.com/arborhabit/arbor-push/internal/store"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(pool *db.Pool, st *store.Store, engine *dispatch.Engine, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TimingMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type"},
		ExposedHeaders:   []string{"X-Process-Time"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Handler dependencies ---
	h := handler.New(pool, st, engine, cfg)

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Alert category reference data
		r.Get("/categories", h.ListCategories)

		// Device endpoint registration
		r.Post("/endpoints", h.RegisterEndpoint)
		r.Delete("/endpoints/{endpointID}", h.UnregisterEndpoint)
		r.Get("/users/{userID}/endpoints", h.ListEndpoints)

		// Per-user alert preferences
		r.Get("/users/{userID}/preferences/{category}", h.GetPreference)
		r.Put("/users/{userID}/preferences/{category}", h.PutPreference)

		// Sends (invoked by the scheduler/content layer)
		r.Post("/send/{userID}/{category}", h.SendToUser)
		r.Post("/broadcast/{category}", h.Broadcast)
	})

	return r
}
