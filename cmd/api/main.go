// Command api is the Arbor push API server.
//
// Usage:
//
//	arbor-push-api
//	API_PORT=8080 arbor-push-api
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/arborhabit/arbor-push/internal/api"
	"github.com/arborhabit/arbor-push/internal/config"
	"github.com/arborhabit/arbor-push/internal/db"
	"github.com/arborhabit/arbor-push/internal/dispatch"
	"github.com/arborhabit/arbor-push/internal/listener"
	"github.com/arborhabit/arbor-push/internal/maintenance"
	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
	"github.com/arborhabit/arbor-push/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Connect to database
	logger.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	// Protocol clients — unconfigured transports stay inert and fail fast
	// per send rather than blocking startup.
	apns := push.NewAPNSClient(cfg.APNS, logger)
	fcm := push.NewFCMClient(cfg.FCM, logger)
	web := push.NewWebPushClient(cfg.WebPush, logger)
	logger.Info("Transports initialized",
		"apns", apns.Configured(),
		"fcm", fcm.Configured(),
		"webpush", web.Configured())

	// Engine wiring
	st := store.New(pool.Pool)
	policyEngine := policy.NewEngine(config.AlertRegistry, st)
	dispatcher := dispatch.New(st, config.AlertRegistry, apns, fcm, web,
		cfg.DispatchWorkers, cfg.SendRatePerSec, logger)

	loc, err := time.LoadLocation(cfg.QuietHoursTZ)
	if err != nil {
		logger.Warn("Invalid QUIET_HOURS_TZ, falling back to UTC", "tz", cfg.QuietHoursTZ)
		loc = time.UTC
	}
	engine := dispatch.NewEngine(policyEngine, dispatcher, st, loc, logger)

	// Start maintenance ticker (history retention)
	mCfg := maintenance.DefaultConfig()
	mCfg.HistoryRetention = cfg.HistoryRetention
	go maintenance.Start(ctx, pool.Pool, mCfg, logger)

	// Start the LISTEN/NOTIFY consumer for database-triggered sends
	if cfg.ListenerEnabled {
		go listener.Start(ctx, cfg.DatabaseURL, engine, logger)
	}

	// Create router
	router := api.NewRouter(pool, st, engine, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Arbor Push API",
			"addr", addr,
			"environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}
