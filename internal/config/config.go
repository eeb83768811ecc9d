// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/api and cmd/pushctl.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
)

// --------------------------------------------------------------------------
// Alert category registry — immutable reference data
// --------------------------------------------------------------------------

// AlertRegistry defines every alert category the app can send. Categories
// are configuration, never created at runtime.
var AlertRegistry = Registry{
	"morning_guide": {
		ID: "morning_guide", Name: "Morning Guide",
		DefaultPriority: "normal", DefaultChannel: "push",
		CooldownMinutes: 720,
		DefaultTitle:    "Your morning guide is ready",
		DefaultBody:     "Start the day with today's guide.",
		DefaultLink:     "/guide/today",
	},
	"evening_reflection": {
		ID: "evening_reflection", Name: "Evening Reflection",
		DefaultPriority: "normal", DefaultChannel: "push",
		CooldownMinutes: 720,
		DefaultTitle:    "Time to reflect",
		DefaultBody:     "A few minutes to close out your day.",
		DefaultLink:     "/reflect",
	},
	"journal_reminder": {
		ID: "journal_reminder", Name: "Journal Reminder",
		DefaultPriority: "low", DefaultChannel: "push",
		CooldownMinutes: 240,
		DefaultTitle:    "Journal check-in",
		DefaultBody:     "Capture what's on your mind.",
		DefaultLink:     "/journal/new",
	},
	"streak_milestone": {
		ID: "streak_milestone", Name: "Streak Milestone",
		DefaultPriority: "high", DefaultChannel: "push",
		CooldownMinutes: 60,
		DefaultTitle:    "Streak milestone!",
		DefaultBody:     "You're on a roll — keep it going.",
		DefaultLink:     "/progress",
	},
	"goal_due": {
		ID: "goal_due", Name: "Goal Due",
		DefaultPriority: "high", DefaultChannel: "push",
		CooldownMinutes: 30,
		DefaultTitle:    "Goal due soon",
		DefaultBody:     "One of your goals is due today.",
		DefaultLink:     "/goals",
	},
	"weekly_insight": {
		ID: "weekly_insight", Name: "Weekly Insight",
		DefaultPriority: "normal", DefaultChannel: "push",
		CooldownMinutes: 1440, PremiumOnly: true,
		DefaultTitle: "Your week in review",
		DefaultBody:  "Your weekly insight is ready.",
		DefaultLink:  "/insights/weekly",
	},
	"account": {
		ID: "account", Name: "Account",
		DefaultPriority: "high", DefaultChannel: "push",
		CooldownMinutes: 0, AlwaysSend: true,
		DefaultTitle: "Account notice",
		DefaultLink:  "/settings/account",
	},
}

// Registry adapts the category map to the policy.Catalog contract.
type Registry map[string]policy.AlertType

// AlertType returns the category definition, or (nil, nil) when unknown.
func (r Registry) AlertType(_ context.Context, id string) (*policy.AlertType, error) {
	at, ok := r[id]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// --------------------------------------------------------------------------
// Config struct — populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting (inbound API)
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Transports
	APNS    push.APNSConfig
	FCM     push.FCMConfig
	WebPush push.WebPushConfig

	// Dispatch
	DispatchWorkers int
	SendRatePerSec  int
	QuietHoursTZ    string // IANA zone quiet windows are evaluated in
	ListenerEnabled bool   // pg NOTIFY consumer for triggered sends

	// Maintenance
	HistoryRetention time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", envOr("NEON_DATABASE_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or NEON_DATABASE_URL must be set")
	}

	origin := envOr("PUBLIC_ORIGIN", "https://app.arborhabit.com")

	return &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
			origin,
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		APNS: push.APNSConfig{
			KeyID:      envOr("APNS_KEY_ID", ""),
			TeamID:     envOr("APNS_TEAM_ID", ""),
			BundleID:   envOr("APNS_BUNDLE_ID", "com.arborhabit.app"),
			PrivateKey: envOr("APNS_PRIVATE_KEY", ""),
			Production: envBool("APNS_PRODUCTION", false),
		},
		FCM: push.FCMConfig{
			ProjectID:   envOr("FCM_PROJECT_ID", ""),
			ClientEmail: envOr("FCM_CLIENT_EMAIL", ""),
			PrivateKey:  envOr("FCM_PRIVATE_KEY", ""),
		},
		WebPush: push.WebPushConfig{
			VAPIDPublicKey:  envOr("VAPID_PUBLIC_KEY", ""),
			VAPIDPrivateKey: envOr("VAPID_PRIVATE_KEY", ""),
			Subscriber:      envOr("VAPID_SUBSCRIBER", origin),
		},

		DispatchWorkers: envInt("DISPATCH_WORKERS", 8),
		SendRatePerSec:  envInt("SEND_RATE_PER_SEC", 50),
		QuietHoursTZ:    envOr("QUIET_HOURS_TZ", "UTC"),
		ListenerEnabled: envBool("ALERT_LISTENER_ENABLED", true),

		HistoryRetention: time.Duration(envInt("HISTORY_RETENTION_DAYS", 90)) * 24 * time.Hour,
	}, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
