// Command pushctl is the Arbor push operations CLI.
//
// Usage:
//
//	pushctl send --user u_123 --category journal_reminder
//	pushctl send --user u_123 --category goal_due --title "Ship it" --body "Goal due at 5pm"
//	pushctl broadcast --category weekly_insight
//	pushctl endpoints --user u_123
//	pushctl next-run --recurrence custom --rule every_3_hours
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arborhabit/arbor-push/internal/config"
	"github.com/arborhabit/arbor-push/internal/db"
	"github.com/arborhabit/arbor-push/internal/dispatch"
	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
	"github.com/arborhabit/arbor-push/internal/store"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "pushctl",
		Short: "Arbor push operations CLI",
	}

	root.AddCommand(sendCmd())
	root.AddCommand(broadcastCmd())
	root.AddCommand(endpointsCmd())
	root.AddCommand(nextRunCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// send command
// --------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var user, category, title, body, link string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one category to one user through the policy engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *dispatch.Engine, _ *store.Store) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				payload := push.Payload{Title: title, Body: body}
				if link != "" {
					payload.Data = map[string]string{"link": link}
				}

				out, err := engine.SendCategory(ctx, user, category, payload)
				if err != nil {
					return err
				}
				logger.Info("Send finished",
					"decision", out.Decision,
					"sent", out.Result.Sent,
					"failed", out.Result.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User id (required)")
	cmd.Flags().StringVar(&category, "category", "", "Alert category (required)")
	cmd.Flags().StringVar(&title, "title", "", "Override the category's default title")
	cmd.Flags().StringVar(&body, "body", "", "Override the category's default body")
	cmd.Flags().StringVar(&link, "link", "", "Deep link for the notification")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Fan-out deadline")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

// --------------------------------------------------------------------------
// broadcast command
// --------------------------------------------------------------------------

func broadcastCmd() *cobra.Command {
	var category, title, body string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Send one category to every user with a registered endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *dispatch.Engine, _ *store.Store) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				start := time.Now()
				res, err := engine.SendCategoryToAll(ctx, category, push.Payload{Title: title, Body: body})
				if err != nil {
					return err
				}
				logger.Info("Broadcast finished",
					"category", category,
					"sent", res.Sent,
					"failed", res.Failed,
					"duration", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Alert category (required)")
	cmd.Flags().StringVar(&title, "title", "", "Override the category's default title")
	cmd.Flags().StringVar(&body, "body", "", "Override the category's default body")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Broadcast deadline")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

// --------------------------------------------------------------------------
// endpoints command
// --------------------------------------------------------------------------

func endpointsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List a user's registered device endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, _ *dispatch.Engine, st *store.Store) error {
				endpoints, err := st.EndpointsForUser(ctx, user)
				if err != nil {
					return err
				}
				if len(endpoints) == 0 {
					logger.Info("No endpoints registered", "user", user)
					return nil
				}
				for _, ep := range endpoints {
					logger.Info("Endpoint",
						"id", ep.ID,
						"platform", ep.Platform,
						"categories", ep.Categories)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// --------------------------------------------------------------------------
// next-run command
// --------------------------------------------------------------------------

func nextRunCmd() *cobra.Command {
	var recurrence, rule string
	cmd := &cobra.Command{
		Use:   "next-run",
		Short: "Compute the next occurrence of a recurrence rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			next, ok := policy.NextRun(recurrence, rule, time.Now())
			if !ok {
				logger.Info("No further occurrence", "recurrence", recurrence, "rule", rule)
				return nil
			}
			logger.Info("Next occurrence", "at", next.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&recurrence, "recurrence", "", "daily, weekly, or custom")
	cmd.Flags().StringVar(&rule, "rule", "", "Custom rule (every_N_hours / every_N_days)")
	return cmd
}

// --------------------------------------------------------------------------
// Shared runner
// --------------------------------------------------------------------------

// withEngine loads config, connects the pool, wires the engine, and runs fn
// with signal-aware context.
func withEngine(fn func(ctx context.Context, engine *dispatch.Engine, st *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	apns := push.NewAPNSClient(cfg.APNS, logger)
	fcm := push.NewFCMClient(cfg.FCM, logger)
	web := push.NewWebPushClient(cfg.WebPush, logger)

	st := store.New(pool.Pool)
	policyEngine := policy.NewEngine(config.AlertRegistry, st)
	dispatcher := dispatch.New(st, config.AlertRegistry, apns, fcm, web,
		cfg.DispatchWorkers, cfg.SendRatePerSec, logger)

	loc, err := time.LoadLocation(cfg.QuietHoursTZ)
	if err != nil {
		loc = time.UTC
	}
	engine := dispatch.NewEngine(policyEngine, dispatcher, st, loc, logger)

	return fn(ctx, engine, st)
}
