package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
)

// Decision records why a send attempt did or did not go out. Policy skips
// are successful decisions, not failures, and must stay distinguishable
// from delivery failures in logs.
type Decision string

const (
	DecisionSent     Decision = "sent"
	DecisionFailed   Decision = "failed"
	DecisionDisabled Decision = "disabled"
	DecisionQuiet    Decision = "quiet_hours"
	DecisionCooldown Decision = "cooldown"
)

// Outcome is the result of a policy-aware send.
type Outcome struct {
	Decision Decision `json:"decision"`
	Result   Result   `json:"result"`
}

// HistoryStore appends to the alert history log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, userID, alertTypeID, status string, sentAt time.Time) error
}

// Engine is the policy-aware front of the dispatcher: it resolves effective
// settings, applies quiet hours and cooldown, fans out, and records
// history. This is the entry point schedulers and API handlers call.
type Engine struct {
	policy     *policy.Engine
	dispatcher *Dispatcher
	history    HistoryStore
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine wires the policy engine and dispatcher together. Quiet windows
// are evaluated as time-of-day in loc (nil means UTC).
func NewEngine(p *policy.Engine, d *Dispatcher, history HistoryStore, loc *time.Location, logger *slog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:     p,
		dispatcher: d,
		history:    history,
		loc:        loc,
		logger:     logger,
		now:        time.Now,
	}
}

// SendCategory applies per-user policy and then fans out. The only error a
// caller must act on is ErrUnknownCategory; everything else degrades to
// counts in the Outcome.
func (e *Engine) SendCategory(ctx context.Context, userID, category string, p push.Payload) (Outcome, error) {
	settings, err := e.policy.EffectiveSettings(ctx, userID, category)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve settings: %w", err)
	}
	if settings == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	if !settings.Enabled {
		e.logger.Info("Send skipped by policy",
			"user_id", userID, "category", category, "decision", DecisionDisabled)
		return Outcome{Decision: DecisionDisabled}, nil
	}

	nowHHMM := e.now().In(e.loc).Format("15:04")
	if policy.InQuietWindow(nowHHMM, settings.QuietStart, settings.QuietEnd) {
		e.logger.Info("Send skipped by policy",
			"user_id", userID, "category", category, "decision", DecisionQuiet,
			"quiet_start", settings.QuietStart, "quiet_end", settings.QuietEnd)
		return Outcome{Decision: DecisionQuiet}, nil
	}

	cooling, err := e.policy.CheckCooldown(ctx, userID, category, settings.CooldownMinutes)
	if err != nil {
		return Outcome{}, err
	}
	if cooling {
		e.logger.Info("Send skipped by policy",
			"user_id", userID, "category", category, "decision", DecisionCooldown,
			"cooldown_minutes", settings.CooldownMinutes)
		return Outcome{Decision: DecisionCooldown}, nil
	}

	res, err := e.dispatcher.SendToUser(ctx, userID, category, p)
	if err != nil {
		return Outcome{}, err
	}

	if res.Sent > 0 {
		// Best-effort: a history write failure costs at worst one early
		// re-send after the cooldown check misses it.
		if err := e.history.AppendHistory(ctx, userID, category, "sent", e.now()); err != nil {
			e.logger.Warn("Failed to append alert history",
				"user_id", userID, "category", category, "error", err)
		}
		return Outcome{Decision: DecisionSent, Result: res}, nil
	}
	return Outcome{Decision: DecisionFailed, Result: res}, nil
}

// SendCategoryToAll runs the policy-aware send for every user owning at
// least one endpoint, summing totals. Per-user errors never abort the
// broadcast.
func (e *Engine) SendCategoryToAll(ctx context.Context, category string, p push.Payload) (Result, error) {
	users, err := e.dispatcher.store.UsersWithEndpoints(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate users: %w", err)
	}

	var total Result
	for _, userID := range users {
		out, err := e.SendCategory(ctx, userID, category, p)
		if err != nil {
			if err := ctx.Err(); err != nil {
				break
			}
			if errors.Is(err, ErrUnknownCategory) {
				return Result{}, err
			}
			e.logger.Warn("Broadcast send failed for user",
				"user_id", userID, "category", category, "error", err)
			continue
		}
		total.Sent += out.Result.Sent
		total.Failed += out.Result.Failed
	}
	total.Success = total.Sent > 0
	return total, nil
}
