// Package policy decides whether a notification should be sent: effective
// per-user settings, quiet windows, cooldown spacing, and the recurrence
// calculator for repeating alerts. It knows nothing about delivery
// mechanics.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// AlertType is an immutable notification category definition. Created by
// configuration, never by the engine.
type AlertType struct {
	ID              string
	Name            string
	DefaultPriority string
	DefaultChannel  string
	CooldownMinutes int
	PremiumOnly     bool

	// Category template merged under caller payloads at dispatch time.
	DefaultTitle string
	DefaultBody  string
	DefaultLink  string

	// AlwaysSend bypasses the endpoint's per-category opt-in matrix
	// (account/security notices).
	AlwaysSend bool
}

// Preference is a per-(user, category) override. Nil fields mean "use the
// AlertType default" — each field merges independently.
type Preference struct {
	Enabled    *bool
	Priority   *string
	Channel    *string
	QuietStart *string // HH:MM local time
	QuietEnd   *string
}

// Settings is the resolved merge of AlertType defaults and a user's
// overrides for one send decision. Computed fresh per attempt, never
// persisted.
type Settings struct {
	Enabled         bool
	Priority        string
	Channel         string
	QuietStart      string // empty = no quiet window
	QuietEnd        string
	CooldownMinutes int
	PremiumOnly     bool
}

// --------------------------------------------------------------------------
// Storage contracts
// --------------------------------------------------------------------------

// Catalog resolves alert categories. Unknown id returns (nil, nil).
type Catalog interface {
	AlertType(ctx context.Context, id string) (*AlertType, error)
}

// Store is the read-only view of preference and history storage the policy
// engine needs.
type Store interface {
	// Preference returns the user's override row, or nil when absent.
	Preference(ctx context.Context, userID, alertTypeID string) (*Preference, error)
	// SentSince reports whether any sent history row exists for the pair
	// at or after the given instant.
	SentSince(ctx context.Context, userID, alertTypeID string, since time.Time) (bool, error)
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine resolves send decisions against a catalog and a store.
type Engine struct {
	catalog Catalog
	store   Store
	now     func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine(catalog Catalog, store Store) *Engine {
	return &Engine{catalog: catalog, store: store, now: time.Now}
}

// EffectiveSettings merges AlertType defaults with the user's overrides,
// fetching both concurrently. Returns (nil, nil) when the category does not
// exist — callers must treat that as "do not send."
//
// Enabled defaults to true when no override exists: alerts are opt-out.
func (e *Engine) EffectiveSettings(ctx context.Context, userID, alertTypeID string) (*Settings, error) {
	var (
		wg      sync.WaitGroup
		at      *AlertType
		pref    *Preference
		atErr   error
		prefErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		at, atErr = e.catalog.AlertType(ctx, alertTypeID)
	}()
	go func() {
		defer wg.Done()
		pref, prefErr = e.store.Preference(ctx, userID, alertTypeID)
	}()
	wg.Wait()

	if atErr != nil {
		return nil, fmt.Errorf("fetch alert type: %w", atErr)
	}
	if at == nil {
		return nil, nil
	}
	if prefErr != nil {
		return nil, fmt.Errorf("fetch preference: %w", prefErr)
	}

	s := &Settings{
		Enabled:         true,
		Priority:        at.DefaultPriority,
		Channel:         at.DefaultChannel,
		CooldownMinutes: at.CooldownMinutes,
		PremiumOnly:     at.PremiumOnly,
	}
	if pref != nil {
		if pref.Enabled != nil {
			s.Enabled = *pref.Enabled
		}
		if pref.Priority != nil {
			s.Priority = *pref.Priority
		}
		if pref.Channel != nil {
			s.Channel = *pref.Channel
		}
		if pref.QuietStart != nil {
			s.QuietStart = *pref.QuietStart
		}
		if pref.QuietEnd != nil {
			s.QuietEnd = *pref.QuietEnd
		}
	}
	return s, nil
}

// CheckCooldown reports whether a send of this category to this user must
// be suppressed because one already went out within the cooldown window.
// Existence-only: any sent row inside the window suppresses.
func (e *Engine) CheckCooldown(ctx context.Context, userID, alertTypeID string, cooldownMinutes int) (bool, error) {
	if cooldownMinutes <= 0 {
		return false, nil
	}
	since := e.now().Add(-time.Duration(cooldownMinutes) * time.Minute)
	sent, err := e.store.SentSince(ctx, userID, alertTypeID, since)
	if err != nil {
		return false, fmt.Errorf("check cooldown: %w", err)
	}
	return sent, nil
}

// --------------------------------------------------------------------------
// Quiet window
// --------------------------------------------------------------------------

// InQuietWindow reports whether now (HH:MM) falls inside the quiet window.
// Either bound absent or unparseable means no window. A window whose start
// is after its end crosses midnight (22:00–07:00). start == end is a
// zero-length window and is never active.
func InQuietWindow(nowHHMM, quietStart, quietEnd string) bool {
	if quietStart == "" || quietEnd == "" {
		return false
	}
	now, err := parseHHMM(nowHHMM)
	if err != nil {
		return false
	}
	start, err := parseHHMM(quietStart)
	if err != nil {
		return false
	}
	end, err := parseHHMM(quietEnd)
	if err != nil {
		return false
	}

	if start > end {
		// Overnight window
		return now >= start || now < end
	}
	return start <= now && now < end
}

// parseHHMM converts an HH:MM string to minutes since midnight.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse %q as HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// --------------------------------------------------------------------------
// Recurrence
// --------------------------------------------------------------------------

// Recurrence values recognized by NextRun.
const (
	RecurDaily  = "daily"
	RecurWeekly = "weekly"
	RecurCustom = "custom"
)

var (
	everyHoursRe = regexp.MustCompile(`^every_([0-9]+)_hours?$`)
	everyDaysRe  = regexp.MustCompile(`^every_([0-9]+)_days?$`)
)

// NextRun computes the next occurrence of a recurring alert. The second
// return is false when there is no further occurrence: unknown recurrence,
// empty recurrence, or a custom rule that matches neither every_N_hours nor
// every_N_days. Callers treat that as "do not reschedule," not an error.
func NextRun(recurrence, rule string, from time.Time) (time.Time, bool) {
	switch recurrence {
	case RecurDaily:
		return from.AddDate(0, 0, 1), true
	case RecurWeekly:
		return from.AddDate(0, 0, 7), true
	case RecurCustom:
		if m := everyHoursRe.FindStringSubmatch(rule); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return from.Add(time.Duration(n) * time.Hour), true
			}
		}
		if m := everyDaysRe.FindStringSubmatch(rule); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return from.AddDate(0, 0, n), true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
