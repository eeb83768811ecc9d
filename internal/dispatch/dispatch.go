// Package dispatch fans a notification out across every registered endpoint
// a user owns, routing each endpoint to its platform's protocol client,
// classifying failures, and pruning endpoints the transport reports as
// permanently dead.
//
// Flow: policy (should we send?) → dispatch (for each endpoint, pick a
// client by platform) → transport → per-endpoint DeliveryResult → prune +
// aggregate counts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
)

// ErrUnknownCategory is returned when a send names a category the registry
// does not define. This is the only policy condition reported as an error.
var ErrUnknownCategory = errors.New("unknown alert category")

// Store is the storage surface the orchestrator needs: endpoint enumeration
// and best-effort deletion of dead endpoints.
type Store interface {
	EndpointsForUser(ctx context.Context, userID string) ([]push.DeviceEndpoint, error)
	UsersWithEndpoints(ctx context.Context) ([]string, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// Transport sender contracts, one per platform. Satisfied by the concrete
// clients in internal/push; narrowed to interfaces so dispatch tests can
// fake them.
type (
	APNSSender interface {
		Send(ctx context.Context, deviceToken string, p push.Payload) push.DeliveryResult
	}
	FCMSender interface {
		Send(ctx context.Context, token string, p push.Payload) push.DeliveryResult
	}
	WebSender interface {
		Send(ctx context.Context, ep push.DeviceEndpoint, p push.Payload) push.DeliveryResult
	}
)

// Result aggregates one fan-out: Success means at least one endpoint took
// the notification.
type Result struct {
	Success bool `json:"success"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
}

// Dispatcher routes payloads to protocol clients with a bounded worker pool
// and a transport-side rate limiter.
type Dispatcher struct {
	store   Store
	catalog policy.Catalog
	apns    APNSSender
	fcm     FCMSender
	web     WebSender
	limiter *rate.Limiter
	workers int
	logger  *slog.Logger
}

// New creates a Dispatcher. workers bounds in-flight sends per fan-out;
// ratePerSec bounds sends across all fan-outs (0 disables the limiter).
func New(store Store, catalog policy.Catalog, apns APNSSender, fcm FCMSender, web WebSender,
	workers, ratePerSec int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Dispatcher{
		store:   store,
		catalog: catalog,
		apns:    apns,
		fcm:     fcm,
		web:     web,
		limiter: rate.NewLimiter(limit, max(ratePerSec, 1)),
		workers: workers,
		logger:  logger,
	}
}

// SendToUser delivers one payload to every eligible endpoint a user owns.
//
// Endpoints are filtered by their per-category opt-in toggle unless the
// category is marked always-send. One endpoint's failure never aborts the
// others; sent+failed always equals the number of eligible endpoints the
// fan-out got to issue before any caller deadline. Endpoints a transport
// marks permanently dead are deleted best-effort.
func (d *Dispatcher) SendToUser(ctx context.Context, userID, category string, p push.Payload) (Result, error) {
	at, err := d.catalog.AlertType(ctx, category)
	if err != nil {
		return Result{}, fmt.Errorf("resolve category: %w", err)
	}
	if at == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	endpoints, err := d.store.EndpointsForUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load endpoints: %w", err)
	}

	eligible := endpoints[:0:0]
	for _, ep := range endpoints {
		if at.AlwaysSend || ep.Categories[category] {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return Result{}, nil
	}

	merged := mergePayload(*at, category, p)

	// Worker pool: one channel of endpoints, N workers. Once the caller's
	// deadline passes, workers stop pulling new endpoints; sends already
	// issued run to completion on a detached context.
	workers := min(d.workers, len(eligible))
	ch := make(chan push.DeviceEndpoint, len(eligible))
	for _, ep := range eligible {
		ch <- ep
	}
	close(ch)

	var (
		mu           sync.Mutex
		sent, failed int
		wg           sync.WaitGroup
	)
	sendCtx := context.WithoutCancel(ctx)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ep := range ch {
				if ctx.Err() != nil {
					return
				}
				if err := d.limiter.Wait(ctx); err != nil {
					return
				}

				res := d.dispatchOne(sendCtx, ep, merged)

				mu.Lock()
				if res.Success {
					sent++
				} else {
					failed++
				}
				mu.Unlock()

				if !res.Success {
					d.logger.Warn("Push delivery failed",
						"user_id", userID, "category", category,
						"platform", ep.Platform, "endpoint_id", ep.ID,
						"status", res.StatusCode, "reason", res.Reason,
						"prune", res.ShouldPrune)
				}
				if res.ShouldPrune {
					d.pruneEndpoint(sendCtx, ep)
				}
			}
		}()
	}
	wg.Wait()

	return Result{Success: sent > 0, Sent: sent, Failed: failed}, nil
}

// SendToAll delivers one payload to every user owning at least one
// endpoint. Per-user failures are logged and never abort the broadcast.
// Policy filtering is the caller's job; this is the raw primitive.
func (d *Dispatcher) SendToAll(ctx context.Context, category string, p push.Payload) (Result, error) {
	users, err := d.store.UsersWithEndpoints(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate users: %w", err)
	}

	var total Result
	for _, userID := range users {
		res, err := d.SendToUser(ctx, userID, category, p)
		if err != nil {
			if errors.Is(err, ErrUnknownCategory) {
				return Result{}, err
			}
			d.logger.Warn("Broadcast send failed for user",
				"user_id", userID, "category", category, "error", err)
			continue
		}
		total.Sent += res.Sent
		total.Failed += res.Failed
	}
	total.Success = total.Sent > 0
	return total, nil
}

// dispatchOne routes a single endpoint to its platform's client. The
// platform enum is closed; anything else is recorded as a failure rather
// than silently skipped.
func (d *Dispatcher) dispatchOne(ctx context.Context, ep push.DeviceEndpoint, p push.Payload) push.DeliveryResult {
	switch ep.Platform {
	case push.PlatformWeb:
		return d.web.Send(ctx, ep, p)
	case push.PlatformIOS:
		return d.apns.Send(ctx, ep.NativeToken, p)
	case push.PlatformAndroid:
		return d.fcm.Send(ctx, ep.NativeToken, p)
	default:
		return push.DeliveryResult{Reason: fmt.Sprintf("unknown platform %q", ep.Platform)}
	}
}

// pruneEndpoint deletes a permanently-dead endpoint. Best-effort: a failed
// delete is logged, never propagated — the send attempt already completed.
func (d *Dispatcher) pruneEndpoint(ctx context.Context, ep push.DeviceEndpoint) {
	if err := d.store.DeleteEndpoint(ctx, ep.ID); err != nil {
		d.logger.Warn("Failed to prune dead endpoint",
			"endpoint_id", ep.ID, "platform", ep.Platform, "error", err)
		return
	}
	d.logger.Info("Pruned dead endpoint",
		"endpoint_id", ep.ID, "platform", ep.Platform, "user_id", ep.UserID)
}

// mergePayload layers caller-supplied fields over the category's default
// template (caller wins) and injects the category id and a default deep
// link into the data map.
func mergePayload(at policy.AlertType, category string, p push.Payload) push.Payload {
	out := p.Clone()
	if out.Title == "" {
		out.Title = at.DefaultTitle
	}
	if out.Body == "" {
		out.Body = at.DefaultBody
	}
	if out.Data == nil {
		out.Data = make(map[string]string, 2)
	}
	out.Data["category"] = category
	if out.Data["link"] == "" && at.DefaultLink != "" {
		out.Data["link"] = at.DefaultLink
	}
	return out
}
