package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPushConfig holds the VAPID application-server identity. Subscriber is
// the contact URI advertised to push services, derived from the app's
// public origin.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// WebPushClient delivers notifications to browser push subscriptions per
// RFC 8030/8291, with message encryption and VAPID auth delegated to the
// webpush-go library.
type WebPushClient struct {
	cfg    WebPushConfig
	logger *slog.Logger
}

// NewWebPushClient prepares a Web Push client. Missing VAPID keys yield an
// inert client whose sends fail fast.
func NewWebPushClient(cfg WebPushConfig, logger *slog.Logger) *WebPushClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebPushClient{cfg: cfg, logger: logger}
}

// Configured reports whether the VAPID key pair is present.
func (c *WebPushClient) Configured() bool {
	return c.cfg.VAPIDPublicKey != "" && c.cfg.VAPIDPrivateKey != ""
}

// Send delivers one payload to one browser subscription.
// 404 and 410 from the push service mean the subscription is gone and the
// endpoint must be pruned; other failures are transient.
func (c *WebPushClient) Send(ctx context.Context, ep DeviceEndpoint, p Payload) DeliveryResult {
	if !c.Configured() {
		return failure(0, "web push not configured", false)
	}

	body, err := p.MarshalBody()
	if err != nil {
		return failure(0, err.Error(), false)
	}

	sub := &webpush.Subscription{
		Endpoint: ep.Endpoint,
		Keys: webpush.Keys{
			P256dh: ep.P256dh,
			Auth:   ep.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		Subscriber:      c.cfg.Subscriber,
		VAPIDPublicKey:  c.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: c.cfg.VAPIDPrivateKey,
		TTL:             int((24 * time.Hour).Seconds()),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return failure(0, fmt.Sprintf("web push request: %v", err), false)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return success(resp.StatusCode)
	}
	return failure(resp.StatusCode, http.StatusText(resp.StatusCode),
		WebPushShouldPrune(resp.StatusCode))
}

// WebPushShouldPrune reports whether a push-service status marks the
// subscription permanently invalid.
func WebPushShouldPrune(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}
