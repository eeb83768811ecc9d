// Package push implements the wire-protocol clients for the three delivery
// transports: Apple APNs (HTTP/2 + ES256 JWT), Firebase Cloud Messaging, and
// Web Push (VAPID). Clients are leaf components — they know nothing about
// policy or dispatch, they deliver one payload to one endpoint and classify
// the outcome.
package push

import (
	"encoding/json"
	"fmt"
)

// Platform identifies the transport an endpoint belongs to.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is one of the three known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid:
		return true
	}
	return false
}

// DeviceEndpoint is one registered delivery target for one user.
//
// Web endpoints carry the subscription URL plus the two encryption keys;
// native endpoints carry a single device token. Categories is the
// subscription's own opt-in matrix, independent of user alert preferences.
type DeviceEndpoint struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Platform    Platform        `json:"platform"`
	Endpoint    string          `json:"endpoint,omitempty"`
	P256dh      string          `json:"p256dh,omitempty"`
	Auth        string          `json:"auth,omitempty"`
	NativeToken string          `json:"native_token,omitempty"`
	Categories  map[string]bool `json:"categories"`
}

// Action is a web-only notification action button. Native transports
// silently ignore actions.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Payload is the channel-agnostic message handed to a protocol client.
// Immutable once built; Data must carry the category id and may carry a
// deep link under "link".
type Payload struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Icon    string            `json:"icon,omitempty"`
	Badge   string            `json:"badge,omitempty"`
	Tag     string            `json:"tag,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Actions []Action          `json:"actions,omitempty"`
}

// Clone returns a deep copy so callers can layer defaults without mutating
// the original.
func (p Payload) Clone() Payload {
	out := p
	if p.Data != nil {
		out.Data = make(map[string]string, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	if p.Actions != nil {
		out.Actions = append([]Action(nil), p.Actions...)
	}
	return out
}

// MarshalBody returns the JSON wire form used by the web transport.
func (p Payload) MarshalBody() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// DeliveryResult is the per-endpoint outcome of a send attempt.
//
// ShouldPrune is set only when the transport reports the endpoint as
// permanently dead (APNs 410/BadDeviceToken, FCM unregistered token, Web
// Push 404/410). Transient failures and connection-level errors
// (StatusCode 0) never set it.
type DeliveryResult struct {
	Success     bool
	StatusCode  int
	Reason      string
	ShouldPrune bool
}

func success(status int) DeliveryResult {
	return DeliveryResult{Success: true, StatusCode: status}
}

func failure(status int, reason string, prune bool) DeliveryResult {
	return DeliveryResult{StatusCode: status, Reason: reason, ShouldPrune: prune}
}
