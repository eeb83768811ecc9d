package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMConfig holds the service-account credential for Firebase Cloud
// Messaging. PrivateKey newlines may arrive escaped from env vars.
type FCMConfig struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
}

// FCMClient delivers notifications through the Firebase Admin SDK.
//
// The messaging handle is initialized exactly once per process, lazily on
// first send. When credentials are absent the client stays inert and every
// send fails fast with a descriptive reason instead of erroring at startup.
type FCMClient struct {
	cfg    FCMConfig
	logger *slog.Logger

	initOnce sync.Once
	client   *messaging.Client
	initErr  error
}

// NewFCMClient prepares a lazily-initialized FCM client.
func NewFCMClient(cfg FCMConfig, logger *slog.Logger) *FCMClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FCMClient{cfg: cfg, logger: logger}
}

// Configured reports whether the service-account credential is present.
func (c *FCMClient) Configured() bool {
	return c.cfg.ProjectID != "" && c.cfg.ClientEmail != "" && c.cfg.PrivateKey != ""
}

// messagingClient initializes the Firebase app on first use.
func (c *FCMClient) messagingClient(ctx context.Context) (*messaging.Client, error) {
	c.initOnce.Do(func() {
		if !c.Configured() {
			c.initErr = fmt.Errorf("fcm not configured")
			return
		}
		cred, err := json.Marshal(map[string]string{
			"type":         "service_account",
			"project_id":   c.cfg.ProjectID,
			"client_email": c.cfg.ClientEmail,
			"private_key":  strings.ReplaceAll(c.cfg.PrivateKey, `\n`, "\n"),
			"token_uri":    "https://oauth2.googleapis.com/token",
		})
		if err != nil {
			c.initErr = fmt.Errorf("build credential: %w", err)
			return
		}
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: c.cfg.ProjectID},
			option.WithCredentialsJSON(cred))
		if err != nil {
			c.initErr = fmt.Errorf("init firebase app: %w", err)
			return
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			c.initErr = fmt.Errorf("init messaging client: %w", err)
			return
		}
		c.client = client
		c.logger.Info("FCM client initialized", "project_id", c.cfg.ProjectID)
	})
	return c.client, c.initErr
}

// Send delivers one payload to one Android registration token.
// Unregistered or invalid tokens mark the endpoint permanently dead.
func (c *FCMClient) Send(ctx context.Context, token string, p Payload) DeliveryResult {
	client, err := c.messagingClient(ctx)
	if err != nil {
		return failure(0, err.Error(), false)
	}

	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:                  p.Icon,
				Sound:                 "default",
				DefaultSound:          true,
				DefaultVibrateTimings: true,
			},
		},
		// FCM requires all data values to be strings; Payload.Data
		// already satisfies that.
		Data: p.Data,
	}

	id, err := client.Send(ctx, msg)
	if err != nil {
		return failure(0, err.Error(), FCMShouldPrune(err))
	}
	c.logger.Debug("FCM message sent", "message_id", id)
	return success(http.StatusOK)
}

// FCMShouldPrune reports whether an FCM send error marks the registration
// token permanently invalid (unregistered or malformed token).
func FCMShouldPrune(err error) bool {
	if err == nil {
		return false
	}
	if messaging.IsUnregistered(err) {
		return true
	}
	return errorutils.IsInvalidArgument(err) &&
		strings.Contains(strings.ToLower(err.Error()), "token")
}
