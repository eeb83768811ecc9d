package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/http2"
)

// APNs hosts. Selection is a single config flag.
const (
	apnsHostProduction = "https://api.push.apple.com"
	apnsHostSandbox    = "https://api.sandbox.push.apple.com"

	// Apple allows provider tokens up to 60 minutes old. Tokens are cached
	// for 55 and re-signed once less than 5 minutes of validity remain.
	apnsTokenLifetime = 55 * time.Minute
	apnsTokenRefresh  = 5 * time.Minute
)

// APNSConfig holds the token-based authentication credentials for APNs.
// PrivateKey is the .p8 PEM; newlines may arrive escaped from env vars.
type APNSConfig struct {
	KeyID      string
	TeamID     string
	BundleID   string
	PrivateKey string
	Production bool
}

// APNSClient delivers notifications over Apple's HTTP/2 push protocol with
// provider-token (ES256 JWT) authentication. The zero credentials case
// yields an inert client whose sends fail fast with a descriptive reason.
type APNSClient struct {
	cfg        APNSConfig
	host       string
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	logger     *slog.Logger

	// JWT cache. Stale-but-valid reads are safe; the mutex exists to
	// prevent concurrent re-signing under load.
	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// NewAPNSClient parses the provisioned key and prepares an HTTP/2 client.
// Missing or malformed credentials produce an inert client, never an error:
// one unconfigured transport must not block the others.
func NewAPNSClient(cfg APNSConfig, logger *slog.Logger) *APNSClient {
	if logger == nil {
		logger = slog.Default()
	}
	host := apnsHostSandbox
	if cfg.Production {
		host = apnsHostProduction
	}
	c := &APNSClient{
		cfg:    cfg,
		host:   host,
		logger: logger,
		httpClient: &http.Client{
			Transport: &http2.Transport{},
			Timeout:   30 * time.Second,
		},
	}
	if cfg.KeyID == "" || cfg.TeamID == "" || cfg.BundleID == "" || cfg.PrivateKey == "" {
		return c
	}
	key, err := parseAPNSKey(cfg.PrivateKey)
	if err != nil {
		logger.Error("APNs key parse failed, client disabled", "error", err)
		return c
	}
	c.key = key
	return c
}

// Configured reports whether the client holds usable credentials.
func (c *APNSClient) Configured() bool { return c.key != nil }

// Send delivers one payload to one device token.
// HTTP 200 is success. 410 or reason BadDeviceToken marks the token
// permanently dead. A request that never reached Apple reports status 0
// and never prunes — no evidence the token is dead.
func (c *APNSClient) Send(ctx context.Context, deviceToken string, p Payload) DeliveryResult {
	if !c.Configured() {
		return failure(0, "apns not configured", false)
	}

	bearer, err := c.providerToken(time.Now())
	if err != nil {
		return failure(0, fmt.Sprintf("sign provider token: %v", err), false)
	}

	body, err := json.Marshal(apnsBody(p))
	if err != nil {
		return failure(0, fmt.Sprintf("encode body: %v", err), false)
	}

	url := c.host + "/3/device/" + deviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(0, fmt.Sprintf("create request: %v", err), false)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", c.cfg.BundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure(0, fmt.Sprintf("apns request: %v", err), false)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return success(resp.StatusCode)
	}

	reason := apnsErrorReason(resp.Body)
	return failure(resp.StatusCode, reason, APNSShouldPrune(resp.StatusCode, reason))
}

// APNSShouldPrune reports whether an APNs failure marks the device token
// permanently invalid.
func APNSShouldPrune(status int, reason string) bool {
	return status == http.StatusGone || reason == "BadDeviceToken"
}

// providerToken returns the cached JWT, re-signing when less than
// apnsTokenRefresh of validity remains.
func (c *APNSClient) providerToken(now time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedToken != "" && c.tokenExpiry.Sub(now) > apnsTokenRefresh {
		return c.cachedToken, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = c.cfg.KeyID

	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign ES256 token: %w", err)
	}
	c.cachedToken = signed
	c.tokenExpiry = now.Add(apnsTokenLifetime)
	return signed, nil
}

// apnsBody builds the APNs JSON body: the aps dictionary plus any payload
// data keys at the top level. Actions are web-only and dropped here.
func apnsBody(p Payload) map[string]any {
	aps := map[string]any{
		"alert": map[string]string{
			"title": p.Title,
			"body":  p.Body,
		},
		"sound":           "default",
		"mutable-content": 1,
	}
	if n, err := strconv.Atoi(p.Badge); err == nil {
		aps["badge"] = n
	}

	body := map[string]any{"aps": aps}
	for k, v := range p.Data {
		body[k] = v
	}
	return body
}

// apnsErrorReason extracts the reason field from an APNs error body.
func apnsErrorReason(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var e struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return strings.TrimSpace(string(b))
	}
	return e.Reason
}

// parseAPNSKey decodes a PKCS#8 PEM .p8 key, unescaping newlines that
// survive env-var transport as literal backslash-n.
func parseAPNSKey(pemKey string) (*ecdsa.PrivateKey, error) {
	pemKey = strings.ReplaceAll(pemKey, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *ecdsa.PrivateKey", parsed)
	}
	return key, nil
}
