package push

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestFCMConfigured(t *testing.T) {
	full := FCMConfig{ProjectID: "p", ClientEmail: "e@p.iam", PrivateKey: "k"}
	if !NewFCMClient(full, nil).Configured() {
		t.Fatalf("full credential must report configured")
	}
	for _, cfg := range []FCMConfig{
		{},
		{ProjectID: "p"},
		{ProjectID: "p", ClientEmail: "e@p.iam"},
	} {
		if NewFCMClient(cfg, nil).Configured() {
			t.Fatalf("partial credential %+v must not report configured", cfg)
		}
	}
}

func TestFCMSendUnconfiguredFailsFast(t *testing.T) {
	c := NewFCMClient(FCMConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 2; i++ {
		res := c.Send(context.Background(), "token", Payload{Title: "x"})
		if res.Success {
			t.Fatalf("unconfigured client must fail")
		}
		if res.ShouldPrune {
			t.Fatalf("unconfigured failure must not prune: %+v", res)
		}
		if !strings.Contains(res.Reason, "not configured") {
			t.Fatalf("reason = %q", res.Reason)
		}
	}
}

func TestFCMShouldPruneNilError(t *testing.T) {
	if FCMShouldPrune(nil) {
		t.Fatalf("nil error must never prune")
	}
}
