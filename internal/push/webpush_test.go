package push

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestWebPushSendUnconfiguredFailsFast(t *testing.T) {
	c := NewWebPushClient(WebPushConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res := c.Send(context.Background(), DeviceEndpoint{}, Payload{Title: "x"})
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

func TestWebPushShouldPrune(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{404, true},
		{410, true},
		{400, false},
		{413, false},
		{429, false},
		{500, false},
		{0, false},
	}
	for _, tt := range tests {
		if got := WebPushShouldPrune(tt.status); got != tt.want {
			t.Errorf("WebPushShouldPrune(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
