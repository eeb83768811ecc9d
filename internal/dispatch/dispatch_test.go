package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arborhabit/arbor-push/internal/policy"
	"github.com/arborhabit/arbor-push/internal/push"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeCatalog map[string]policy.AlertType

func (c fakeCatalog) AlertType(_ context.Context, id string) (*policy.AlertType, error) {
	at, ok := c[id]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

type historyRow struct {
	userID, category, status string
}

type fakeStore struct {
	mu        sync.Mutex
	endpoints map[string][]push.DeviceEndpoint
	users     []string
	deleted   []string
	deleteErr error
	history   []historyRow
	pref      *policy.Preference
	sentSince bool
}

func (s *fakeStore) EndpointsForUser(_ context.Context, userID string) ([]push.DeviceEndpoint, error) {
	return s.endpoints[userID], nil
}

func (s *fakeStore) UsersWithEndpoints(_ context.Context) ([]string, error) {
	return s.users, nil
}

func (s *fakeStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) AppendHistory(_ context.Context, userID, category, status string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, historyRow{userID, category, status})
	return nil
}

func (s *fakeStore) Preference(_ context.Context, _, _ string) (*policy.Preference, error) {
	return s.pref, nil
}

func (s *fakeStore) SentSince(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return s.sentSince, nil
}

// fakeSender counts calls and returns a fixed result. It satisfies all
// three sender contracts.
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	results []push.DeliveryResult
	last    push.Payload
}

func (f *fakeSender) next() push.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := push.DeliveryResult{Success: true, StatusCode: 200}
	if f.calls < len(f.results) {
		res = f.results[f.calls]
	} else if len(f.results) > 0 {
		res = f.results[len(f.results)-1]
	}
	f.calls++
	return res
}

func (f *fakeSender) Send(_ context.Context, _ string, p push.Payload) push.DeliveryResult {
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	return f.next()
}

type fakeWebSender struct{ fakeSender }

func (f *fakeWebSender) Send(_ context.Context, _ push.DeviceEndpoint, p push.Payload) push.DeliveryResult {
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	return f.next()
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testCatalog = fakeCatalog{
	"journal_reminder": {
		ID:              "journal_reminder",
		DefaultPriority: "low",
		CooldownMinutes: 240,
		DefaultTitle:    "Journal check-in",
		DefaultBody:     "Capture what's on your mind.",
		DefaultLink:     "/journal/new",
	},
	"account": {
		ID:         "account",
		AlwaysSend: true,
	},
}

func webEndpoint(id, user string, cats map[string]bool) push.DeviceEndpoint {
	return push.DeviceEndpoint{
		ID: id, UserID: user, Platform: push.PlatformWeb,
		Endpoint: "https://push.example.com/" + id,
		P256dh:   "p256dh-" + id, Auth: "auth-" + id,
		Categories: cats,
	}
}

func iosEndpoint(id, user string, cats map[string]bool) push.DeviceEndpoint {
	return push.DeviceEndpoint{
		ID: id, UserID: user, Platform: push.PlatformIOS,
		NativeToken: "tok-" + id, Categories: cats,
	}
}

func androidEndpoint(id, user string, cats map[string]bool) push.DeviceEndpoint {
	return push.DeviceEndpoint{
		ID: id, UserID: user, Platform: push.PlatformAndroid,
		NativeToken: "tok-" + id, Categories: cats,
	}
}

func newTestDispatcher(st *fakeStore, apns, fcm *fakeSender, web *fakeWebSender) *Dispatcher {
	return New(st, testCatalog, apns, fcm, web, 4, 0,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// --------------------------------------------------------------------------
// SendToUser
// --------------------------------------------------------------------------

func TestSendToUserNoEndpoints(t *testing.T) {
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{}}
	apns, fcm, web := &fakeSender{}, &fakeSender{}, &fakeWebSender{}
	d := newTestDispatcher(st, apns, fcm, web)

	res, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if res.Success || res.Sent != 0 || res.Failed != 0 {
		t.Fatalf("expected zero result, got %+v", res)
	}
	if apns.callCount()+fcm.callCount()+web.callCount() != 0 {
		t.Fatalf("no transport must be invoked without endpoints")
	}
}

func TestSendToUserCategoryToggleFilter(t *testing.T) {
	opted := map[string]bool{"journal_reminder": true}
	notOpted := map[string]bool{"journal_reminder": false}
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {
			iosEndpoint("e1", "u1", opted),
			iosEndpoint("e2", "u1", notOpted),
			iosEndpoint("e3", "u1", nil), // no toggle at all
		},
	}}
	apns, fcm, web := &fakeSender{}, &fakeSender{}, &fakeWebSender{}
	d := newTestDispatcher(st, apns, fcm, web)

	res, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if got := res.Sent + res.Failed; got != 1 {
		t.Fatalf("only the opted-in endpoint is eligible, got %d attempts", got)
	}
}

func TestSendToUserAlwaysSendBypassesToggles(t *testing.T) {
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {
			iosEndpoint("e1", "u1", map[string]bool{"account": false}),
			iosEndpoint("e2", "u1", nil),
		},
	}}
	apns, fcm, web := &fakeSender{}, &fakeSender{}, &fakeWebSender{}
	d := newTestDispatcher(st, apns, fcm, web)

	res, err := d.SendToUser(context.Background(), "u1", "account", push.Payload{Title: "Notice"})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if res.Sent != 2 {
		t.Fatalf("always-send category must reach all endpoints, got %+v", res)
	}
}

func TestSendToUserPartialFailureIsolation(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {
			webEndpoint("e1", "u1", cats),
			iosEndpoint("e2", "u1", cats),
			androidEndpoint("e3", "u1", cats),
		},
	}}
	apns := &fakeSender{}
	fcm := &fakeSender{results: []push.DeliveryResult{{StatusCode: 500, Reason: "Internal"}}}
	web := &fakeWebSender{}
	d := newTestDispatcher(st, apns, fcm, web)

	res, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 sent / 1 failed, got %+v", res)
	}
	if res.Sent+res.Failed != 3 {
		t.Fatalf("sent+failed must equal eligible endpoints, got %+v", res)
	}
	if !res.Success {
		t.Fatalf("success must be true when at least one endpoint took the send")
	}
}

func TestSendToUserPruneOnPermanentInvalidity(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {iosEndpoint("dead", "u1", cats)},
	}}
	apns := &fakeSender{results: []push.DeliveryResult{
		{StatusCode: 410, Reason: "BadDeviceToken", ShouldPrune: true},
	}}
	d := newTestDispatcher(st, apns, &fakeSender{}, &fakeWebSender{})

	if _, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{}); err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if len(st.deleted) != 1 || st.deleted[0] != "dead" {
		t.Fatalf("pruned endpoints = %v, want [dead]", st.deleted)
	}
}

func TestSendToUserTransientFailureDoesNotPrune(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {iosEndpoint("e1", "u1", cats)},
	}}
	apns := &fakeSender{results: []push.DeliveryResult{
		{StatusCode: 500, Reason: "InternalServerError"},
	}}
	d := newTestDispatcher(st, apns, &fakeSender{}, &fakeWebSender{})

	if _, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{}); err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if len(st.deleted) != 0 {
		t.Fatalf("transient failure must not prune, deleted %v", st.deleted)
	}
}

func TestSendToUserPruneFailureDoesNotPropagate(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("dead", "u1", cats)},
		},
		deleteErr: errors.New("db down"),
	}
	apns := &fakeSender{results: []push.DeliveryResult{
		{StatusCode: 410, Reason: "BadDeviceToken", ShouldPrune: true},
	}}
	d := newTestDispatcher(st, apns, &fakeSender{}, &fakeWebSender{})

	res, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("prune failure must not fail the send: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}
}

func TestSendToUserUnknownCategory(t *testing.T) {
	st := &fakeStore{}
	d := newTestDispatcher(st, &fakeSender{}, &fakeSender{}, &fakeWebSender{})

	_, err := d.SendToUser(context.Background(), "u1", "no_such_category", push.Payload{})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestSendToUserUnknownPlatformCountsFailed(t *testing.T) {
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {{
			ID: "e1", UserID: "u1", Platform: "blackberry",
			Categories: map[string]bool{"journal_reminder": true},
		}},
	}}
	d := newTestDispatcher(st, &fakeSender{}, &fakeSender{}, &fakeWebSender{})

	res, err := d.SendToUser(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("unknown platform must count as failed, got %+v", res)
	}
	if len(st.deleted) != 0 {
		t.Fatalf("unknown platform must not prune")
	}
}

func TestSendToUserExpiredDeadlineStopsIssuing(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {iosEndpoint("e1", "u1", cats), iosEndpoint("e2", "u1", cats)},
	}}
	apns := &fakeSender{}
	d := newTestDispatcher(st, apns, &fakeSender{}, &fakeWebSender{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.SendToUser(ctx, "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if res.Sent != 0 || res.Failed != 0 {
		t.Fatalf("no sends must be issued after the deadline, got %+v", res)
	}
	if apns.callCount() != 0 {
		t.Fatalf("transport invoked %d times after deadline", apns.callCount())
	}
}

func TestSendToUserPayloadTemplateMerge(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{endpoints: map[string][]push.DeviceEndpoint{
		"u1": {iosEndpoint("e1", "u1", cats)},
	}}
	apns := &fakeSender{}
	d := newTestDispatcher(st, apns, &fakeSender{}, &fakeWebSender{})

	_, err := d.SendToUser(context.Background(), "u1", "journal_reminder",
		push.Payload{Body: "Custom body"})
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}

	got := apns.last
	if got.Title != "Journal check-in" {
		t.Fatalf("missing title must fall back to template, got %q", got.Title)
	}
	if got.Body != "Custom body" {
		t.Fatalf("caller body must win, got %q", got.Body)
	}
	if got.Data["category"] != "journal_reminder" {
		t.Fatalf("category must be injected into data, got %v", got.Data)
	}
	if got.Data["link"] != "/journal/new" {
		t.Fatalf("default deep link must be injected, got %v", got.Data)
	}
}

// --------------------------------------------------------------------------
// SendToAll
// --------------------------------------------------------------------------

func TestSendToAllSumsAcrossUsers(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		users: []string{"u1", "u2", "u3"},
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("e1", "u1", cats)},
			"u2": {iosEndpoint("e2", "u2", cats), androidEndpoint("e3", "u2", cats)},
			"u3": {}, // no endpoints
		},
	}
	d := newTestDispatcher(st, &fakeSender{}, &fakeSender{}, &fakeWebSender{})

	res, err := d.SendToAll(context.Background(), "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendToAll: %v", err)
	}
	if res.Sent != 3 || res.Failed != 0 {
		t.Fatalf("expected 3 sent across users, got %+v", res)
	}
}

// --------------------------------------------------------------------------
// Policy-aware engine
// --------------------------------------------------------------------------

func newTestEngine(st *fakeStore, apns, fcm *fakeSender, web *fakeWebSender) *Engine {
	pe := policy.NewEngine(testCatalog, st)
	d := newTestDispatcher(st, apns, fcm, web)
	return NewEngine(pe, d, st, time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEngineDisabledPreferenceSkips(t *testing.T) {
	disabled := false
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("e1", "u1", cats)},
		},
		pref: &policy.Preference{Enabled: &disabled},
	}
	apns := &fakeSender{}
	e := newTestEngine(st, apns, &fakeSender{}, &fakeWebSender{})

	out, err := e.SendCategory(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendCategory: %v", err)
	}
	if out.Decision != DecisionDisabled {
		t.Fatalf("decision = %v, want %v", out.Decision, DecisionDisabled)
	}
	if apns.callCount() != 0 {
		t.Fatalf("disabled preference must skip all transports")
	}
}

func TestEngineQuietWindowSkips(t *testing.T) {
	start, end := "00:00", "23:59"
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("e1", "u1", cats)},
		},
		pref: &policy.Preference{QuietStart: &start, QuietEnd: &end},
	}
	apns := &fakeSender{}
	e := newTestEngine(st, apns, &fakeSender{}, &fakeWebSender{})
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	out, err := e.SendCategory(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendCategory: %v", err)
	}
	if out.Decision != DecisionQuiet {
		t.Fatalf("decision = %v, want %v", out.Decision, DecisionQuiet)
	}
	if apns.callCount() != 0 {
		t.Fatalf("quiet window must skip all transports")
	}
}

func TestEngineCooldownSkips(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("e1", "u1", cats)},
		},
		sentSince: true,
	}
	e := newTestEngine(st, &fakeSender{}, &fakeSender{}, &fakeWebSender{})

	out, err := e.SendCategory(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendCategory: %v", err)
	}
	if out.Decision != DecisionCooldown {
		t.Fatalf("decision = %v, want %v", out.Decision, DecisionCooldown)
	}
}

func TestEngineRecordsHistoryOnSuccess(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("e1", "u1", cats)},
		},
	}
	e := newTestEngine(st, &fakeSender{}, &fakeSender{}, &fakeWebSender{})

	out, err := e.SendCategory(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendCategory: %v", err)
	}
	if out.Decision != DecisionSent {
		t.Fatalf("decision = %v, want %v", out.Decision, DecisionSent)
	}
	if len(st.history) != 1 || st.history[0].status != "sent" {
		t.Fatalf("history = %v, want one sent row", st.history)
	}
}

func TestEngineNoHistoryWhenAllEndpointsFail(t *testing.T) {
	cats := map[string]bool{"journal_reminder": true}
	st := &fakeStore{
		endpoints: map[string][]push.DeviceEndpoint{
			"u1": {iosEndpoint("e1", "u1", cats)},
		},
	}
	apns := &fakeSender{results: []push.DeliveryResult{{StatusCode: 500, Reason: "Internal"}}}
	e := newTestEngine(st, apns, &fakeSender{}, &fakeWebSender{})

	out, err := e.SendCategory(context.Background(), "u1", "journal_reminder", push.Payload{})
	if err != nil {
		t.Fatalf("SendCategory: %v", err)
	}
	if out.Decision != DecisionFailed {
		t.Fatalf("decision = %v, want %v", out.Decision, DecisionFailed)
	}
	if len(st.history) != 0 {
		t.Fatalf("fully failed attempt must not be recorded as sent, got %v", st.history)
	}
}

func TestEngineUnknownCategory(t *testing.T) {
	e := newTestEngine(&fakeStore{}, &fakeSender{}, &fakeSender{}, &fakeWebSender{})

	_, err := e.SendCategory(context.Background(), "u1", "no_such_category", push.Payload{})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}
