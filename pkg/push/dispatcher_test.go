package push

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/hosts"
	"github.com/woly-net/woly/pkg/protocol"
	"github.com/woly-net/woly/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPushStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "push.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeProvider records sends and returns a canned result.
type fakeProvider struct {
	mu     sync.Mutex
	sent   []string
	msgs   []Message
	result Result
}

func (f *fakeProvider) Send(_ context.Context, token string, msg Message) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, token)
	f.msgs = append(f.msgs, msg)
	return f.result
}

func (f *fakeProvider) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestInQuietHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 3, 14, hour, 30, 0, 0, time.UTC)
	}
	cases := []struct {
		name string
		q    *QuietHours
		now  time.Time
		want bool
	}{
		{"no window", nil, at(3), false},
		{"inside simple window", &QuietHours{StartHour: 9, EndHour: 17}, at(10), true},
		{"end hour is exclusive", &QuietHours{StartHour: 9, EndHour: 17}, at(17), false},
		{"before simple window", &QuietHours{StartHour: 9, EndHour: 17}, at(8), false},
		{"wrap: late evening", &QuietHours{StartHour: 22, EndHour: 7}, at(23), true},
		{"wrap: early morning", &QuietHours{StartHour: 22, EndHour: 7}, at(3), true},
		{"wrap: midday", &QuietHours{StartHour: 22, EndHour: 7}, at(12), false},
		{"start equals end means all day", &QuietHours{StartHour: 5, EndHour: 5}, at(12), true},
		{"bad timezone falls back to UTC", &QuietHours{StartHour: 9, EndHour: 17, Timezone: "Not/AZone"}, at(10), true},
	}
	for _, tc := range cases {
		if got := inQuietHours(tc.q, tc.now); got != tc.want {
			t.Errorf("%s: inQuietHours = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPreferences_Wants(t *testing.T) {
	disabled := &Preferences{UserID: "u", Enabled: false}
	if disabled.Wants(EventHostAwake) {
		t.Error("disabled preferences must want nothing")
	}

	all := DefaultPreferences("u")
	for _, ev := range []string{EventHostAwake, EventHostAsleep, EventScanComplete, EventNodeOffline, EventScheduledWake} {
		if !all.Wants(ev) {
			t.Errorf("default preferences should want %s", ev)
		}
	}

	scoped := &Preferences{UserID: "u", Enabled: true, Events: []string{EventHostAwake}}
	if !scoped.Wants(EventHostAwake) || scoped.Wants(EventHostAsleep) {
		t.Error("scoped preferences filter by event list")
	}
}

func TestBuildMessage(t *testing.T) {
	cases := []struct {
		name      string
		ev        bus.Event
		wantEvent string
		wantTitle string
		wantOK    bool
	}{
		{
			name: "transition to awake",
			ev: bus.Event{Type: bus.EventHostStatusTransition, Data: hosts.StatusTransitionEvent{
				HostFQN: "desktop@lab-node-1", OldStatus: protocol.HostAsleep, NewStatus: protocol.HostAwake,
			}},
			wantEvent: EventHostAwake, wantTitle: "Host Awake", wantOK: true,
		},
		{
			name: "transition to asleep",
			ev: bus.Event{Type: bus.EventHostStatusTransition, Data: hosts.StatusTransitionEvent{
				HostFQN: "desktop@lab-node-1", OldStatus: protocol.HostAwake, NewStatus: protocol.HostAsleep,
			}},
			wantEvent: EventHostAsleep, wantTitle: "Host Asleep", wantOK: true,
		},
		{
			name:      "scan complete",
			ev:        bus.Event{Type: bus.EventScanComplete, Data: registry.ScanCompleteEvent{NodeID: "node-1", HostCount: 4}},
			wantEvent: EventScanComplete, wantTitle: "Scan Complete", wantOK: true,
		},
		{
			name:      "node disconnected",
			ev:        bus.Event{Type: bus.EventNodeDisconnected, Data: registry.NodeEvent{NodeID: "node-1"}},
			wantEvent: EventNodeOffline, wantTitle: "Node Offline", wantOK: true,
		},
		{
			name:      "scheduled wake",
			ev:        bus.Event{Type: EventScheduledWake, Data: map[string]string{"fqn": "desktop@lab-node-1"}},
			wantEvent: EventScheduledWake, wantTitle: "Scheduled Wake", wantOK: true,
		},
		{
			name:   "unrelated event",
			ev:     bus.Event{Type: bus.EventHostDiscovered, Data: nil},
			wantOK: false,
		},
		{
			name:   "malformed transition payload",
			ev:     bus.Event{Type: bus.EventHostStatusTransition, Data: "nope"},
			wantOK: false,
		},
	}

	for _, tc := range cases {
		event, msg, ok := buildMessage(tc.ev)
		if ok != tc.wantOK {
			t.Errorf("%s: ok = %v, want %v", tc.name, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if event != tc.wantEvent {
			t.Errorf("%s: event = %q, want %q", tc.name, event, tc.wantEvent)
		}
		if msg.Title != tc.wantTitle {
			t.Errorf("%s: title = %q, want %q", tc.name, msg.Title, tc.wantTitle)
		}
	}
}

func TestDeliver_RoutesByPlatformAndPreferences(t *testing.T) {
	store := newPushStore(t)
	ctx := context.Background()

	store.RegisterDevice(ctx, "alice", PlatformAndroid, "tok-android")
	store.RegisterDevice(ctx, "alice", PlatformIOS, "tok-ios")
	store.RegisterDevice(ctx, "bob", PlatformAndroid, "tok-bob")
	store.SavePreferences(ctx, &Preferences{UserID: "bob", Enabled: false})

	fcm := &fakeProvider{result: Result{Success: true}}
	apns := &fakeProvider{result: Result{Success: true}}
	d := NewDispatcher(store, fcm, apns, testLogger())

	d.deliver(EventHostAwake, Message{Title: "Host Awake", Body: "desktop@lab-node-1 is now awake"})

	if got := fcm.tokens(); len(got) != 1 || got[0] != "tok-android" {
		t.Errorf("fcm sends = %v, want [tok-android]", got)
	}
	if got := apns.tokens(); len(got) != 1 || got[0] != "tok-ios" {
		t.Errorf("apns sends = %v, want [tok-ios]", got)
	}
}

func TestDeliver_SuppressedByQuietHours(t *testing.T) {
	store := newPushStore(t)
	ctx := context.Background()

	store.RegisterDevice(ctx, "alice", PlatformAndroid, "tok-android")
	store.SavePreferences(ctx, &Preferences{
		UserID:     "alice",
		Enabled:    true,
		QuietHours: &QuietHours{StartHour: 22, EndHour: 7},
	})

	fcm := &fakeProvider{result: Result{Success: true}}
	d := NewDispatcher(store, fcm, nil, testLogger())
	d.now = func() time.Time { return time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC) }

	d.deliver(EventHostAwake, Message{Title: "Host Awake"})
	if got := fcm.tokens(); len(got) != 0 {
		t.Errorf("sends during quiet hours = %v, want none", got)
	}

	d.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	d.deliver(EventHostAwake, Message{Title: "Host Awake"})
	if got := fcm.tokens(); len(got) != 1 {
		t.Errorf("sends outside quiet hours = %v, want one", got)
	}
}

func TestDeliver_PermanentFailurePrunesToken(t *testing.T) {
	store := newPushStore(t)
	ctx := context.Background()

	store.RegisterDevice(ctx, "alice", PlatformAndroid, "tok-dead")

	fcm := &fakeProvider{result: Result{StatusCode: 410, Error: "NotRegistered", PermanentFailure: true}}
	d := NewDispatcher(store, fcm, nil, testLogger())

	d.deliver(EventHostAwake, Message{Title: "Host Awake"})

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("devices after permanent failure = %d, want 0", len(devices))
	}
}

func TestRegisterDevice_TokenUpsertMovesUser(t *testing.T) {
	store := newPushStore(t)
	ctx := context.Background()

	if _, err := store.RegisterDevice(ctx, "alice", PlatformAndroid, "tok-1"); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	dev, err := store.RegisterDevice(ctx, "bob", PlatformIOS, "tok-1")
	if err != nil {
		t.Fatalf("RegisterDevice (upsert): %v", err)
	}
	if dev.UserID != "bob" || dev.Platform != PlatformIOS {
		t.Errorf("upserted device = %+v, want bob/ios", dev)
	}

	all, _ := store.ListDevices(ctx)
	if len(all) != 1 {
		t.Errorf("devices = %d, want 1 (token is unique)", len(all))
	}

	if _, err := store.RegisterDevice(ctx, "x", Platform("windows"), "tok-2"); err == nil {
		t.Error("expected error for unsupported platform")
	}
}

func TestPreferences_RoundTripAndValidation(t *testing.T) {
	store := newPushStore(t)
	ctx := context.Background()

	// Unknown users get the defaults.
	prefs, err := store.GetPreferences(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if !prefs.Enabled || len(prefs.Events) != 0 || prefs.QuietHours != nil {
		t.Errorf("defaults = %+v", prefs)
	}

	want := &Preferences{
		UserID:     "alice",
		Enabled:    true,
		Events:     []string{EventHostAwake, EventNodeOffline},
		QuietHours: &QuietHours{StartHour: 23, EndHour: 6, Timezone: "Europe/Berlin"},
	}
	if err := store.SavePreferences(ctx, want); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}

	got, err := store.GetPreferences(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if len(got.Events) != 2 || got.Events[0] != EventHostAwake {
		t.Errorf("events = %v", got.Events)
	}
	if got.QuietHours == nil || got.QuietHours.StartHour != 23 || got.QuietHours.Timezone != "Europe/Berlin" {
		t.Errorf("quietHours = %+v", got.QuietHours)
	}

	bad := &Preferences{UserID: "alice", Enabled: true, QuietHours: &QuietHours{StartHour: 24, EndHour: 6}}
	if err := store.SavePreferences(ctx, bad); err == nil {
		t.Error("expected error for out-of-range quiet hours")
	}
}
