package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/command"
	"github.com/woly-net/woly/pkg/hosts"
	"github.com/woly-net/woly/pkg/protocol"
	"github.com/woly-net/woly/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry is an in-memory NodeRegistry. The onSend hook lets a test
// script the node's reply.
type fakeRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []protocol.Envelope
	sendErr   error
	onSend    func(nodeID string, env protocol.Envelope)
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{connected: make(map[string]bool)}
}

func (f *fakeRegistry) setConnected(nodeID string, up bool) {
	f.mu.Lock()
	f.connected[nodeID] = up
	f.mu.Unlock()
}

func (f *fakeRegistry) IsNodeConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[nodeID]
}

func (f *fakeRegistry) GetNodeStatus(nodeID string) string {
	if f.IsNodeConnected(nodeID) {
		return "online"
	}
	return "offline"
}

func (f *fakeRegistry) GetConnectedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, up := range f.connected {
		if up {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeRegistry) SendCommand(nodeID string, env protocol.Envelope) error {
	f.mu.Lock()
	if !f.connected[nodeID] {
		f.mu.Unlock()
		return errors.New("node " + nodeID + " is not connected")
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		go hook(nodeID, env)
	}
	return nil
}

func (f *fakeRegistry) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeHostDir serves canned aggregated hosts.
type fakeHostDir struct {
	mu        sync.Mutex
	hosts     map[string]*hosts.Host
	removed   []string
	snapshots map[string][]int
}

func newFakeHostDir() *fakeHostDir {
	return &fakeHostDir{hosts: make(map[string]*hosts.Host), snapshots: make(map[string][]int)}
}

func (f *fakeHostDir) add(h *hosts.Host) {
	f.mu.Lock()
	f.hosts[h.FullyQualifiedName] = h
	f.mu.Unlock()
}

func (f *fakeHostDir) GetHostByFQN(ctx context.Context, fqn string) (*hosts.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[fqn]
	if !ok {
		return nil, hosts.ErrNotFound
	}
	return h, nil
}

func (f *fakeHostDir) OnHostRemoved(ctx context.Context, nodeID, name string) error {
	f.mu.Lock()
	f.removed = append(f.removed, nodeID+"/"+name)
	f.mu.Unlock()
	return nil
}

func (f *fakeHostDir) SaveHostPortScanSnapshot(ctx context.Context, fqn string, openPorts []int, scannedAt time.Time) error {
	f.mu.Lock()
	f.snapshots[fqn] = openPorts
	f.mu.Unlock()
	return nil
}

func labHost() *hosts.Host {
	return &hosts.Host{
		ID:                 1,
		NodeID:             "node-1",
		Name:               "desktop",
		MAC:                "aa:bb:cc:dd:ee:ff",
		IP:                 "192.168.1.10",
		Status:             protocol.HostAsleep,
		Location:           "lab",
		FullyQualifiedName: "desktop@lab-node-1",
	}
}

type testStack struct {
	router     *Router
	reg        *fakeRegistry
	dir        *fakeHostDir
	store      command.Store
	nodeEvents *bus.Bus
	central    *bus.Bus
}

func newTestStack(t *testing.T, cfg Config) *testStack {
	t.Helper()
	store := command.NewMemoryStore()
	reg := newFakeRegistry()
	dir := newFakeHostDir()
	dir.add(labHost())
	nodeEvents := bus.New(testLogger())
	central := bus.New(testLogger())

	r := New(cfg, store, dir, reg, nodeEvents, central, testLogger())
	r.Start()
	t.Cleanup(r.Shutdown)

	return &testStack{router: r, reg: reg, dir: dir, store: store, nodeEvents: nodeEvents, central: central}
}

// replySuccess scripts the node to acknowledge every command.
func (s *testStack) replySuccess(delay time.Duration) {
	s.reg.onSend = func(nodeID string, env protocol.Envelope) {
		time.Sleep(delay)
		s.nodeEvents.Publish(bus.Event{
			Type: bus.NativeCommandResult,
			Data: registry.CommandResultEvent{
				NodeID: nodeID,
				Result: &protocol.CommandResult{CommandID: env.CommandID, Success: true},
			},
		})
	}
}

func waitForState(t *testing.T, store command.Store, id string, want command.State) *command.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.FindByID(context.Background(), id)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := store.FindByID(context.Background(), id)
	t.Fatalf("command %s never reached %s (last: %+v)", id, want, rec)
	return nil
}

func TestRouteWake_OnlineSuccess(t *testing.T) {
	s := newTestStack(t, Config{})
	s.reg.setConnected("node-1", true)
	s.replySuccess(10 * time.Millisecond)

	resp, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{})
	if err != nil {
		t.Fatalf("RouteWake: %v", err)
	}
	if !resp.Success || resp.State != command.StateAcknowledged {
		t.Errorf("response = %+v, want acknowledged success", resp)
	}
	if resp.Message != "Wake-on-LAN packet sent to desktop@lab-node-1" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.NodeID != "node-1" || resp.Location != "lab" {
		t.Errorf("nodeId/location = %q/%q", resp.NodeID, resp.Location)
	}

	rec := waitForState(t, s.store, resp.CommandID, command.StateAcknowledged)
	if rec.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", rec.RetryCount)
	}
}

func TestRouteWake_OfflineQueues(t *testing.T) {
	s := newTestStack(t, Config{})

	start := time.Now()
	resp, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{})
	if err != nil {
		t.Fatalf("RouteWake: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("offline short-circuit took %s", elapsed)
	}

	if resp.State != command.StateQueued || !resp.Success {
		t.Errorf("response = %+v, want queued success", resp)
	}
	if resp.Message != "Command queued (node offline)" {
		t.Errorf("message = %q", resp.Message)
	}
	if n := s.router.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0 (no waiter for offline queue)", n)
	}

	rec, err := s.store.FindByID(context.Background(), resp.CommandID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if rec.State != command.StateQueued {
		t.Errorf("stored state = %q, want queued", rec.State)
	}
}

func TestReconnectFlush_DispatchesQueued(t *testing.T) {
	s := newTestStack(t, Config{})

	resp, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{})
	if err != nil {
		t.Fatalf("RouteWake: %v", err)
	}

	s.reg.setConnected("node-1", true)
	s.replySuccess(10 * time.Millisecond)
	s.nodeEvents.Publish(bus.Event{Type: bus.NativeNodeConnected, Data: registry.NodeEvent{NodeID: "node-1"}})

	waitForState(t, s.store, resp.CommandID, command.StateAcknowledged)
}

func TestReconnectFlush_ExpiresOldCommands(t *testing.T) {
	s := newTestStack(t, Config{OfflineCommandTTL: 30 * time.Millisecond})

	resp, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{})
	if err != nil {
		t.Fatalf("RouteWake: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	s.reg.setConnected("node-1", true)
	s.nodeEvents.Publish(bus.Event{Type: bus.NativeNodeConnected, Data: registry.NodeEvent{NodeID: "node-1"}})

	rec := waitForState(t, s.store, resp.CommandID, command.StateFailed)
	if rec.Error != "Command expired in offline queue" {
		t.Errorf("error = %q", rec.Error)
	}
	if s.reg.sentCount() != 0 {
		t.Errorf("expired command was dispatched")
	}
}

func TestRouteWake_Timeout(t *testing.T) {
	s := newTestStack(t, Config{CommandTimeout: 50 * time.Millisecond})
	s.reg.setConnected("node-1", true)
	// Node never replies.

	_, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout", err)
	}

	recent, _ := s.store.ListRecent(context.Background(), 1, "node-1")
	if len(recent) != 1 || recent[0].State != command.StateTimedOut {
		t.Errorf("stored state = %+v, want timed_out", recent)
	}
}

func TestRouteWake_IdempotentDoubleSubmit(t *testing.T) {
	s := newTestStack(t, Config{})
	s.reg.setConnected("node-1", true)
	s.replySuccess(80 * time.Millisecond)

	var wg sync.WaitGroup
	responses := make([]*Response, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i], errs[i] = s.router.RouteWake(context.Background(), "desktop@lab-node-1",
				WakeOptions{ExecuteOptions: ExecuteOptions{IdempotencyKey: "op-42"}})
		}()
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !responses[i].Success || responses[i].State != command.StateAcknowledged {
			t.Errorf("caller %d response = %+v", i, responses[i])
		}
	}
	if responses[0].CommandID != responses[1].CommandID {
		t.Errorf("ids differ: %q vs %q", responses[0].CommandID, responses[1].CommandID)
	}

	recent, _ := s.store.ListRecent(context.Background(), 10, "node-1")
	if len(recent) != 1 {
		t.Errorf("store rows = %d, want 1", len(recent))
	}
}

func TestRouteWake_HostNotFound(t *testing.T) {
	s := newTestStack(t, Config{})

	_, err := s.router.RouteWake(context.Background(), "ghost@lab-node-1", WakeOptions{})
	if !errors.Is(err, ErrHostNotFound) {
		t.Errorf("error = %v, want ErrHostNotFound", err)
	}
}

func TestRoutePing_RequiresOnlineNode(t *testing.T) {
	s := newTestStack(t, Config{})

	_, err := s.router.RoutePingHost(context.Background(), "desktop@lab-node-1", ExecuteOptions{})
	if !errors.Is(err, ErrNodeOffline) {
		t.Errorf("error = %v, want ErrNodeOffline", err)
	}
}

func TestRouteDeleteHost_RemovesAggregatedRowAfterAck(t *testing.T) {
	s := newTestStack(t, Config{})
	s.reg.setConnected("node-1", true)
	s.replySuccess(10 * time.Millisecond)

	resp, err := s.router.RouteDeleteHost(context.Background(), "desktop@lab-node-1", ExecuteOptions{})
	if err != nil {
		t.Fatalf("RouteDeleteHost: %v", err)
	}
	if resp.State != command.StateAcknowledged {
		t.Fatalf("state = %q", resp.State)
	}

	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	if len(s.dir.removed) != 1 || s.dir.removed[0] != "node-1/desktop" {
		t.Errorf("removed = %v, want [node-1/desktop]", s.dir.removed)
	}
}

func TestRouteScanHosts_AggregatesPerNode(t *testing.T) {
	s := newTestStack(t, Config{})
	s.reg.setConnected("node-1", true)
	s.reg.setConnected("node-2", true)
	s.replySuccess(10 * time.Millisecond)

	resp, err := s.router.RouteScanHosts(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("RouteScanHosts: %v", err)
	}
	if len(resp.NodeResults) != 2 {
		t.Fatalf("nodeResults = %d, want 2", len(resp.NodeResults))
	}
	for _, nr := range resp.NodeResults {
		if !nr.Success {
			t.Errorf("node %s failed: %s", nr.NodeID, nr.Error)
		}
	}
	if resp.CommandID == "" {
		t.Error("aggregate commandId empty")
	}
}

func TestCalculateBackoffDelay_Bounds(t *testing.T) {
	r := New(Config{RetryBaseDelay: time.Second, CommandTimeout: 30 * time.Second},
		command.NewMemoryStore(), newFakeHostDir(), newFakeRegistry(),
		bus.New(testLogger()), bus.New(testLogger()), testLogger())

	for i := 0; i < 100; i++ {
		d := r.calculateBackoffDelay(0)
		if d < 0 || d > time.Duration(1.25*float64(time.Second)) {
			t.Fatalf("delay(0) = %s out of [0, 1.25s]", d)
		}
	}
	limit := 15 * time.Second
	for i := 0; i < 100; i++ {
		if d := r.calculateBackoffDelay(20); d > limit {
			t.Fatalf("delay(20) = %s exceeds cap %s", d, limit)
		}
	}
}

func TestRouteWake_VerifyPublishesVerificationEvent(t *testing.T) {
	s := newTestStack(t, Config{})
	s.reg.setConnected("node-1", true)
	s.replySuccess(10 * time.Millisecond)

	verifications := make(chan WakeVerificationEvent, 1)
	s.central.Subscribe(bus.EventWakeVerificationComplete, func(ev bus.Event) {
		verifications <- ev.Data.(WakeVerificationEvent)
	})

	resp, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{Verify: true})
	if err != nil {
		t.Fatalf("RouteWake: %v", err)
	}
	if resp.State != command.StateAcknowledged {
		t.Fatalf("state = %q", resp.State)
	}

	// The node's follow-up reachability check arrives as a second result
	// for the same command id.
	checkedAt := time.Now().UTC()
	s.nodeEvents.Publish(bus.Event{
		Type: bus.NativeCommandResult,
		Data: registry.CommandResultEvent{
			NodeID: "node-1",
			Result: &protocol.CommandResult{
				CommandID:        resp.CommandID,
				Success:          true,
				WakeVerification: &protocol.WakeVerification{Awake: true, CheckedAt: checkedAt},
			},
		},
	})

	select {
	case ev := <-verifications:
		if ev.HostFQN != "desktop@lab-node-1" || ev.CommandID != resp.CommandID {
			t.Errorf("verification event = %+v", ev)
		}
		if !ev.Awake || !ev.CheckedAt.Equal(checkedAt) {
			t.Errorf("verification outcome = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake verification never reached the central bus")
	}

	// The correlation is one-shot: a repeat publishes nothing.
	s.nodeEvents.Publish(bus.Event{
		Type: bus.NativeCommandResult,
		Data: registry.CommandResultEvent{
			NodeID: "node-1",
			Result: &protocol.CommandResult{
				CommandID:        resp.CommandID,
				Success:          true,
				WakeVerification: &protocol.WakeVerification{Awake: true, CheckedAt: checkedAt},
			},
		},
	})
	select {
	case ev := <-verifications:
		t.Errorf("duplicate verification published: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleCommandResult_LateResultPersistsWithoutWaiter(t *testing.T) {
	s := newTestStack(t, Config{})
	ctx := context.Background()

	// A queued row with no in-memory pending entry, as after a restart.
	if _, err := s.store.Enqueue(ctx, "cmd_late", "node-1", protocol.CommandWake,
		[]byte(`{"type":"wake","commandId":"cmd_late"}`), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.nodeEvents.Publish(bus.Event{
		Type: bus.NativeCommandResult,
		Data: registry.CommandResultEvent{
			NodeID: "node-1",
			Result: &protocol.CommandResult{CommandID: "cmd_late", Success: true},
		},
	})

	rec, err := s.store.FindByID(ctx, "cmd_late")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if rec.State != command.StateAcknowledged {
		t.Errorf("state = %q, want acknowledged", rec.State)
	}
	if n := s.router.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	// A result for an id that was never enqueued is logged and dropped.
	s.nodeEvents.Publish(bus.Event{
		Type: bus.NativeCommandResult,
		Data: registry.CommandResultEvent{
			NodeID: "node-1",
			Result: &protocol.CommandResult{CommandID: "cmd_ghost", Success: true},
		},
	})
	if _, err := s.store.FindByID(ctx, "cmd_ghost"); err == nil {
		t.Error("unknown result created a store row")
	}
}

func TestRouteWake_DispatchFailureFailsCommand(t *testing.T) {
	s := newTestStack(t, Config{})
	s.reg.setConnected("node-1", true)
	s.reg.sendErr = errors.New("session write failed")

	_, err := s.router.RouteWake(context.Background(), "desktop@lab-node-1", WakeOptions{})
	if err == nil || !strings.Contains(err.Error(), "session write failed") {
		t.Fatalf("error = %v, want session write failure", err)
	}

	recent, _ := s.store.ListRecent(context.Background(), 1, "node-1")
	if len(recent) != 1 || recent[0].State != command.StateFailed {
		t.Fatalf("stored record = %+v, want failed", recent)
	}
	if recent[0].Error != "session write failed" {
		t.Errorf("stored error = %q", recent[0].Error)
	}
	if n := s.router.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if s.reg.sentCount() != 0 {
		t.Errorf("envelope recorded despite send failure")
	}
}
