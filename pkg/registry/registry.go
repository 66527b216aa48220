// Package registry tracks live WebSocket sessions with Woly node agents.
//
// Nodes connect outbound and hold a persistent session — no inbound ports
// required on nodes. The registry authenticates the upgrade, performs the
// register handshake, fans host reports into the aggregator, forwards
// command results onto its native emitter, and tracks heartbeats so
// GetNodeStatus can answer online/offline without touching the socket.
package registry

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/protocol"
)

// HostSink receives host reports from node sessions. Implemented by the
// host aggregator.
type HostSink interface {
	OnHostDiscovered(ctx context.Context, nodeID string, report *protocol.HostReport) error
	OnHostUpdated(ctx context.Context, nodeID string, report *protocol.HostReport) error
	OnHostRemoved(ctx context.Context, nodeID, name string) error
	MarkNodeHostsUnreachable(ctx context.Context, nodeID string) (int, error)
}

// Config controls session authentication and liveness tracking.
type Config struct {
	// AuthToken, when non-empty, is required as a Bearer token on the
	// upgrade request.
	AuthToken string
	// HeartbeatInterval is what agents are expected to send.
	HeartbeatInterval time.Duration
	// NodeTimeout is the heartbeat age past which a node counts as
	// offline. Must be at least 2x HeartbeatInterval.
	NodeTimeout time.Duration
	// WriteTimeout bounds a single command write to a session socket.
	WriteTimeout time.Duration
	// MaxNodes caps concurrent sessions.
	MaxNodes int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 2 * c.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 1000
	}
}

// session is one live node connection.
type session struct {
	nodeID      string
	conn        *websocket.Conn
	location    string
	version     string
	remoteAddr  string
	connectedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
}

func (s *session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *session) heartbeatAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

// Registry is the node session server.
type Registry struct {
	config Config
	logger *slog.Logger
	sink   HostSink
	events *bus.Bus

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a registry. The emitter is the registry's native event bus
// (node-connected, node-disconnected, command-result, scan-complete),
// consumed by the router and the plugin bridge.
func New(config Config, sink HostSink, events *bus.Bus, logger *slog.Logger) *Registry {
	config.applyDefaults()
	return &Registry{
		config:   config,
		logger:   logger.With("component", "node-registry"),
		sink:     sink,
		events:   events,
		sessions: make(map[string]*session),
	}
}

// Events exposes the native emitter.
func (r *Registry) Events() *bus.Bus { return r.events }

// Handler returns the WebSocket upgrade handler to mount (e.g. /ws/node).
func (r *Registry) Handler() http.HandlerFunc {
	return r.handleNodeConnect
}

// IsNodeConnected reports whether a live session exists for the node.
func (r *Registry) IsNodeConnected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[nodeID]
	return ok
}

// GetNodeStatus returns "online" when the node has a live session with a
// fresh heartbeat, "offline" otherwise.
func (r *Registry) GetNodeStatus(nodeID string) string {
	r.mu.RLock()
	sess, ok := r.sessions[nodeID]
	r.mu.RUnlock()
	if ok && sess.heartbeatAge() <= r.config.NodeTimeout {
		return "online"
	}
	return "offline"
}

// GetConnectedNodes returns the ids of all live sessions.
func (r *Registry) GetConnectedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// NodeLocation returns the location a node registered with.
func (r *Registry) NodeLocation(nodeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[nodeID]; ok {
		return sess.location
	}
	return ""
}

// SendCommand writes a command envelope to a node's session. Best-effort
// and bounded by the configured write timeout; it never blocks on the
// node's processing. Returns an error if the node has no session or the
// socket write fails.
func (r *Registry) SendCommand(nodeID string, env protocol.Envelope) error {
	r.mu.RLock()
	sess, ok := r.sessions[nodeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %s is not connected", nodeID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, sess.conn, env); err != nil {
		return fmt.Errorf("write to node %s: %w", nodeID, err)
	}
	return nil
}

// Shutdown closes every live session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, sess := range r.sessions {
		sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()
}

// ------------------------------------------------------------------
// Session lifecycle
// ------------------------------------------------------------------

func (r *Registry) handleNodeConnect(w http.ResponseWriter, req *http.Request) {
	if r.config.AuthToken != "" {
		token := req.Header.Get("Authorization")
		expected := "Bearer " + r.config.AuthToken
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx := req.Context()
	var regMsg protocol.Envelope
	if err := wsjson.Read(ctx, conn, &regMsg); err != nil {
		r.logger.Error("failed to read registration", "error", err)
		conn.Close(websocket.StatusProtocolError, "registration failed")
		return
	}
	if regMsg.Type != protocol.MsgRegister {
		conn.Close(websocket.StatusProtocolError, "expected register message")
		return
	}
	if regMsg.NodeID == "" {
		conn.Close(websocket.StatusProtocolError, "nodeId required")
		return
	}

	var reg protocol.RegisterPayload
	if regMsg.Data != nil {
		json.Unmarshal(regMsg.Data, &reg)
	}

	r.mu.Lock()
	if len(r.sessions) >= r.config.MaxNodes {
		r.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "max nodes reached")
		return
	}
	// A reconnecting node replaces its stale session.
	if existing, ok := r.sessions[regMsg.NodeID]; ok {
		existing.conn.Close(websocket.StatusGoingAway, "reconnecting")
		r.logger.Info("replacing stale session", "nodeId", regMsg.NodeID)
	}
	sess := &session{
		nodeID:        regMsg.NodeID,
		conn:          conn,
		location:      reg.Location,
		version:       reg.Version,
		remoteAddr:    req.RemoteAddr,
		connectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
	}
	r.sessions[regMsg.NodeID] = sess
	r.mu.Unlock()

	r.logger.Info("node connected",
		"nodeId", regMsg.NodeID,
		"location", reg.Location,
		"version", reg.Version,
		"remoteAddr", req.RemoteAddr,
	)

	wsjson.Write(ctx, conn, protocol.Envelope{
		Type:      protocol.MsgRegistered,
		NodeID:    regMsg.NodeID,
		Timestamp: time.Now().UTC(),
	})

	r.events.Publish(bus.Event{
		Type: bus.NativeNodeConnected,
		Data: NodeEvent{NodeID: regMsg.NodeID, Location: reg.Location},
	})

	r.readLoop(ctx, sess)

	// Cleanup, guarding against a replacement session having taken over.
	r.mu.Lock()
	if current, ok := r.sessions[sess.nodeID]; ok && current == sess {
		delete(r.sessions, sess.nodeID)
	}
	r.mu.Unlock()

	if n, err := r.sink.MarkNodeHostsUnreachable(context.Background(), sess.nodeID); err != nil {
		r.logger.Error("failed to mark node hosts unreachable", "nodeId", sess.nodeID, "error", err)
	} else if n > 0 {
		r.logger.Info("node hosts marked asleep on disconnect", "nodeId", sess.nodeID, "count", n)
	}

	r.logger.Info("node disconnected", "nodeId", sess.nodeID)
	r.events.Publish(bus.Event{
		Type: bus.NativeNodeDisconnected,
		Data: NodeEvent{NodeID: sess.nodeID, Location: sess.location},
	})
}

func (r *Registry) readLoop(ctx context.Context, sess *session) {
	for {
		var msg protocol.Envelope
		if err := wsjson.Read(ctx, sess.conn, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				r.logger.Debug("node session closed", "nodeId", sess.nodeID)
			} else {
				r.logger.Error("error reading from node", "nodeId", sess.nodeID, "error", err)
			}
			return
		}
		r.dispatch(ctx, sess, msg)
	}
}

func (r *Registry) dispatch(ctx context.Context, sess *session, msg protocol.Envelope) {
	switch msg.Type {
	case protocol.MsgHeartbeat:
		sess.touchHeartbeat()

	case protocol.MsgCommandResult:
		var result protocol.CommandResult
		if msg.Data != nil {
			if err := json.Unmarshal(msg.Data, &result); err != nil {
				r.logger.Warn("malformed command result", "nodeId", sess.nodeID, "error", err)
				return
			}
		}
		if result.CommandID == "" {
			result.CommandID = msg.CommandID
		}
		r.events.Publish(bus.Event{
			Type: bus.NativeCommandResult,
			Data: CommandResultEvent{NodeID: sess.nodeID, Result: &result},
		})

	case protocol.MsgHostDiscovered:
		var report protocol.HostReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			r.logger.Warn("malformed host-discovered", "nodeId", sess.nodeID, "error", err)
			return
		}
		r.applyLocation(sess, &report)
		if err := r.sink.OnHostDiscovered(ctx, sess.nodeID, &report); err != nil {
			r.logger.Error("host-discovered handling failed", "nodeId", sess.nodeID, "host", report.Name, "error", err)
		}

	case protocol.MsgHostUpdated:
		var report protocol.HostReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			r.logger.Warn("malformed host-updated", "nodeId", sess.nodeID, "error", err)
			return
		}
		r.applyLocation(sess, &report)
		if err := r.sink.OnHostUpdated(ctx, sess.nodeID, &report); err != nil {
			r.logger.Error("host-updated handling failed", "nodeId", sess.nodeID, "host", report.Name, "error", err)
		}

	case protocol.MsgHostRemoved:
		var removed protocol.HostRemovedReport
		if err := json.Unmarshal(msg.Data, &removed); err != nil {
			r.logger.Warn("malformed host-removed", "nodeId", sess.nodeID, "error", err)
			return
		}
		if err := r.sink.OnHostRemoved(ctx, sess.nodeID, removed.Name); err != nil {
			r.logger.Error("host-removed handling failed", "nodeId", sess.nodeID, "host", removed.Name, "error", err)
		}

	case protocol.MsgScanComplete:
		var scan protocol.ScanCompleteReport
		if msg.Data != nil {
			json.Unmarshal(msg.Data, &scan)
		}
		r.logger.Info("node scan complete", "nodeId", sess.nodeID, "hostCount", scan.HostCount)
		r.events.Publish(bus.Event{
			Type: bus.NativeScanComplete,
			Data: ScanCompleteEvent{NodeID: sess.nodeID, HostCount: scan.HostCount},
		})

	default:
		r.logger.Debug("unknown message type from node", "type", msg.Type, "nodeId", sess.nodeID)
	}
}

// applyLocation fills a report's location from the session registration when
// the agent omitted it per-host.
func (r *Registry) applyLocation(sess *session, report *protocol.HostReport) {
	if report.Location == "" {
		report.Location = sess.location
	}
}

// ------------------------------------------------------------------
// Native emitter payloads
// ------------------------------------------------------------------

// NodeEvent is the payload for node-connected / node-disconnected.
type NodeEvent struct {
	NodeID   string `json:"nodeId"`
	Location string `json:"location,omitempty"`
}

// CommandResultEvent wraps an inbound command result with its origin node.
type CommandResultEvent struct {
	NodeID string                  `json:"nodeId"`
	Result *protocol.CommandResult `json:"result"`
}

// ScanCompleteEvent is the payload for scan-complete.
type ScanCompleteEvent struct {
	NodeID    string `json:"nodeId"`
	HostCount int    `json:"hostCount"`
}
