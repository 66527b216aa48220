// Package router is the operator-facing command orchestrator. Every route
// operation funnels through one dispatch pipeline: persist the command,
// short-circuit if the target node is offline (the reconnect flush picks
// it up later), otherwise register an in-memory waiter with a timeout and
// push the wire message down the node's session.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/command"
	"github.com/woly-net/woly/pkg/hosts"
	"github.com/woly-net/woly/pkg/observability"
	"github.com/woly-net/woly/pkg/protocol"
	"github.com/woly-net/woly/pkg/registry"
)

// Sentinel errors mapped to operator-facing status codes by the API layer.
var (
	// ErrHostNotFound: the FQN resolved to no aggregated host.
	ErrHostNotFound = errors.New("host not found")
	// ErrNodeOffline: the operation requires a live node session.
	ErrNodeOffline = errors.New("node is offline")
	// ErrShuttingDown rejects pending waiters during shutdown.
	ErrShuttingDown = errors.New("command router shutting down")
)

// NodeRegistry is the session layer the router dispatches through.
type NodeRegistry interface {
	IsNodeConnected(nodeID string) bool
	GetNodeStatus(nodeID string) string
	GetConnectedNodes() []string
	SendCommand(nodeID string, env protocol.Envelope) error
}

// HostDirectory is the slice of the aggregator the router needs.
type HostDirectory interface {
	GetHostByFQN(ctx context.Context, fqn string) (*hosts.Host, error)
	OnHostRemoved(ctx context.Context, nodeID, name string) error
	SaveHostPortScanSnapshot(ctx context.Context, fqn string, openPorts []int, scannedAt time.Time) error
}

// Config tunes the router's timing behaviour.
type Config struct {
	// CommandTimeout upper-bounds every in-flight command.
	CommandTimeout time.Duration
	// MaxRetries is reported in timeout messages; the router itself does
	// not retry past the reconnect flush.
	MaxRetries int
	// RetryBaseDelay is the backoff base for re-dispatches.
	RetryBaseDelay time.Duration
	// OfflineCommandTTL is the age past which a queued command is failed
	// during reconnect flush instead of dispatched.
	OfflineCommandTTL time.Duration
	// FlushBatchLimit caps rows loaded per reconnect flush.
	FlushBatchLimit int
}

func (c *Config) applyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.OfflineCommandTTL <= 0 {
		c.OfflineCommandTTL = time.Hour
	}
	if c.FlushBatchLimit <= 0 {
		c.FlushBatchLimit = 500
	}
}

// Response is the operator-facing outcome of a route operation.
type Response struct {
	CommandID     string                   `json:"commandId"`
	State         command.State            `json:"state"`
	Success       bool                     `json:"success"`
	Message       string                   `json:"message,omitempty"`
	NodeID        string                   `json:"nodeId,omitempty"`
	Location      string                   `json:"location,omitempty"`
	HostPing      *protocol.HostPingResult `json:"hostPing,omitempty"`
	HostPortScan  *protocol.PortScanResult `json:"hostPortScan,omitempty"`
	CorrelationID string                   `json:"correlationId,omitempty"`
	CompletedAt   *time.Time               `json:"completedAt,omitempty"`
}

// ExecuteOptions are the per-call knobs shared by all route operations.
type ExecuteOptions struct {
	// IdempotencyKey deduplicates repeated submissions per node. It is
	// scoped per command type before storage.
	IdempotencyKey string
	// CorrelationID is an operator trace id echoed back in the response.
	CorrelationID string
}

// WakeVerificationEvent is published on the central bus when a node's
// follow-up reachability check for a verified wake arrives.
type WakeVerificationEvent struct {
	HostFQN   string    `json:"hostFqn"`
	CommandID string    `json:"commandId"`
	Awake     bool      `json:"awake"`
	CheckedAt time.Time `json:"checkedAt"`
}

type waiterResult struct {
	resp *Response
	err  error
}

// pendingEntry tracks one in-flight command awaiting a node result.
// Reconnect-flush entries have no waiters; concurrent idempotent submits
// share one entry with multiple waiters.
type pendingEntry struct {
	commandType   protocol.CommandType
	correlationID string
	enqueuedAt    time.Time
	waiters       []chan waiterResult
	timer         *time.Timer
}

// observeDuration records enqueue-to-terminal latency.
func (e *pendingEntry) observeDuration() {
	if e.enqueuedAt.IsZero() {
		return
	}
	observability.CommandDuration.WithLabelValues(string(e.commandType)).Observe(time.Since(e.enqueuedAt).Seconds())
}

// Router owns the pending-command map, the per-command timeout timers, and
// the reconnect-flush discipline.
type Router struct {
	config   Config
	store    command.Store
	hosts    HostDirectory
	registry NodeRegistry
	// nodeEvents is the registry's native emitter (command results,
	// node-connected); central is the plugin-facing bus.
	nodeEvents *bus.Bus
	central    *bus.Bus
	logger     *slog.Logger

	mu               sync.Mutex
	pending          map[string]*pendingEntry
	flushing         map[string]struct{}
	wakeVerification map[string]string // commandId → host fqn
	closed           bool

	unsubscribe []func()
}

// New creates a router. Call Start to attach it to the registry's emitter.
func New(config Config, store command.Store, hostDir HostDirectory, reg NodeRegistry, nodeEvents, central *bus.Bus, logger *slog.Logger) *Router {
	config.applyDefaults()
	return &Router{
		config:           config,
		store:            store,
		hosts:            hostDir,
		registry:         reg,
		nodeEvents:       nodeEvents,
		central:          central,
		logger:           logger.With("component", "command-router"),
		pending:          make(map[string]*pendingEntry),
		flushing:         make(map[string]struct{}),
		wakeVerification: make(map[string]string),
	}
}

// Start subscribes to the registry's native emitter.
func (r *Router) Start() {
	r.unsubscribe = []func(){
		r.nodeEvents.Subscribe(bus.NativeCommandResult, r.handleCommandResult),
		r.nodeEvents.Subscribe(bus.NativeNodeConnected, r.handleNodeConnected),
	}
}

// Shutdown rejects all pending waiters, clears all timers, and detaches
// from the registry's emitter.
func (r *Router) Shutdown() {
	for _, unsub := range r.unsubscribe {
		unsub()
	}
	r.unsubscribe = nil

	r.mu.Lock()
	r.closed = true
	entries := r.pending
	r.pending = make(map[string]*pendingEntry)
	r.wakeVerification = make(map[string]string)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		for _, w := range entry.waiters {
			w <- waiterResult{err: ErrShuttingDown}
		}
	}
	r.logger.Info("command router stopped", "rejectedWaiters", len(entries))
}

// PendingCount returns the number of in-flight commands.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ListRecentCommands exposes the store's recent records for observability.
func (r *Router) ListRecentCommands(ctx context.Context, limit int, nodeID string) ([]*command.Record, error) {
	return r.store.ListRecent(ctx, limit, nodeID)
}

// ------------------------------------------------------------------
// Dispatch pipeline
// ------------------------------------------------------------------

// executeCommand is the shared pipeline behind every route operation.
func (r *Router) executeCommand(ctx context.Context, nodeID string, env protocol.Envelope, cmdType protocol.CommandType, opts ExecuteOptions) (*Response, error) {
	// Scope the idempotency key per command type so two operations
	// sharing an operator key never collide.
	key := strings.TrimSpace(opts.IdempotencyKey)
	if key != "" {
		key = string(cmdType) + ":" + key
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal command envelope: %w", err)
	}

	rec, err := r.store.Enqueue(ctx, env.CommandID, nodeID, cmdType, payload, key)
	if err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}
	observability.CommandsEnqueued.WithLabelValues(string(cmdType)).Inc()

	// An idempotency hit may have returned an older record in a terminal
	// state; answer from the store without touching the node.
	if rec.State.Terminal() {
		completed := rec.CompletedAt
		if completed == nil {
			t := rec.UpdatedAt
			completed = &t
		}
		resp := &Response{
			CommandID:     rec.ID,
			State:         rec.State,
			Success:       rec.State == command.StateAcknowledged,
			CorrelationID: opts.CorrelationID,
			CompletedAt:   completed,
		}
		if !resp.Success {
			resp.Message = rec.Error
		}
		return resp, nil
	}

	// Offline short-circuit: the command stays queued and the reconnect
	// flush dispatches it when the node returns. No waiter, no timer.
	if rec.State == command.StateQueued && !r.registry.IsNodeConnected(nodeID) {
		r.logger.Info("command queued for offline node", "commandId", rec.ID, "nodeId", nodeID, "type", cmdType)
		return &Response{
			CommandID:     rec.ID,
			State:         command.StateQueued,
			Success:       true,
			Message:       "Command queued (node offline)",
			CorrelationID: opts.CorrelationID,
		}, nil
	}

	waiter := make(chan waiterResult, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	entry, exists := r.pending[rec.ID]
	if !exists {
		entry = &pendingEntry{
			commandType:   cmdType,
			correlationID: opts.CorrelationID,
			enqueuedAt:    rec.CreatedAt,
		}
		id := rec.ID
		entry.timer = time.AfterFunc(r.config.CommandTimeout, func() { r.onTimeout(id) })
		r.pending[rec.ID] = entry
	}
	entry.waiters = append(entry.waiters, waiter)
	r.mu.Unlock()

	// Already sent (idempotent re-submit while in flight): the existing
	// pending entry resolves when the node replies.
	if rec.State == command.StateQueued {
		// Dispatch failures reject every waiter, including ours; fall
		// through to the wait either way.
		r.dispatchPersistedCommand(ctx, rec, false)
	}

	select {
	case res := <-waiter:
		return res.resp, res.err
	case <-ctx.Done():
		// A dropped caller does not cancel the command. The pending entry
		// stays; the result is persisted and can be polled later.
		return nil, ctx.Err()
	}
}

// dispatchPersistedCommand pushes a queued record down its node's session.
func (r *Router) dispatchPersistedCommand(ctx context.Context, rec *command.Record, applyBackoff bool) error {
	if applyBackoff && rec.RetryCount > 0 {
		delay := r.calculateBackoffDelay(rec.RetryCount)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var env protocol.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		r.failCommand(rec.ID, fmt.Errorf("invalid payload"))
		return fmt.Errorf("invalid payload for command %s: %w", rec.ID, err)
	}

	if err := r.registry.SendCommand(rec.NodeID, env); err != nil {
		r.failCommand(rec.ID, err)
		return err
	}

	if err := r.store.MarkSent(ctx, rec.ID); err != nil {
		r.logger.Error("failed to mark command sent", "commandId", rec.ID, "error", err)
	}
	observability.CommandsDispatched.WithLabelValues(string(rec.Type)).Inc()
	r.logger.Debug("command dispatched", "commandId", rec.ID, "nodeId", rec.NodeID, "type", rec.Type)
	return nil
}

// failCommand persists a failure and rejects all waiters.
func (r *Router) failCommand(id string, cause error) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		entry.timer.Stop()
	}
	r.mu.Unlock()

	if err := r.store.MarkFailed(context.Background(), id, cause.Error()); err != nil {
		r.logger.Error("failed to persist command failure", "commandId", id, "error", err)
	}
	if ok {
		observability.CommandsCompleted.WithLabelValues(string(entry.commandType), string(command.StateFailed)).Inc()
		entry.observeDuration()
		for _, w := range entry.waiters {
			w <- waiterResult{err: cause}
		}
	}
}

// ------------------------------------------------------------------
// Result intake
// ------------------------------------------------------------------

func (r *Router) handleCommandResult(ev bus.Event) {
	data, ok := ev.Data.(registry.CommandResultEvent)
	if !ok || data.Result == nil || data.Result.CommandID == "" {
		r.logger.Warn("malformed command-result event")
		return
	}
	result := data.Result
	ctx := context.Background()

	r.mu.Lock()
	entry, exists := r.pending[result.CommandID]
	if exists {
		delete(r.pending, result.CommandID)
		entry.timer.Stop()
	}
	r.mu.Unlock()
	if exists {
		entry.observeDuration()
	}

	// Resolve the command type for metrics even when the waiter is gone
	// (result after a restart).
	var cmdType protocol.CommandType
	if exists {
		cmdType = entry.commandType
	} else if rec, err := r.store.FindByID(ctx, result.CommandID); err == nil {
		cmdType = rec.Type
	}

	// Persistence is best-effort: a store error must not lose the waiter
	// resolution.
	if result.Success {
		if err := r.store.MarkAcknowledged(ctx, result.CommandID); err != nil {
			r.logger.Error("failed to persist acknowledgement", "commandId", result.CommandID, "error", err)
		}
		observability.CommandsCompleted.WithLabelValues(string(cmdType), string(command.StateAcknowledged)).Inc()
	} else {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "command failed"
		}
		if err := r.store.MarkFailed(ctx, result.CommandID, errMsg); err != nil {
			r.logger.Error("failed to persist command failure", "commandId", result.CommandID, "error", err)
		}
		observability.CommandsCompleted.WithLabelValues(string(cmdType), string(command.StateFailed)).Inc()
	}

	if exists {
		if result.Success {
			now := time.Now().UTC()
			resp := &Response{
				CommandID:     result.CommandID,
				State:         command.StateAcknowledged,
				Success:       true,
				Message:       result.Message,
				HostPing:      result.HostPing,
				HostPortScan:  result.HostPortScan,
				CorrelationID: entry.correlationID,
				CompletedAt:   &now,
			}
			for _, w := range entry.waiters {
				w <- waiterResult{resp: resp}
			}
		} else {
			err := errors.New(result.Error)
			if result.Error == "" {
				err = errors.New("command failed")
			}
			for _, w := range entry.waiters {
				w <- waiterResult{err: err}
			}
		}
		return
	}

	// No waiter: either a wake-verification follow-up or a late result.
	r.mu.Lock()
	fqn, isVerification := r.wakeVerification[result.CommandID]
	if isVerification && result.WakeVerification != nil {
		delete(r.wakeVerification, result.CommandID)
	}
	r.mu.Unlock()

	if isVerification && result.WakeVerification != nil {
		r.logger.Info("wake verification complete",
			"commandId", result.CommandID, "fqn", fqn, "awake", result.WakeVerification.Awake)
		r.central.Publish(bus.Event{
			Type: bus.EventWakeVerificationComplete,
			Data: WakeVerificationEvent{
				HostFQN:   fqn,
				CommandID: result.CommandID,
				Awake:     result.WakeVerification.Awake,
				CheckedAt: result.WakeVerification.CheckedAt,
			},
		})
		return
	}

	r.logger.Warn("result for unknown command", "commandId", result.CommandID, "success", result.Success)
}

// ------------------------------------------------------------------
// Timeouts
// ------------------------------------------------------------------

func (r *Router) onTimeout(id string) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.mu.Unlock()

	ctx := context.Background()
	attempt := 1
	if rec, err := r.store.FindByID(ctx, id); err == nil && rec.RetryCount > 0 {
		attempt = rec.RetryCount
	}
	msg := fmt.Sprintf("Command %s timed out after %dms (attempt %d/%d)",
		entry.commandType, r.config.CommandTimeout.Milliseconds(), attempt, r.config.MaxRetries)

	if err := r.store.MarkTimedOut(ctx, id, msg); err != nil {
		r.logger.Error("failed to persist command timeout", "commandId", id, "error", err)
	}
	observability.CommandsCompleted.WithLabelValues(string(entry.commandType), string(command.StateTimedOut)).Inc()
	entry.observeDuration()
	r.logger.Warn("command timed out", "commandId", id, "type", entry.commandType, "attempt", attempt)

	err := errors.New(msg)
	for _, w := range entry.waiters {
		w <- waiterResult{err: err}
	}
}

// ------------------------------------------------------------------
// Reconnect flush
// ------------------------------------------------------------------

func (r *Router) handleNodeConnected(ev bus.Event) {
	data, ok := ev.Data.(registry.NodeEvent)
	if !ok || data.NodeID == "" {
		return
	}
	go r.flushQueuedCommandsForNode(data.NodeID)
}

// flushQueuedCommandsForNode dispatches a reconnected node's queued
// backlog in createdAt order, expiring anything older than the offline
// TTL. A guard set keeps concurrent flushes for one node from doubling up.
func (r *Router) flushQueuedCommandsForNode(nodeID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, busy := r.flushing[nodeID]; busy {
		r.mu.Unlock()
		return
	}
	r.flushing[nodeID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.flushing, nodeID)
		r.mu.Unlock()
	}()

	ctx := context.Background()
	recs, err := r.store.ListQueuedByNode(ctx, nodeID, r.config.FlushBatchLimit)
	if err != nil {
		r.logger.Error("reconnect flush: failed to load queued commands", "nodeId", nodeID, "error", err)
		return
	}
	if len(recs) == 0 {
		return
	}
	r.logger.Info("flushing queued commands for reconnected node", "nodeId", nodeID, "count", len(recs))

	var dispatched, expired int
	for _, rec := range recs {
		if time.Since(rec.CreatedAt) >= r.config.OfflineCommandTTL {
			if err := r.store.MarkFailed(ctx, rec.ID, "Command expired in offline queue"); err != nil {
				r.logger.Error("failed to expire queued command", "commandId", rec.ID, "error", err)
			}
			expired++
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(rec.Payload, &env); err != nil || env.Type == "" || env.CommandID == "" {
			r.store.MarkFailed(ctx, rec.ID, "invalid payload")
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if _, exists := r.pending[rec.ID]; exists {
			r.mu.Unlock()
			continue
		}
		id := rec.ID
		entry := &pendingEntry{commandType: rec.Type, enqueuedAt: rec.CreatedAt}
		entry.timer = time.AfterFunc(r.config.CommandTimeout, func() { r.onTimeout(id) })
		r.pending[rec.ID] = entry
		r.mu.Unlock()

		if err := r.dispatchPersistedCommand(ctx, rec, true); err != nil {
			r.logger.Warn("reconnect flush dispatch failed", "commandId", rec.ID, "error", err)
			continue
		}
		dispatched++
	}
	r.logger.Info("reconnect flush complete", "nodeId", nodeID, "dispatched", dispatched, "expired", expired)
}

// ------------------------------------------------------------------
// Backoff
// ------------------------------------------------------------------

// calculateBackoffDelay returns base × 2^retryCount with ±25% jitter,
// clamped to half the command timeout so a backed-off dispatch always
// leaves the node time to answer.
func (r *Router) calculateBackoffDelay(retryCount int) time.Duration {
	exponential := float64(r.config.RetryBaseDelay) * math.Pow(2, float64(retryCount))
	jitter := exponential * 0.25 * (rand.Float64()*2 - 1)
	delay := time.Duration(exponential + jitter)

	if delay < 0 {
		delay = 0
	}
	if max := r.config.CommandTimeout / 2; delay > max {
		delay = max
	}
	return delay
}
