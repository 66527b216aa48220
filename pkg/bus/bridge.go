package bus

import (
	"log/slog"
	"time"
)

// Native emitter event names, as published by the host aggregator and the
// node registry on their own emitters. The bridge renames these onto the
// central bus; everything else stays internal.
const (
	NativeHostAdded            = "host-added"
	NativeHostUpdated          = "host-updated"
	NativeHostRemoved          = "host-removed"
	NativeHostStatusTransition = "host-status-transition"
	NativeNodeHostsUnreachable = "node-hosts-unreachable"
	NativeNodeHostsRemoved     = "node-hosts-removed"
	NativeNodeConnected        = "node-connected"
	NativeNodeDisconnected     = "node-disconnected"
	NativeCommandResult        = "command-result"
	NativeScanComplete         = "scan-complete"
)

// HostEventData is implemented by host event payloads so the bridge can
// validate them without depending on the hosts package.
type HostEventData interface {
	EventHostFQN() string
}

// Bridge adapts the two native emitters onto the central typed bus. Its
// lifecycle is symmetric: Start attaches all listeners, Shutdown detaches
// the exact same closures.
type Bridge struct {
	hostEvents *Bus // the aggregator's native emitter
	nodeEvents *Bus // the registry's native emitter
	central    *Bus
	logger     *slog.Logger

	unsubscribe []func()
}

// NewBridge creates a bridge between the native emitters and the central bus.
func NewBridge(hostEvents, nodeEvents, central *Bus, logger *slog.Logger) *Bridge {
	return &Bridge{
		hostEvents: hostEvents,
		nodeEvents: nodeEvents,
		central:    central,
		logger:     logger,
	}
}

// Start attaches all native listeners.
func (br *Bridge) Start() {
	br.unsubscribe = []func(){
		br.hostEvents.Subscribe(NativeHostAdded, br.forwardHostEvent(EventHostDiscovered)),
		br.hostEvents.Subscribe(NativeHostRemoved, br.forward(EventHostRemoved)),
		br.hostEvents.Subscribe(NativeHostStatusTransition, br.forward(EventHostStatusTransition)),
		br.nodeEvents.Subscribe(NativeNodeConnected, br.forward(EventNodeConnected)),
		br.nodeEvents.Subscribe(NativeNodeDisconnected, br.forward(EventNodeDisconnected)),
		br.nodeEvents.Subscribe(NativeScanComplete, br.forward(EventScanComplete)),
	}
	br.logger.Debug("plugin event bridge started", "listeners", len(br.unsubscribe))
}

// Shutdown detaches every listener attached by Start.
func (br *Bridge) Shutdown() {
	for _, unsub := range br.unsubscribe {
		unsub()
	}
	br.unsubscribe = nil
	br.logger.Debug("plugin event bridge stopped")
}

func (br *Bridge) forward(centralType string) Handler {
	return func(ev Event) {
		br.central.Publish(Event{
			Type:      centralType,
			Timestamp: stampOf(ev),
			Data:      ev.Data,
		})
	}
}

// forwardHostEvent additionally requires a non-empty host FQN: a discovery
// without an identity is a producer bug and must not reach plugins.
func (br *Bridge) forwardHostEvent(centralType string) Handler {
	return func(ev Event) {
		d, ok := ev.Data.(HostEventData)
		if !ok || d.EventHostFQN() == "" {
			br.logger.Warn("dropping host event without fqn", "nativeType", ev.Type)
			return
		}
		br.central.Publish(Event{
			Type:      centralType,
			Timestamp: stampOf(ev),
			Data:      ev.Data,
		})
	}
}

func stampOf(ev Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return ev.Timestamp
}
