package hosts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/protocol"
)

// Aggregator maintains the durable host projection and publishes native
// events (host-added, host-updated, host-removed, host-status-transition,
// node-hosts-unreachable, node-hosts-removed) on its emitter.
type Aggregator struct {
	store  Store
	events *bus.Bus
	logger *slog.Logger
}

// NewAggregator creates an aggregator over the given store. The emitter is
// the aggregator's native event bus, consumed by the plugin bridge.
func NewAggregator(store Store, events *bus.Bus, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		events: events,
		logger: logger.With("component", "host-aggregator"),
	}
}

// Events exposes the native emitter for the bridge.
func (a *Aggregator) Events() *bus.Bus { return a.events }

// OnHostDiscovered ingests a host report from a node's initial discovery.
func (a *Aggregator) OnHostDiscovered(ctx context.Context, nodeID string, report *protocol.HostReport) error {
	return a.reconcile(ctx, nodeID, report, true)
}

// OnHostUpdated ingests an incremental host update from a node.
func (a *Aggregator) OnHostUpdated(ctx context.Context, nodeID string, report *protocol.HostReport) error {
	return a.reconcile(ctx, nodeID, report, false)
}

// reconcile is the shared discover/update path. MAC is the primary
// reconciliation key so a hostname rename never creates a duplicate row.
func (a *Aggregator) reconcile(ctx context.Context, nodeID string, report *protocol.HostReport, discovered bool) error {
	mac := canonicalMAC(report.MAC)
	fqn := MakeFQN(report.Name, report.Location, nodeID)
	now := time.Now().UTC()

	var existing *Host
	if mac != "" {
		h, err := a.store.FindByNodeAndMAC(ctx, nodeID, mac)
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("lookup by mac: %w", err)
		}
		existing = h
	}

	if existing != nil {
		// Renamed host: clean up any legacy row left under the old name
		// that shares the MAC but is a different row.
		if existing.Name != report.Name {
			byName, err := a.store.FindByNodeAndName(ctx, nodeID, report.Name)
			if err != nil && err != ErrNotFound {
				return fmt.Errorf("lookup by name: %w", err)
			}
			if byName != nil && byName.MAC == mac && byName.ID != existing.ID {
				if err := a.store.DeleteByID(ctx, byName.ID); err != nil {
					return fmt.Errorf("delete legacy duplicate: %w", err)
				}
				a.logger.Debug("removed legacy duplicate host row",
					"nodeId", nodeID, "name", report.Name, "mac", mac)
			}
		}
		if err := a.applyUpdate(ctx, existing, nodeID, report, fqn, now); err != nil {
			return err
		}
		if n, err := a.store.DeleteOthersByNodeAndMAC(ctx, nodeID, mac, existing.ID); err != nil {
			return fmt.Errorf("mac dedup cleanup: %w", err)
		} else if n > 0 {
			a.logger.Info("deduplicated host rows by mac", "nodeId", nodeID, "mac", mac, "removed", n)
		}
		return nil
	}

	byName, err := a.store.FindByNodeAndName(ctx, nodeID, report.Name)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("lookup by name: %w", err)
	}
	if byName != nil {
		return a.applyUpdate(ctx, byName, nodeID, report, fqn, now)
	}

	h := &Host{
		NodeID:             nodeID,
		Name:               report.Name,
		MAC:                mac,
		SecondaryMACs:      canonicalMACs(report.SecondaryMACs),
		IP:                 report.IP,
		WolPort:            report.WolPort,
		Status:             normalizeStatus(report.Status),
		Location:           report.Location,
		FullyQualifiedName: fqn,
		LastSeen:           now,
		CreatedAt:          now,
		UpdatedAt:          now,
		Discovered:         discovered,
		PingResponsive:     report.PingResponsive,
	}
	if _, err := a.store.Insert(ctx, h); err != nil {
		return fmt.Errorf("insert host: %w", err)
	}

	a.logger.Info("host added", "fqn", fqn, "nodeId", nodeID, "mac", mac)
	a.events.Publish(bus.Event{
		Type: bus.NativeHostAdded,
		Data: HostEvent{
			HostFQN:  fqn,
			NodeID:   nodeID,
			Name:     h.Name,
			MAC:      h.MAC,
			Status:   string(h.Status),
			Location: h.Location,
		},
	})
	return nil
}

// applyUpdate writes the incoming report over an existing row, recording a
// status-history entry only on a genuine status transition. No-op updates
// produce neither history rows nor events.
func (a *Aggregator) applyUpdate(ctx context.Context, existing *Host, nodeID string, report *protocol.HostReport, fqn string, now time.Time) error {
	next := *existing
	next.Name = report.Name
	if mac := canonicalMAC(report.MAC); mac != "" {
		next.MAC = mac
	}
	if len(report.SecondaryMACs) > 0 {
		next.SecondaryMACs = canonicalMACs(report.SecondaryMACs)
	}
	if report.IP != "" {
		next.IP = report.IP
	}
	if report.WolPort != nil {
		next.WolPort = report.WolPort
	}
	next.Status = normalizeStatus(report.Status)
	next.Location = report.Location
	next.FullyQualifiedName = fqn
	next.LastSeen = now
	if report.PingResponsive != nil {
		next.PingResponsive = report.PingResponsive
	}

	if !hasMeaningfulHostStateChange(existing, &next) {
		// Still refresh lastSeen so staleness tracking works.
		next.UpdatedAt = existing.UpdatedAt
		if err := a.store.Update(ctx, &next); err != nil {
			return fmt.Errorf("refresh host: %w", err)
		}
		return nil
	}

	next.UpdatedAt = now
	if err := a.store.Update(ctx, &next); err != nil {
		return fmt.Errorf("update host: %w", err)
	}

	statusChanged := existing.Status != next.Status
	if statusChanged {
		entry := &StatusHistoryEntry{
			HostFQN:   fqn,
			OldStatus: existing.Status,
			NewStatus: next.Status,
			ChangedAt: now,
		}
		if err := a.store.AppendStatusHistory(ctx, entry); err != nil {
			return fmt.Errorf("append status history: %w", err)
		}
	}

	a.events.Publish(bus.Event{
		Type: bus.NativeHostUpdated,
		Data: HostEvent{
			HostFQN:  fqn,
			NodeID:   nodeID,
			Name:     next.Name,
			MAC:      next.MAC,
			Status:   string(next.Status),
			Location: next.Location,
		},
	})
	if statusChanged {
		a.logger.Info("host status transition",
			"fqn", fqn, "from", existing.Status, "to", next.Status)
		a.events.Publish(bus.Event{
			Type: bus.NativeHostStatusTransition,
			Data: StatusTransitionEvent{
				HostFQN:   fqn,
				NodeID:    nodeID,
				OldStatus: existing.Status,
				NewStatus: next.Status,
				ChangedAt: now,
			},
		})
	}
	return nil
}

// OnHostRemoved deletes a host by (nodeID, name) and cascades the delete to
// any leftover rows sharing the removed host's MAC.
func (a *Aggregator) OnHostRemoved(ctx context.Context, nodeID, name string) error {
	existing, err := a.store.FindByNodeAndName(ctx, nodeID, name)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	if _, err := a.store.DeleteByNodeAndName(ctx, nodeID, name); err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	if existing.MAC != "" {
		if n, err := a.store.DeleteOthersByNodeAndMAC(ctx, nodeID, existing.MAC, -1); err != nil {
			return fmt.Errorf("cascade mac delete: %w", err)
		} else if n > 0 {
			a.logger.Info("cascade-removed duplicate mac rows", "nodeId", nodeID, "mac", existing.MAC, "removed", n)
		}
	}

	a.logger.Info("host removed", "fqn", existing.FullyQualifiedName, "nodeId", nodeID)
	a.events.Publish(bus.Event{
		Type: bus.NativeHostRemoved,
		Data: HostEvent{
			HostFQN:  existing.FullyQualifiedName,
			NodeID:   nodeID,
			Name:     existing.Name,
			MAC:      existing.MAC,
			Location: existing.Location,
		},
	})
	return nil
}

// MarkNodeHostsUnreachable flips every awake host of a node to asleep.
// Called when a node disconnects; the only status flip that happens without
// a per-host update message.
func (a *Aggregator) MarkNodeHostsUnreachable(ctx context.Context, nodeID string) (int, error) {
	n, err := a.store.MarkAwakeAsleep(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("mark node hosts unreachable: %w", err)
	}
	if n > 0 {
		a.logger.Info("marked node hosts unreachable", "nodeId", nodeID, "count", n)
	}
	a.events.Publish(bus.Event{
		Type: bus.NativeNodeHostsUnreachable,
		Data: NodeHostsEvent{NodeID: nodeID, Count: n},
	})
	return n, nil
}

// RemoveNodeHosts deletes all hosts of a node. Called when an operator
// deregisters the node.
func (a *Aggregator) RemoveNodeHosts(ctx context.Context, nodeID string) (int, error) {
	n, err := a.store.DeleteByNode(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("remove node hosts: %w", err)
	}
	a.logger.Info("removed node hosts", "nodeId", nodeID, "count", n)
	a.events.Publish(bus.Event{
		Type: bus.NativeNodeHostsRemoved,
		Data: NodeHostsEvent{NodeID: nodeID, Count: n},
	})
	return n, nil
}

// GetAllHosts returns every aggregated host.
func (a *Aggregator) GetAllHosts(ctx context.Context) ([]*Host, error) {
	return a.store.ListAll(ctx)
}

// GetHostsByNode returns a node's aggregated hosts.
func (a *Aggregator) GetHostsByNode(ctx context.Context, nodeID string) ([]*Host, error) {
	return a.store.ListByNode(ctx, nodeID)
}

// GetHostByFQN resolves a fully qualified host name to its row.
func (a *Aggregator) GetHostByFQN(ctx context.Context, fqn string) (*Host, error) {
	return a.store.FindByFQN(ctx, fqn)
}

// GetHostStatusHistory returns the transition log for a host since the
// given time (zero = all), newest last.
func (a *Aggregator) GetHostStatusHistory(ctx context.Context, fqn string, since time.Time, limit int) ([]*StatusHistoryEntry, error) {
	return a.store.ListStatusHistory(ctx, fqn, since, limit)
}

// GetStats returns the aggregate host overview.
func (a *Aggregator) GetStats(ctx context.Context) (*Stats, error) {
	return a.store.Stats(ctx)
}

// PruneHostStatusHistory removes history entries older than retention.
func (a *Aggregator) PruneHostStatusHistory(ctx context.Context, retention time.Duration) (int, error) {
	return a.store.PruneStatusHistory(ctx, retention)
}

// SaveHostPortScanSnapshot caches a host's latest port scan.
func (a *Aggregator) SaveHostPortScanSnapshot(ctx context.Context, fqn string, openPorts []int, scannedAt time.Time) error {
	return a.store.SavePortScanSnapshot(ctx, &PortScanSnapshot{
		HostFQN:   fqn,
		OpenPorts: openPorts,
		ScannedAt: scannedAt,
	})
}

// GetHostPortScanSnapshot returns the cached port scan, or ErrNotFound.
func (a *Aggregator) GetHostPortScanSnapshot(ctx context.Context, fqn string) (*PortScanSnapshot, error) {
	return a.store.GetPortScanSnapshot(ctx, fqn)
}

// hasMeaningfulHostStateChange reports whether the incoming state differs
// from the stored row in any field that warrants an update event. LastSeen
// alone is not meaningful.
func hasMeaningfulHostStateChange(prev, next *Host) bool {
	if prev.Name != next.Name ||
		prev.MAC != next.MAC ||
		prev.IP != next.IP ||
		prev.Status != next.Status ||
		prev.Location != next.Location ||
		prev.FullyQualifiedName != next.FullyQualifiedName {
		return true
	}
	if (prev.WolPort == nil) != (next.WolPort == nil) {
		return true
	}
	if prev.WolPort != nil && next.WolPort != nil && *prev.WolPort != *next.WolPort {
		return true
	}
	if (prev.PingResponsive == nil) != (next.PingResponsive == nil) {
		return true
	}
	if prev.PingResponsive != nil && next.PingResponsive != nil && *prev.PingResponsive != *next.PingResponsive {
		return true
	}
	if len(prev.SecondaryMACs) != len(next.SecondaryMACs) {
		return true
	}
	for i := range prev.SecondaryMACs {
		if prev.SecondaryMACs[i] != next.SecondaryMACs[i] {
			return true
		}
	}
	return false
}

func canonicalMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

func canonicalMACs(macs []string) []string {
	if len(macs) == 0 {
		return nil
	}
	out := make([]string, 0, len(macs))
	for _, m := range macs {
		if c := canonicalMAC(m); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func normalizeStatus(s protocol.HostStatus) protocol.HostStatus {
	if s == protocol.HostAwake {
		return protocol.HostAwake
	}
	return protocol.HostAsleep
}
