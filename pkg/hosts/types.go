// Package hosts maintains the aggregated host table: the durable
// projection of every node agent's reported hosts, reconciled by MAC so a
// hostname rename never produces a duplicate row. It records genuine
// status transitions in an append-only history log and emits events on
// its native emitter for the plugin bridge.
package hosts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/woly-net/woly/pkg/protocol"
)

// ErrNotFound is returned for lookups of unknown hosts.
var ErrNotFound = errors.New("host not found")

// PortScanCacheTTL bounds how long a stored port-scan snapshot counts as
// fresh for callers that want to avoid re-scanning.
const PortScanCacheTTL = 10 * time.Minute

// Host is one aggregated row, unique per (nodeID, mac).
type Host struct {
	ID                 int64               `json:"id"`
	NodeID             string              `json:"nodeId"`
	Name               string              `json:"name"`
	MAC                string              `json:"mac"` // lower-case canonical
	SecondaryMACs      []string            `json:"secondaryMacs,omitempty"`
	IP                 string              `json:"ip"`
	WolPort            *int                `json:"wolPort,omitempty"`
	Status             protocol.HostStatus `json:"status"`
	Location           string              `json:"location"`
	FullyQualifiedName string              `json:"fullyQualifiedName"`
	LastSeen           time.Time           `json:"lastSeen"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	Discovered         bool                `json:"discovered,omitempty"`
	PingResponsive     *bool               `json:"pingResponsive,omitempty"`
}

// StatusHistoryEntry is one row of the append-only transition log.
// OldStatus and NewStatus are never equal for a stored entry.
type StatusHistoryEntry struct {
	HostFQN   string              `json:"hostFqn"`
	OldStatus protocol.HostStatus `json:"oldStatus"`
	NewStatus protocol.HostStatus `json:"newStatus"`
	ChangedAt time.Time           `json:"changedAt"`
}

// PortScanSnapshot caches the latest port scan for a host.
type PortScanSnapshot struct {
	HostFQN   string    `json:"hostFqn"`
	OpenPorts []int     `json:"openPorts"`
	ScannedAt time.Time `json:"scannedAt"`
}

// UptimeReport summarises a host's awake/asleep split over a period.
type UptimeReport struct {
	HostFQN       string              `json:"hostFqn"`
	Period        string              `json:"period"`
	AwakeMs       int64               `json:"awakeMs"`
	AsleepMs      int64               `json:"asleepMs"`
	UptimePercent float64             `json:"uptimePercent"`
	Transitions   int                 `json:"transitions"`
	CurrentStatus protocol.HostStatus `json:"currentStatus"`
}

// Stats is an aggregate overview of the host table.
type Stats struct {
	TotalHosts int            `json:"totalHosts"`
	Awake      int            `json:"awake"`
	Asleep     int            `json:"asleep"`
	PerNode    map[string]int `json:"perNode"`
}

// MakeFQN derives the fully qualified host name
// "{name}@{location}-{nodeId}" with spaces in the location replaced by
// hyphens. The FQN uniquely identifies an aggregated row.
func MakeFQN(name, location, nodeID string) string {
	sanitized := strings.ReplaceAll(strings.TrimSpace(location), " ", "-")
	return name + "@" + sanitized + "-" + nodeID
}

// ------------------------------------------------------------------
// Native emitter payloads
// ------------------------------------------------------------------

// HostEvent is the payload for host-added / host-updated / host-removed.
type HostEvent struct {
	HostFQN  string `json:"hostFqn"`
	NodeID   string `json:"nodeId"`
	Name     string `json:"name"`
	MAC      string `json:"mac,omitempty"`
	Status   string `json:"status,omitempty"`
	Location string `json:"location,omitempty"`
}

// EventHostFQN implements bus.HostEventData.
func (e HostEvent) EventHostFQN() string { return e.HostFQN }

// StatusTransitionEvent is the payload for host-status-transition.
type StatusTransitionEvent struct {
	HostFQN   string              `json:"hostFqn"`
	NodeID    string              `json:"nodeId"`
	OldStatus protocol.HostStatus `json:"oldStatus"`
	NewStatus protocol.HostStatus `json:"newStatus"`
	ChangedAt time.Time           `json:"changedAt"`
}

// EventHostFQN implements bus.HostEventData.
func (e StatusTransitionEvent) EventHostFQN() string { return e.HostFQN }

// NodeHostsEvent is the payload for node-hosts-unreachable and
// node-hosts-removed bulk operations.
type NodeHostsEvent struct {
	NodeID string `json:"nodeId"`
	Count  int    `json:"count"`
}

// ------------------------------------------------------------------
// Store interface
// ------------------------------------------------------------------

// Store is the persistence interface for the aggregated host table, the
// status history log, and port-scan snapshots.
type Store interface {
	FindByNodeAndMAC(ctx context.Context, nodeID, mac string) (*Host, error)
	FindByNodeAndName(ctx context.Context, nodeID, name string) (*Host, error)
	FindByFQN(ctx context.Context, fqn string) (*Host, error)
	ListAll(ctx context.Context) ([]*Host, error)
	ListByNode(ctx context.Context, nodeID string) ([]*Host, error)

	Insert(ctx context.Context, h *Host) (*Host, error)
	Update(ctx context.Context, h *Host) error
	DeleteByID(ctx context.Context, id int64) error
	DeleteByNodeAndName(ctx context.Context, nodeID, name string) (int, error)
	// DeleteOthersByNodeAndMAC removes every row for (nodeID, mac) except
	// keepID. Used by the MAC-dedup cleanup.
	DeleteOthersByNodeAndMAC(ctx context.Context, nodeID, mac string, keepID int64) (int, error)
	DeleteByNode(ctx context.Context, nodeID string) (int, error)
	// MarkAwakeAsleep flips every awake row of a node to asleep and
	// returns the affected count.
	MarkAwakeAsleep(ctx context.Context, nodeID string) (int, error)

	AppendStatusHistory(ctx context.Context, e *StatusHistoryEntry) error
	ListStatusHistory(ctx context.Context, fqn string, since time.Time, limit int) ([]*StatusHistoryEntry, error)
	PruneStatusHistory(ctx context.Context, retention time.Duration) (int, error)

	SavePortScanSnapshot(ctx context.Context, snap *PortScanSnapshot) error
	GetPortScanSnapshot(ctx context.Context, fqn string) (*PortScanSnapshot, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
