// Package protocol defines the wire format exchanged with Woly node agents.
//
// Node agents connect outbound over a persistent WebSocket session and
// speak a small JSON envelope protocol: the server sends typed commands
// correlated by command id, agents reply with command results and publish
// host discoveries, updates, removals, and scan completions.
package protocol

import (
	"encoding/json"
	"time"
)

// CommandType identifies an operation the server can ask a node to perform.
type CommandType string

const (
	CommandWake          CommandType = "wake"
	CommandPingHost      CommandType = "ping-host"
	CommandSleepHost     CommandType = "sleep-host"
	CommandShutdownHost  CommandType = "shutdown-host"
	CommandScan          CommandType = "scan"
	CommandScanHostPorts CommandType = "scan-host-ports"
	CommandUpdateHost    CommandType = "update-host"
	CommandDeleteHost    CommandType = "delete-host"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandWake, CommandPingHost, CommandSleepHost, CommandShutdownHost,
		CommandScan, CommandScanHostPorts, CommandUpdateHost, CommandDeleteHost:
		return true
	}
	return false
}

// Envelope message types flowing between server and node agent.
const (
	MsgRegister       = "register"
	MsgRegistered     = "registered"
	MsgHeartbeat      = "heartbeat"
	MsgCommand        = "command"
	MsgCommandResult  = "command-result"
	MsgHostDiscovered = "host-discovered"
	MsgHostUpdated    = "host-updated"
	MsgHostRemoved    = "host-removed"
	MsgScanComplete   = "scan-complete"
)

// Envelope is the framing for every message on a node session. Data carries
// the type-specific payload and is decoded lazily by the receiver.
type Envelope struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	NodeID    string          `json:"nodeId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewCommand builds the outbound command envelope sent verbatim to a node.
func NewCommand(cmdType CommandType, commandID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      string(cmdType),
		CommandID: commandID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ------------------------------------------------------------------
// Outbound command payloads
// ------------------------------------------------------------------

// WakePayload asks a node to emit a Wake-on-LAN frame for a host.
type WakePayload struct {
	HostName string `json:"hostName"`
	MAC      string `json:"mac"`
	WolPort  *int   `json:"wolPort,omitempty"`
	Verify   bool   `json:"verify,omitempty"`
}

// HostActionPayload targets a single known host for ping, sleep, or
// shutdown. Sleep and shutdown carry a Confirmation literal equal to the
// action name so a misrouted message can never power off a machine.
type HostActionPayload struct {
	HostName     string `json:"hostName"`
	MAC          string `json:"mac"`
	IP           string `json:"ip"`
	Confirmation string `json:"confirmation,omitempty"`
}

// ScanPayload triggers a network scan on the node's LAN segment.
type ScanPayload struct {
	Immediate bool `json:"immediate"`
}

// PortScanPayload asks a node to probe TCP ports on one host.
type PortScanPayload struct {
	HostName  string `json:"hostName"`
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	Ports     []int  `json:"ports,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// UpdateHostPayload carries edited host fields down to the owning node.
// Notes and Tags distinguish "absent" from "explicit null": a nil pointer
// leaves the field untouched, a pointer to the zero value clears it.
type UpdateHostPayload struct {
	Name    string    `json:"name"`
	NewName string    `json:"newName,omitempty"`
	MAC     string    `json:"mac,omitempty"`
	IP      string    `json:"ip,omitempty"`
	WolPort *int      `json:"wolPort,omitempty"`
	Notes   *string   `json:"notes,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
}

// DeleteHostPayload removes a host from the node's local inventory.
type DeleteHostPayload struct {
	Name string `json:"name"`
}

// ------------------------------------------------------------------
// Inbound payloads
// ------------------------------------------------------------------

// HostStatus is the reported power state of a host.
type HostStatus string

const (
	HostAwake  HostStatus = "awake"
	HostAsleep HostStatus = "asleep"
)

// HostReport is a node's view of one host, sent on discovery and update.
type HostReport struct {
	Name           string     `json:"name"`
	MAC            string     `json:"mac"`
	SecondaryMACs  []string   `json:"secondaryMacs,omitempty"`
	IP             string     `json:"ip"`
	WolPort        *int       `json:"wolPort,omitempty"`
	Status         HostStatus `json:"status"`
	Location       string     `json:"location"`
	Discovered     bool       `json:"discovered,omitempty"`
	PingResponsive *bool      `json:"pingResponsive,omitempty"`
}

// HostRemovedReport identifies a host the node no longer manages.
type HostRemovedReport struct {
	Name string `json:"name"`
}

// ScanCompleteReport summarises a finished LAN scan.
type ScanCompleteReport struct {
	HostCount int       `json:"hostCount"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// RegisterPayload is the first message on a node session.
type RegisterPayload struct {
	Location string `json:"location,omitempty"`
	Version  string `json:"version,omitempty"`
}

// HostPingResult is the outcome of a ping-host command.
type HostPingResult struct {
	Reachable bool    `json:"reachable"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
}

// PortScanResult is the outcome of a scan-host-ports command.
type PortScanResult struct {
	OpenPorts []int     `json:"openPorts"`
	ScannedAt time.Time `json:"scannedAt"`
}

// WakeVerification is the follow-up reachability check a node performs
// after sending a WoL frame when the operator asked for verification. It
// arrives as a second command-result for the same command id.
type WakeVerification struct {
	Awake     bool      `json:"awake"`
	CheckedAt time.Time `json:"checkedAt"`
	Attempts  int       `json:"attempts,omitempty"`
}

// CommandResult is a node's reply to a dispatched command.
type CommandResult struct {
	CommandID        string            `json:"commandId"`
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
	State            string            `json:"state,omitempty"`
	Message          string            `json:"message,omitempty"`
	HostPing         *HostPingResult   `json:"hostPing,omitempty"`
	HostPortScan     *PortScanResult   `json:"hostPortScan,omitempty"`
	WakeVerification *WakeVerification `json:"wakeVerification,omitempty"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	Timestamp        time.Time         `json:"timestamp,omitempty"`
}
