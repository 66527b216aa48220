package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/woly-net/woly/pkg/command"
	"github.com/woly-net/woly/pkg/hosts"
	"github.com/woly-net/woly/pkg/protocol"
)

// WakeOptions extends the shared options with wake-specific knobs.
type WakeOptions struct {
	ExecuteOptions
	// WolPort overrides the host's stored WoL port for this wake.
	WolPort *int
	// Verify asks the node to follow up with a reachability check after
	// sending the magic packet.
	Verify bool
}

// UpdateHostRequest carries the operator's host edit. Notes and Tags
// distinguish absent (nil, leave untouched) from explicit clear (pointer
// to the zero value).
type UpdateHostRequest struct {
	NewName string    `json:"newName,omitempty"`
	MAC     string    `json:"mac,omitempty"`
	IP      string    `json:"ip,omitempty"`
	WolPort *int      `json:"wolPort,omitempty"`
	Notes   *string   `json:"notes,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
}

// NodeScanResult is one node's slot in a fleet-wide scan.
type NodeScanResult struct {
	NodeID    string `json:"nodeId"`
	CommandID string `json:"commandId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// FleetScanResponse aggregates a fleet-wide scan fan-out.
type FleetScanResponse struct {
	State       command.State    `json:"state"`
	CommandID   string           `json:"commandId,omitempty"`
	QueuedAt    time.Time        `json:"queuedAt"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt time.Time        `json:"completedAt"`
	LastScanAt  time.Time        `json:"lastScanAt"`
	NodeResults []NodeScanResult `json:"nodeResults"`
}

func newCommandID() string {
	return "cmd_" + uuid.NewString()
}

// resolveHost parses an operator-supplied FQN and loads the aggregated row.
func (r *Router) resolveHost(ctx context.Context, rawFQN string) (*hosts.Host, string, error) {
	fqn, err := ParseFQN(rawFQN)
	if err != nil {
		return nil, "", err
	}
	host, err := r.hosts.GetHostByFQN(ctx, fqn)
	if err != nil {
		if err == hosts.ErrNotFound {
			return nil, "", fmt.Errorf("%w: %s", ErrHostNotFound, fqn)
		}
		return nil, "", fmt.Errorf("look up host %s: %w", fqn, err)
	}
	return host, fqn, nil
}

// requireOnline fails fast for operations that need a live session.
func (r *Router) requireOnline(nodeID string) error {
	if r.registry.GetNodeStatus(nodeID) != "online" {
		return fmt.Errorf("%w: %s", ErrNodeOffline, nodeID)
	}
	return nil
}

// RouteWake sends a Wake-on-LAN command for the host. The node may be
// offline: the command is then queued durably and dispatched on reconnect.
func (r *Router) RouteWake(ctx context.Context, rawFQN string, opts WakeOptions) (*Response, error) {
	host, fqn, err := r.resolveHost(ctx, rawFQN)
	if err != nil {
		return nil, err
	}

	wolPort := opts.WolPort
	if wolPort == nil {
		wolPort = host.WolPort
	}
	commandID := newCommandID()
	env, err := protocol.NewCommand(protocol.CommandWake, commandID, protocol.WakePayload{
		HostName: host.Name,
		MAC:      host.MAC,
		WolPort:  wolPort,
		Verify:   opts.Verify,
	})
	if err != nil {
		return nil, err
	}

	resp, err := r.executeCommand(ctx, host.NodeID, env, protocol.CommandWake, opts.ExecuteOptions)
	if err != nil {
		return nil, err
	}
	resp.NodeID = host.NodeID
	resp.Location = host.Location

	if resp.State == command.StateAcknowledged {
		if resp.Message == "" {
			resp.Message = fmt.Sprintf("Wake-on-LAN packet sent to %s", fqn)
		}
		if opts.Verify {
			// The node sends a second result for the same command id once
			// its reachability check finishes; remember the target so the
			// intake can correlate it.
			r.mu.Lock()
			r.wakeVerification[resp.CommandID] = fqn
			r.mu.Unlock()
		}
	}
	return resp, nil
}

// RoutePingHost asks the owning node to ping the host. Requires the node
// to be online.
func (r *Router) RoutePingHost(ctx context.Context, rawFQN string, opts ExecuteOptions) (*Response, error) {
	return r.routeHostAction(ctx, rawFQN, protocol.CommandPingHost, "", opts)
}

// RouteSleepHost suspends the host via its owning node. Requires online.
func (r *Router) RouteSleepHost(ctx context.Context, rawFQN string, opts ExecuteOptions) (*Response, error) {
	return r.routeHostAction(ctx, rawFQN, protocol.CommandSleepHost, "sleep-host", opts)
}

// RouteShutdownHost powers off the host via its owning node. Requires online.
func (r *Router) RouteShutdownHost(ctx context.Context, rawFQN string, opts ExecuteOptions) (*Response, error) {
	return r.routeHostAction(ctx, rawFQN, protocol.CommandShutdownHost, "shutdown-host", opts)
}

// routeHostAction covers ping, sleep, and shutdown. Sleep and shutdown
// carry a confirmation literal equal to the action so a misrouted message
// can never power off a machine.
func (r *Router) routeHostAction(ctx context.Context, rawFQN string, cmdType protocol.CommandType, confirmation string, opts ExecuteOptions) (*Response, error) {
	host, _, err := r.resolveHost(ctx, rawFQN)
	if err != nil {
		return nil, err
	}
	if err := r.requireOnline(host.NodeID); err != nil {
		return nil, err
	}

	env, err := protocol.NewCommand(cmdType, newCommandID(), protocol.HostActionPayload{
		HostName:     host.Name,
		MAC:          host.MAC,
		IP:           host.IP,
		Confirmation: confirmation,
	})
	if err != nil {
		return nil, err
	}

	resp, err := r.executeCommand(ctx, host.NodeID, env, cmdType, opts)
	if err != nil {
		return nil, err
	}
	resp.NodeID = host.NodeID
	resp.Location = host.Location
	return resp, nil
}

// RouteScan triggers a LAN scan on one node. Requires online.
func (r *Router) RouteScan(ctx context.Context, nodeID string, immediate bool, opts ExecuteOptions) (*Response, error) {
	if err := r.requireOnline(nodeID); err != nil {
		return nil, err
	}
	env, err := protocol.NewCommand(protocol.CommandScan, newCommandID(), protocol.ScanPayload{Immediate: immediate})
	if err != nil {
		return nil, err
	}
	resp, err := r.executeCommand(ctx, nodeID, env, protocol.CommandScan, opts)
	if err != nil {
		return nil, err
	}
	resp.NodeID = nodeID
	return resp, nil
}

// RouteScanHosts fans a scan out to every connected node in parallel and
// aggregates the per-node outcomes. Fails only when no node accepted; the
// reported error is then the first node's.
func (r *Router) RouteScanHosts(ctx context.Context, opts ExecuteOptions) (*FleetScanResponse, error) {
	nodes := r.registry.GetConnectedNodes()
	queuedAt := time.Now().UTC()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes connected", ErrNodeOffline)
	}

	results := make([]NodeScanResult, len(nodes))
	var g errgroup.Group
	var mu sync.Mutex
	startedAt := time.Now().UTC()

	for i, nodeID := range nodes {
		i, nodeID := i, nodeID
		g.Go(func() error {
			// Fan-out must not share one idempotency key across nodes;
			// the per-type scoping alone would collide.
			perNode := opts
			if perNode.IdempotencyKey != "" {
				perNode.IdempotencyKey = perNode.IdempotencyKey + ":" + nodeID
			}
			resp, err := r.RouteScan(ctx, nodeID, true, perNode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[i] = NodeScanResult{NodeID: nodeID, Error: err.Error()}
				return nil
			}
			results[i] = NodeScanResult{NodeID: nodeID, CommandID: resp.CommandID, Success: true}
			return nil
		})
	}
	g.Wait()
	completedAt := time.Now().UTC()

	agg := &FleetScanResponse{
		State:       command.StateAcknowledged,
		QueuedAt:    queuedAt,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		LastScanAt:  completedAt,
		NodeResults: results,
	}
	for _, res := range results {
		if res.Success {
			if agg.CommandID == "" {
				agg.CommandID = res.CommandID
			}
		}
	}
	if agg.CommandID == "" {
		return nil, fmt.Errorf("fleet scan failed: %s", results[0].Error)
	}
	return agg, nil
}

// RouteScanHostPorts probes TCP ports on one host. Requires online. The
// cached snapshot is refreshed when the node returns scan results.
func (r *Router) RouteScanHostPorts(ctx context.Context, rawFQN string, ports []int, timeoutMs int, opts ExecuteOptions) (*Response, error) {
	host, fqn, err := r.resolveHost(ctx, rawFQN)
	if err != nil {
		return nil, err
	}
	if err := r.requireOnline(host.NodeID); err != nil {
		return nil, err
	}

	env, err := protocol.NewCommand(protocol.CommandScanHostPorts, newCommandID(), protocol.PortScanPayload{
		HostName:  host.Name,
		MAC:       host.MAC,
		IP:        host.IP,
		Ports:     normalizePortList(ports),
		TimeoutMs: timeoutMs,
	})
	if err != nil {
		return nil, err
	}

	resp, err := r.executeCommand(ctx, host.NodeID, env, protocol.CommandScanHostPorts, opts)
	if err != nil {
		return nil, err
	}
	resp.NodeID = host.NodeID
	resp.Location = host.Location

	if resp.State == command.StateAcknowledged && resp.HostPortScan != nil {
		scannedAt := resp.HostPortScan.ScannedAt
		if scannedAt.IsZero() {
			scannedAt = time.Now().UTC()
		}
		if err := r.hosts.SaveHostPortScanSnapshot(ctx, fqn, resp.HostPortScan.OpenPorts, scannedAt); err != nil {
			r.logger.Error("failed to cache port scan", "fqn", fqn, "error", err)
		}
	}
	return resp, nil
}

// RouteUpdateHost pushes edited host fields down to the owning node. The
// node may be offline (queued response); the supplied fields are merged
// over the current aggregated row.
func (r *Router) RouteUpdateHost(ctx context.Context, rawFQN string, update UpdateHostRequest, opts ExecuteOptions) (*Response, error) {
	host, _, err := r.resolveHost(ctx, rawFQN)
	if err != nil {
		return nil, err
	}

	payload := protocol.UpdateHostPayload{
		Name:    host.Name,
		NewName: update.NewName,
		MAC:     host.MAC,
		IP:      host.IP,
		WolPort: host.WolPort,
		Notes:   update.Notes,
		Tags:    update.Tags,
	}
	if update.MAC != "" {
		payload.MAC = update.MAC
	}
	if update.IP != "" {
		payload.IP = update.IP
	}
	if update.WolPort != nil {
		payload.WolPort = update.WolPort
	}

	env, err := protocol.NewCommand(protocol.CommandUpdateHost, newCommandID(), payload)
	if err != nil {
		return nil, err
	}

	resp, err := r.executeCommand(ctx, host.NodeID, env, protocol.CommandUpdateHost, opts)
	if err != nil {
		return nil, err
	}
	resp.NodeID = host.NodeID
	resp.Location = host.Location
	return resp, nil
}

// RouteDeleteHost removes a host from its node's local inventory. The node
// may be offline (queued response). The aggregated row is removed only
// after the node acknowledges.
func (r *Router) RouteDeleteHost(ctx context.Context, rawFQN string, opts ExecuteOptions) (*Response, error) {
	host, fqn, err := r.resolveHost(ctx, rawFQN)
	if err != nil {
		return nil, err
	}

	env, err := protocol.NewCommand(protocol.CommandDeleteHost, newCommandID(), protocol.DeleteHostPayload{Name: host.Name})
	if err != nil {
		return nil, err
	}

	resp, err := r.executeCommand(ctx, host.NodeID, env, protocol.CommandDeleteHost, opts)
	if err != nil {
		return nil, err
	}
	resp.NodeID = host.NodeID
	resp.Location = host.Location

	if resp.State == command.StateAcknowledged {
		if err := r.hosts.OnHostRemoved(ctx, host.NodeID, host.Name); err != nil {
			r.logger.Error("failed to remove aggregated host after delete", "fqn", fqn, "error", err)
		}
	}
	return resp, nil
}
