package hosts

import (
	"context"
	"fmt"
	"time"

	"github.com/woly-net/woly/pkg/protocol"
)

// uptimePeriods maps the accepted period strings to durations.
var uptimePeriods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// GetHostUptime computes the awake/asleep split for a host over one of the
// accepted periods ("24h", "7d", "30d") from its status-history log.
//
// The status at the window start is derived from the oldest in-window
// transition (its OldStatus is what the host was before it); with no
// transitions in the window the host has been in its current status the
// whole time.
func (a *Aggregator) GetHostUptime(ctx context.Context, fqn, period string) (*UptimeReport, error) {
	window, ok := uptimePeriods[period]
	if !ok {
		return nil, fmt.Errorf("invalid uptime period %q (valid: 24h, 7d, 30d)", period)
	}

	host, err := a.store.FindByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := now.Add(-window)

	entries, err := a.store.ListStatusHistory(ctx, fqn, start, 0)
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}

	statusAtStart := host.Status
	if len(entries) > 0 {
		statusAtStart = entries[0].OldStatus
	}

	var awake, asleep time.Duration
	cursor := start
	status := statusAtStart
	for _, e := range entries {
		at := e.ChangedAt
		if at.Before(start) {
			at = start
		}
		accumulate(&awake, &asleep, status, at.Sub(cursor))
		cursor = at
		status = e.NewStatus
	}
	accumulate(&awake, &asleep, status, now.Sub(cursor))

	total := awake + asleep
	percent := 0.0
	if total > 0 {
		percent = float64(awake) / float64(total) * 100
	}

	return &UptimeReport{
		HostFQN:       fqn,
		Period:        period,
		AwakeMs:       awake.Milliseconds(),
		AsleepMs:      asleep.Milliseconds(),
		UptimePercent: percent,
		Transitions:   len(entries),
		CurrentStatus: host.Status,
	}, nil
}

func accumulate(awake, asleep *time.Duration, status protocol.HostStatus, d time.Duration) {
	if d <= 0 {
		return
	}
	if status == protocol.HostAwake {
		*awake += d
	} else {
		*asleep += d
	}
}
