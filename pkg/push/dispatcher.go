package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/hosts"
	"github.com/woly-net/woly/pkg/observability"
	"github.com/woly-net/woly/pkg/protocol"
	"github.com/woly-net/woly/pkg/registry"
)

// Notification event types, as stored in user preferences. Status
// transitions split into awake/asleep so a user can subscribe to one
// without the other. EventScheduledWake is published by the scheduling
// worker, outside this package.
const (
	EventHostAwake     = "host.awake"
	EventHostAsleep    = "host.asleep"
	EventScanComplete  = "scan.complete"
	EventNodeOffline   = "node.offline"
	EventScheduledWake = "wake.scheduled"
)

// Dispatcher fans domain events out to registered devices. It never
// propagates delivery errors to the publisher; everything is logged.
type Dispatcher struct {
	store  Store
	fcm    Provider
	apns   Provider
	logger *slog.Logger
	// now is swappable for quiet-hours tests.
	now func() time.Time

	wg          sync.WaitGroup
	unsubscribe []func()
}

// NewDispatcher creates a push dispatcher. Either provider may be nil, in
// which case that platform's devices are skipped.
func NewDispatcher(store Store, fcm, apns Provider, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		fcm:    fcm,
		apns:   apns,
		logger: logger.With("component", "push-dispatcher"),
		now:    time.Now,
	}
}

// Start subscribes to the central bus.
func (d *Dispatcher) Start(central *bus.Bus) {
	events := []string{
		bus.EventHostStatusTransition,
		bus.EventScanComplete,
		bus.EventNodeDisconnected,
		EventScheduledWake,
	}
	for _, event := range events {
		d.unsubscribe = append(d.unsubscribe, central.Subscribe(event, d.handleEvent))
	}
	d.logger.Info("push dispatcher started")
}

// Shutdown detaches from the bus and waits for in-flight sends.
func (d *Dispatcher) Shutdown() {
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
	d.wg.Wait()
	d.logger.Info("push dispatcher stopped")
}

func (d *Dispatcher) handleEvent(ev bus.Event) {
	event, msg, ok := buildMessage(ev)
	if !ok {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(event, msg)
	}()
}

// buildMessage maps a bus event onto a notification type and content.
func buildMessage(ev bus.Event) (string, Message, bool) {
	data := echoData(ev.Data)
	switch ev.Type {
	case bus.EventHostStatusTransition:
		t, ok := ev.Data.(hosts.StatusTransitionEvent)
		if !ok {
			return "", Message{}, false
		}
		if t.NewStatus == protocol.HostAwake {
			return EventHostAwake, Message{
				Title: "Host Awake",
				Body:  fmt.Sprintf("%s is now awake", t.HostFQN),
				Data:  data,
			}, true
		}
		return EventHostAsleep, Message{
			Title: "Host Asleep",
			Body:  fmt.Sprintf("%s went to sleep", t.HostFQN),
			Data:  data,
		}, true

	case bus.EventScanComplete:
		body := "Network scan finished"
		if s, ok := ev.Data.(registry.ScanCompleteEvent); ok {
			body = fmt.Sprintf("Scan on %s found %d hosts", s.NodeID, s.HostCount)
		}
		return EventScanComplete, Message{Title: "Scan Complete", Body: body, Data: data}, true

	case bus.EventNodeDisconnected:
		body := "A node went offline"
		if n, ok := ev.Data.(registry.NodeEvent); ok {
			body = fmt.Sprintf("Node %s went offline", n.NodeID)
		}
		return EventNodeOffline, Message{Title: "Node Offline", Body: body, Data: data}, true

	case EventScheduledWake:
		return EventScheduledWake, Message{Title: "Scheduled Wake", Body: "A scheduled wake fired", Data: data}, true
	}
	return "", Message{}, false
}

// echoData flattens the event payload into the notification data map.
func echoData(data any) map[string]any {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

func (d *Dispatcher) deliver(event string, msg Message) {
	ctx := context.Background()
	devices, err := d.store.ListDevices(ctx)
	if err != nil {
		d.logger.Error("failed to load push devices", "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}

	// Preferences are loaded once per user, not per device.
	prefsByUser := make(map[string]*Preferences)
	for _, dev := range devices {
		if _, loaded := prefsByUser[dev.UserID]; loaded {
			continue
		}
		prefs, err := d.store.GetPreferences(ctx, dev.UserID)
		if err != nil {
			d.logger.Error("failed to load preferences", "userId", dev.UserID, "error", err)
			prefs = DefaultPreferences(dev.UserID)
		}
		prefsByUser[dev.UserID] = prefs
	}

	for _, dev := range devices {
		prefs := prefsByUser[dev.UserID]
		if !prefs.Wants(event) {
			continue
		}
		if inQuietHours(prefs.QuietHours, d.now()) {
			d.logger.Debug("push suppressed by quiet hours", "userId", dev.UserID, "event", event)
			continue
		}
		d.sendToDevice(ctx, dev, msg)
	}
}

func (d *Dispatcher) sendToDevice(ctx context.Context, dev *Device, msg Message) {
	var provider Provider
	switch dev.Platform {
	case PlatformAndroid:
		provider = d.fcm
	case PlatformIOS:
		provider = d.apns
	}
	if provider == nil {
		return
	}

	result := provider.Send(ctx, dev.Token, msg)
	if result.Success {
		observability.PushDeliveries.WithLabelValues(string(dev.Platform), "success").Inc()
		d.logger.Debug("push delivered", "userId", dev.UserID, "platform", dev.Platform)
		return
	}

	observability.PushDeliveries.WithLabelValues(string(dev.Platform), "failure").Inc()
	d.logger.Error("push delivery failed",
		"userId", dev.UserID, "platform", dev.Platform,
		"status", result.StatusCode, "error", result.Error,
		"permanent", result.PermanentFailure,
	)
	if result.PermanentFailure {
		if err := d.store.DeleteDeviceByToken(ctx, dev.Token); err != nil && err != ErrNotFound {
			d.logger.Error("failed to prune dead token", "userId", dev.UserID, "error", err)
		} else {
			d.logger.Info("pruned dead push token", "userId", dev.UserID, "platform", dev.Platform)
		}
	}
}

// inQuietHours reports whether now falls inside the window. Start == end
// means all day; start > end wraps across midnight. The hour is taken in
// the window's timezone, falling back to UTC when it fails to load.
func inQuietHours(q *QuietHours, now time.Time) bool {
	if q == nil {
		return false
	}
	loc := time.UTC
	if q.Timezone != "" {
		if l, err := time.LoadLocation(q.Timezone); err == nil {
			loc = l
		}
	}
	hour := now.In(loc).Hour()

	switch {
	case q.StartHour == q.EndHour:
		return true
	case q.StartHour < q.EndHour:
		return hour >= q.StartHour && hour < q.EndHour
	default:
		return hour >= q.StartHour || hour < q.EndHour
	}
}
