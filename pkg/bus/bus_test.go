package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/woly-net/woly/pkg/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := New(testLogger())
	var order []int

	b.Subscribe("ev", func(Event) { order = append(order, 1) })
	b.Subscribe("ev", func(Event) { order = append(order, 2) })
	b.Subscribe("ev", func(Event) { order = append(order, 3) })

	b.Publish(Event{Type: "ev"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", order)
	}
}

func TestBus_PanickingHandlerDoesNotBreakFanout(t *testing.T) {
	b := New(testLogger())
	var delivered bool

	b.Subscribe("ev", func(Event) { panic("boom") })
	b.Subscribe("ev", func(Event) { delivered = true })

	b.Publish(Event{Type: "ev"})

	if !delivered {
		t.Error("handler after the panicking one was not invoked")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(testLogger())
	var count int

	unsub := b.Subscribe("ev", func(Event) { count++ })
	b.Publish(Event{Type: "ev"})
	unsub()
	b.Publish(Event{Type: "ev"})

	if count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}
	if n := b.SubscriberCount("ev"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestBus_UnsubscribeDuringDeliveryIsSafe(t *testing.T) {
	b := New(testLogger())
	var second bool

	var unsub func()
	unsub = b.Subscribe("ev", func(Event) { unsub() })
	b.Subscribe("ev", func(Event) { second = true })

	b.Publish(Event{Type: "ev"})

	if !second {
		t.Error("second handler skipped after in-flight unsubscribe")
	}
}

func TestBus_StampsMissingTimestamp(t *testing.T) {
	b := New(testLogger())
	var got time.Time

	b.Subscribe("ev", func(ev Event) { got = ev.Timestamp })
	b.Publish(Event{Type: "ev"})

	if got.IsZero() {
		t.Error("published event has zero timestamp")
	}
}

func TestBus_CountsPublishedEvents(t *testing.T) {
	b := New(testLogger())
	metric := observability.EventsPublished.WithLabelValues("bus.test.counted")
	before := testutil.ToFloat64(metric)

	b.Publish(Event{Type: "bus.test.counted"})
	b.Publish(Event{Type: "bus.test.counted"})

	if got := testutil.ToFloat64(metric); got != before+2 {
		t.Errorf("events counted = %v, want %v", got, before+2)
	}
}

// fqnEvent is a minimal HostEventData for bridge tests.
type fqnEvent struct{ fqn string }

func (e fqnEvent) EventHostFQN() string { return e.fqn }

func TestBridge_RenamesNativeEvents(t *testing.T) {
	hostEvents := New(testLogger())
	nodeEvents := New(testLogger())
	central := New(testLogger())

	var received []string
	for _, typ := range []string{EventHostDiscovered, EventHostRemoved, EventNodeConnected} {
		central.Subscribe(typ, func(ev Event) { received = append(received, ev.Type) })
	}

	br := NewBridge(hostEvents, nodeEvents, central, testLogger())
	br.Start()

	hostEvents.Publish(Event{Type: NativeHostAdded, Data: fqnEvent{fqn: "desktop@lab-n"}})
	hostEvents.Publish(Event{Type: NativeHostRemoved, Data: fqnEvent{fqn: "desktop@lab-n"}})
	nodeEvents.Publish(Event{Type: NativeNodeConnected, Data: struct{}{}})

	if len(received) != 3 {
		t.Fatalf("central events = %v, want 3", received)
	}
	if received[0] != EventHostDiscovered || received[1] != EventHostRemoved || received[2] != EventNodeConnected {
		t.Errorf("renamed types = %v", received)
	}
}

func TestBridge_DropsHostEventsWithoutFQN(t *testing.T) {
	hostEvents := New(testLogger())
	central := New(testLogger())

	var count int
	central.Subscribe(EventHostDiscovered, func(Event) { count++ })

	br := NewBridge(hostEvents, New(testLogger()), central, testLogger())
	br.Start()

	hostEvents.Publish(Event{Type: NativeHostAdded, Data: fqnEvent{fqn: ""}})
	hostEvents.Publish(Event{Type: NativeHostAdded, Data: "not a host event"})

	if count != 0 {
		t.Errorf("forwarded %d events without fqn, want 0", count)
	}
}

func TestBridge_ShutdownDetachesListeners(t *testing.T) {
	hostEvents := New(testLogger())
	central := New(testLogger())

	var count int
	central.Subscribe(EventHostDiscovered, func(Event) { count++ })

	br := NewBridge(hostEvents, New(testLogger()), central, testLogger())
	br.Start()
	br.Shutdown()

	hostEvents.Publish(Event{Type: NativeHostAdded, Data: fqnEvent{fqn: "desktop@lab-n"}})

	if count != 0 {
		t.Errorf("events forwarded after shutdown = %d, want 0", count)
	}
}
