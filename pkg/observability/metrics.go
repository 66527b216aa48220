// Package observability exposes the server's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsEnqueued counts persisted command records by type.
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woly_commands_enqueued_total",
		Help: "Commands enqueued into the durable store, by command type.",
	}, []string{"type"})

	// CommandsDispatched counts wire sends to node agents by type.
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woly_commands_dispatched_total",
		Help: "Commands dispatched to node agents, by command type.",
	}, []string{"type"})

	// CommandsCompleted counts terminal transitions by type and outcome
	// (acknowledged, failed, timed_out).
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woly_commands_completed_total",
		Help: "Commands reaching a terminal state, by type and outcome.",
	}, []string{"type", "outcome"})

	// CommandDuration observes enqueue-to-terminal latency in seconds.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woly_command_duration_seconds",
		Help:    "Time from enqueue to terminal state.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ConnectedNodes tracks live node sessions.
	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "woly_connected_nodes",
		Help: "Currently connected node agents.",
	})

	// WebhookDeliveries counts webhook delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woly_webhook_deliveries_total",
		Help: "Webhook delivery attempts, by outcome (success, failure).",
	}, []string{"outcome"})

	// PushDeliveries counts push sends by platform and outcome.
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woly_push_deliveries_total",
		Help: "Push notification sends, by platform and outcome.",
	}, []string{"platform", "outcome"})

	// EventsPublished counts events on the in-process buses by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woly_events_published_total",
		Help: "Events published on the in-process buses, by event type.",
	}, []string{"event"})
)
