package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/woly-net/woly/pkg/bus"
	"github.com/woly-net/woly/pkg/observability"
)

// maxDeliveryAttempts bounds retries per target per event.
const maxDeliveryAttempts = 3

const userAgent = "woly-webhook/1.0"

// subscribedEvents are the central bus events the dispatcher fans out.
var subscribedEvents = []string{
	bus.EventHostDiscovered,
	bus.EventHostRemoved,
	bus.EventHostStatusTransition,
	bus.EventNodeConnected,
	bus.EventNodeDisconnected,
	bus.EventScanComplete,
	bus.EventWakeVerificationComplete,
}

// Config tunes delivery behaviour.
type Config struct {
	// DeliveryTimeout bounds a single POST.
	DeliveryTimeout time.Duration
	// RetryBaseDelay is the backoff base between attempts.
	RetryBaseDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
}

// envelope is the JSON body POSTed to targets.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatcher subscribes to the central bus and POSTs events to registered
// webhooks. Delivery failures are retried and logged; they never propagate
// to the publisher.
type Dispatcher struct {
	config Config
	store  Store
	client *http.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe []func()
}

// NewDispatcher creates a webhook dispatcher over the given store.
func NewDispatcher(config Config, store Store, logger *slog.Logger) *Dispatcher {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config: config,
		store:  store,
		client: &http.Client{Timeout: config.DeliveryTimeout},
		logger: logger.With("component", "webhook-dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the central bus.
func (d *Dispatcher) Start(central *bus.Bus) {
	for _, event := range subscribedEvents {
		d.unsubscribe = append(d.unsubscribe, central.Subscribe(event, d.handleEvent))
	}
	d.logger.Info("webhook dispatcher started", "events", len(subscribedEvents))
}

// Shutdown detaches from the bus, cancels pending retries, and waits for
// in-flight deliveries to finish.
func (d *Dispatcher) Shutdown() {
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
	d.cancel()
	d.wg.Wait()
	d.logger.Info("webhook dispatcher stopped")
}

// handleEvent runs in the publisher's goroutine; delivery is pushed to a
// background goroutine so bus fan-out never blocks on HTTP.
func (d *Dispatcher) handleEvent(ev bus.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ev)
	}()
}

func (d *Dispatcher) dispatch(ev bus.Event) {
	targets, err := d.store.ListTargetsByEvent(d.ctx, ev.Type)
	if err != nil {
		d.logger.Error("failed to load webhook targets", "event", ev.Type, "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(envelope{Event: ev.Type, Timestamp: ev.Timestamp, Data: ev.Data})
	if err != nil {
		d.logger.Error("failed to marshal webhook payload", "event", ev.Type, "error", err)
		return
	}

	for _, target := range targets {
		d.deliverWithRetries(target, ev.Type, body)
	}
}

// deliverWithRetries attempts delivery up to maxDeliveryAttempts times with
// exponential backoff, logging every attempt.
func (d *Dispatcher) deliverWithRetries(target *Webhook, event string, body []byte) {
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(float64(d.config.RetryBaseDelay) * math.Pow(2, float64(attempt-2)))
			select {
			case <-time.After(delay):
			case <-d.ctx.Done():
				return
			}
		}

		status, err := d.deliverOnce(target, event, body, attempt)

		logEntry := &DeliveryLog{
			WebhookID:      target.ID,
			EventType:      event,
			Attempt:        attempt,
			Status:         "success",
			ResponseStatus: status,
			Payload:        string(body),
		}
		if err != nil {
			logEntry.Status = "failure"
			logEntry.Error = err.Error()
		}
		if logErr := d.store.AppendDeliveryLog(context.Background(), logEntry); logErr != nil {
			d.logger.Error("failed to persist delivery log", "webhookId", target.ID, "error", logErr)
		}

		if err == nil {
			observability.WebhookDeliveries.WithLabelValues("success").Inc()
			d.logger.Debug("webhook delivered", "webhookId", target.ID, "event", event, "attempt", attempt)
			return
		}
		observability.WebhookDeliveries.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed",
			"webhookId", target.ID, "event", event, "attempt", attempt, "error", err)
	}
}

func (d *Dispatcher) deliverOnce(target *Webhook, event string, body []byte, attempt int) (int, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Woly-Event", event)
	req.Header.Set("X-Woly-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if target.Secret != "" {
		req.Header.Set("X-Woly-Signature", Sign(target.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the X-Woly-Signature header value for a payload:
// "sha256=" followed by hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
