package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/woly-net/woly/pkg/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	headers http.Header
	body    []byte
}

func TestDispatcher_DeliversSignedEnvelope(t *testing.T) {
	store := newTestStore(t)
	received := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- capturedRequest{headers: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := store.CreateWebhook(context.Background(), srv.URL, []string{bus.EventHostDiscovered}, "s3cret")
	require.NoError(t, err)

	central := bus.New(testLogger())
	d := NewDispatcher(Config{RetryBaseDelay: 10 * time.Millisecond}, store, testLogger())
	d.Start(central)
	defer d.Shutdown()

	central.Publish(bus.Event{
		Type: bus.EventHostDiscovered,
		Data: map[string]string{"fqn": "desktop@lab-node-1"},
	})

	var req capturedRequest
	select {
	case req = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}

	require.Equal(t, "application/json", req.headers.Get("Content-Type"))
	require.Equal(t, "woly-webhook/1.0", req.headers.Get("User-Agent"))
	require.Equal(t, bus.EventHostDiscovered, req.headers.Get("X-Woly-Event"))
	require.Equal(t, "1", req.headers.Get("X-Woly-Delivery-Attempt"))
	require.Equal(t, Sign("s3cret", req.body), req.headers.Get("X-Woly-Signature"))

	var env struct {
		Event     string            `json:"event"`
		Timestamp time.Time         `json:"timestamp"`
		Data      map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(req.body, &env))
	require.Equal(t, bus.EventHostDiscovered, env.Event)
	require.False(t, env.Timestamp.IsZero())
	require.Equal(t, "desktop@lab-node-1", env.Data["fqn"])

	// One successful delivery, one log row.
	require.Eventually(t, func() bool {
		logs, err := store.ListDeliveryLogs(context.Background(), wh.ID, 0)
		return err == nil && len(logs) == 1 && logs[0].Status == "success"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := store.CreateWebhook(context.Background(), srv.URL, nil, "")
	require.NoError(t, err)

	central := bus.New(testLogger())
	d := NewDispatcher(Config{RetryBaseDelay: 10 * time.Millisecond}, store, testLogger())
	d.Start(central)
	defer d.Shutdown()

	central.Publish(bus.Event{Type: bus.EventNodeConnected, Data: map[string]string{"nodeId": "node-1"}})

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		logs, err := store.ListDeliveryLogs(context.Background(), wh.ID, 0)
		if err != nil || len(logs) != 2 {
			return false
		}
		byAttempt := map[int]string{}
		for _, l := range logs {
			byAttempt[l.Attempt] = l.Status
		}
		return byAttempt[1] == "failure" && byAttempt[2] == "success"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := store.CreateWebhook(context.Background(), srv.URL, nil, "")
	require.NoError(t, err)

	central := bus.New(testLogger())
	d := NewDispatcher(Config{RetryBaseDelay: 5 * time.Millisecond}, store, testLogger())
	d.Start(central)

	central.Publish(bus.Event{Type: bus.EventHostRemoved, Data: map[string]string{"fqn": "desktop@lab-node-1"}})

	// Shutdown waits for in-flight deliveries, so the count is final.
	require.Eventually(t, func() bool {
		return calls.Load() == maxDeliveryAttempts
	}, 2*time.Second, 20*time.Millisecond)
	d.Shutdown()
	require.EqualValues(t, maxDeliveryAttempts, calls.Load())
}

func TestDispatcher_SkipsUnsubscribedTargets(t *testing.T) {
	store := newTestStore(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := store.CreateWebhook(context.Background(), srv.URL, []string{bus.EventHostRemoved}, "")
	require.NoError(t, err)

	central := bus.New(testLogger())
	d := NewDispatcher(Config{}, store, testLogger())
	d.Start(central)

	central.Publish(bus.Event{Type: bus.EventHostDiscovered, Data: map[string]string{"fqn": "desktop@lab-node-1"}})
	d.Shutdown()

	require.Zero(t, calls.Load())
}

func TestSign(t *testing.T) {
	sig := Sign("s3cret", []byte(`{"event":"host.discovered"}`))
	require.True(t, len(sig) == len("sha256=")+64, "signature length")
	require.Equal(t, "sha256=", sig[:7])

	// Deterministic per secret and body.
	require.Equal(t, sig, Sign("s3cret", []byte(`{"event":"host.discovered"}`)))
	require.NotEqual(t, sig, Sign("other", []byte(`{"event":"host.discovered"}`)))
	require.NotEqual(t, sig, Sign("s3cret", []byte(`{}`)))
}
