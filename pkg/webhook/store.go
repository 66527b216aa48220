// Package webhook delivers domain events to operator-registered HTTP
// endpoints, with HMAC signing, bounded retries, and a persisted delivery
// log per attempt.
package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// ErrNotFound is returned for lookups of unknown webhooks.
var ErrNotFound = errors.New("webhook not found")

// Webhook is one registered delivery target.
type Webhook struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SubscribesTo reports whether the webhook wants the event type. An empty
// event list means all events.
func (w *Webhook) SubscribesTo(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryLog records one delivery attempt, success or failure.
type DeliveryLog struct {
	ID             int64     `json:"id"`
	WebhookID      int64     `json:"webhookId"`
	EventType      string    `json:"eventType"`
	Attempt        int       `json:"attempt"`
	Status         string    `json:"status"` // "success" | "failure"
	ResponseStatus int       `json:"responseStatus,omitempty"`
	Error          string    `json:"error,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists webhook registrations and their delivery logs.
type Store interface {
	CreateWebhook(ctx context.Context, url string, events []string, secret string) (*Webhook, error)
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	// ListTargetsByEvent returns webhooks subscribed to the event type,
	// loaded fresh per dispatch.
	ListTargetsByEvent(ctx context.Context, event string) ([]*Webhook, error)
	DeleteWebhook(ctx context.Context, id int64) error
	AppendDeliveryLog(ctx context.Context, log *DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]*DeliveryLog, error)
	Close() error
}

// SQLiteStore implements Store with SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the webhook database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS webhooks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			secret TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			webhook_id INTEGER NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			response_status INTEGER,
			error TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_logs_webhook ON webhook_delivery_logs(webhook_id, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateWebhook(ctx context.Context, url string, events []string, secret string) (*Webhook, error) {
	now := time.Now().UTC()
	eventsJSON, _ := json.Marshal(events)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (url, events, secret, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		url, string(eventsJSON), secret, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Webhook{ID: id, URL: url, Events: events, Secret: secret, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, events, secret, created_at, updated_at FROM webhooks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func (s *SQLiteStore) ListTargetsByEvent(ctx context.Context, event string) ([]*Webhook, error) {
	// Event filtering happens in Go: the list is small and the events
	// column is a JSON array.
	all, err := s.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Webhook
	for _, w := range all {
		if w.SubscribesTo(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendDeliveryLog(ctx context.Context, l *DeliveryLog) error {
	var respStatus any
	if l.ResponseStatus != 0 {
		respStatus = l.ResponseStatus
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_delivery_logs (webhook_id, event_type, attempt, status, response_status, error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.WebhookID, l.EventType, l.Attempt, l.Status, respStatus, l.Error, l.Payload, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]*DeliveryLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, attempt, status, response_status, error, payload, created_at
		FROM webhook_delivery_logs WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		var respStatus sql.NullInt64
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.EventType, &l.Attempt, &l.Status,
			&respStatus, &l.Error, &l.Payload, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.ResponseStatus = int(respStatus.Int64)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func scanWebhooks(rows *sql.Rows) ([]*Webhook, error) {
	var out []*Webhook
	for rows.Next() {
		var w Webhook
		var eventsJSON string
		if err := rows.Scan(&w.ID, &w.URL, &eventsJSON, &w.Secret, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(eventsJSON), &w.Events)
		out = append(out, &w)
	}
	return out, rows.Err()
}
