// Package push delivers per-user mobile notifications for domain events,
// honoring per-user preferences and quiet hours, via FCM (android) and
// APNS (ios). Tokens that providers report as permanently dead are pruned.
package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// ErrNotFound is returned for lookups of unknown devices.
var ErrNotFound = errors.New("device not found")

// Platform identifies a device's push transport.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// Device is one registered push target. Token is unique across users.
type Device struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Platform  Platform  `json:"platform"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QuietHours is a daily do-not-disturb window in the user's timezone.
// StartHour == EndHour means all day; StartHour > EndHour wraps midnight.
type QuietHours struct {
	StartHour int    `json:"startHour"`
	EndHour   int    `json:"endHour"`
	Timezone  string `json:"timezone,omitempty"`
}

// Preferences is a user's notification policy.
type Preferences struct {
	UserID     string      `json:"userId"`
	Enabled    bool        `json:"enabled"`
	Events     []string    `json:"events"`
	QuietHours *QuietHours `json:"quietHours,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Wants reports whether the user subscribed to the notification type. An
// empty event list means all types.
func (p *Preferences) Wants(event string) bool {
	if !p.Enabled {
		return false
	}
	if len(p.Events) == 0 {
		return true
	}
	for _, e := range p.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DefaultPreferences is what a user without a stored row gets: enabled,
// all events, no quiet hours.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{UserID: userID, Enabled: true}
}

// Store persists devices and notification preferences.
type Store interface {
	RegisterDevice(ctx context.Context, userID string, platform Platform, token string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	ListDevicesByUser(ctx context.Context, userID string) ([]*Device, error)
	DeleteDeviceByToken(ctx context.Context, token string) error
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
	SavePreferences(ctx context.Context, prefs *Preferences) error
	Close() error
}

// SQLiteStore implements Store with SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the push database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
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
		`CREATE TABLE IF NOT EXISTS push_devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_push_devices_user ON push_devices(user_id)`,
		`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			events TEXT NOT NULL DEFAULT '[]',
			quiet_hours TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
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

// RegisterDevice upserts by token: re-registering an existing token moves
// it to the new user/platform.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, userID string, platform Platform, token string) (*Device, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("invalid platform %q (supported: ios, android)", platform)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_devices (user_id, platform, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id=excluded.user_id, platform=excluded.platform, updated_at=excluded.updated_at
	`, userID, string(platform), token, now, now)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	var d Device
	var platformStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, token, created_at, updated_at FROM push_devices WHERE token = ?`, token).
		Scan(&d.ID, &d.UserID, &platformStr, &d.Token, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Platform = Platform(platformStr)
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, platform, token, created_at, updated_at FROM push_devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *SQLiteStore) ListDevicesByUser(ctx context.Context, userID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, platform, token, created_at, updated_at FROM push_devices WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *SQLiteStore) DeleteDeviceByToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM push_devices WHERE token = ?`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPreferences returns the stored preferences or the defaults when none
// are stored.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var p Preferences
	var enabled int
	var eventsJSON string
	var quietJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, enabled, events, quiet_hours, created_at, updated_at
		FROM notification_preferences WHERE user_id = ?
	`, userID).Scan(&p.UserID, &enabled, &eventsJSON, &quietJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return DefaultPreferences(userID), nil
		}
		return nil, err
	}
	p.Enabled = enabled != 0
	json.Unmarshal([]byte(eventsJSON), &p.Events)
	if quietJSON.Valid && quietJSON.String != "" {
		var q QuietHours
		if json.Unmarshal([]byte(quietJSON.String), &q) == nil {
			p.QuietHours = &q
		}
	}
	return &p, nil
}

func (s *SQLiteStore) SavePreferences(ctx context.Context, prefs *Preferences) error {
	if err := validateQuietHours(prefs.QuietHours); err != nil {
		return err
	}
	now := time.Now().UTC()
	eventsJSON, _ := json.Marshal(prefs.Events)
	var quietJSON any
	if prefs.QuietHours != nil {
		b, _ := json.Marshal(prefs.QuietHours)
		quietJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, enabled, events, quiet_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET enabled=excluded.enabled, events=excluded.events,
			quiet_hours=excluded.quiet_hours, updated_at=excluded.updated_at
	`, prefs.UserID, boolToInt(prefs.Enabled), string(eventsJSON), quietJSON, now, now)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func validateQuietHours(q *QuietHours) error {
	if q == nil {
		return nil
	}
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		return fmt.Errorf("quiet hours must be within 0-23, got %d-%d", q.StartHour, q.EndHour)
	}
	return nil
}

func scanDevices(rows *sql.Rows) ([]*Device, error) {
	var out []*Device
	for rows.Next() {
		var d Device
		var platformStr string
		if err := rows.Scan(&d.ID, &d.UserID, &platformStr, &d.Token, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Platform = Platform(platformStr)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
