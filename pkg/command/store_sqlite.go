// Package command — SQLite-backed durable command queue.
//
// SQLiteStore is the default production backend. Idempotency is enforced
// by a partial unique index on (node_id, idempotency_key); a constraint
// violation on insert is converted into a lookup of the winning row.
package command

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)

	"github.com/woly-net/woly/pkg/protocol"
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the command database at dbPath.
// Use ":memory:" for an in-memory database (testing).
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
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			idempotency_key TEXT,
			state TEXT NOT NULL DEFAULT 'queued',
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			sent_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_idempotency
			ON commands(node_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_commands_node_state ON commands(node_id, state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at)`,
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

func (s *SQLiteStore) Enqueue(ctx context.Context, id, nodeID string, cmdType protocol.CommandType, payload []byte, idempotencyKey string) (*Record, error) {
	now := time.Now().UTC()
	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, node_id, type, payload, idempotency_key, state, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?)
	`, id, nodeID, string(cmdType), payload, key, now, now)
	if err != nil {
		if idempotencyKey != "" && isSQLiteUniqueViolation(err) {
			return s.FindByIdempotencyKey(ctx, nodeID, idempotencyKey)
		}
		return nil, fmt.Errorf("enqueue command %s: %w", id, err)
	}
	return s.FindByID(ctx, id)
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='sent', sent_at=?, retry_count=retry_count+1, updated_at=? WHERE id=?`, now, now, id)
}

func (s *SQLiteStore) MarkAcknowledged(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='acknowledged', completed_at=COALESCE(completed_at, ?), updated_at=? WHERE id=?`, now, now, id)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='failed', error=?, completed_at=COALESCE(completed_at, ?), updated_at=? WHERE id=?`, errMsg, now, now, id)
}

func (s *SQLiteStore) MarkTimedOut(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='timed_out', error=?, completed_at=COALESCE(completed_at, ?), updated_at=? WHERE id=?`, errMsg, now, now, id)
}

func (s *SQLiteStore) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return nil
}

const commandColumns = `id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, updated_at, sent_at, completed_at`

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, nodeID, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE node_id = ? AND idempotency_key = ?`, nodeID, key)
	return scanCommand(row)
}

func (s *SQLiteStore) ListQueuedByNode(ctx context.Context, nodeID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE node_id = ? AND state = 'queued' ORDER BY created_at ASC LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int, nodeID string) ([]*Record, error) {
	query := `SELECT ` + commandColumns + ` FROM commands`
	var args []any
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *SQLiteStore) ReconcileStaleInFlight(ctx context.Context, timeout time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)
	res, err := s.db.ExecContext(ctx, `UPDATE commands
		SET state='timed_out', error='Command stale after restart', completed_at=?, updated_at=?
		WHERE state='sent' AND created_at < ?`, now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PruneOldCommands(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ------------------------------------------------------------------
// Scan helpers
// ------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*Record, error) {
	var r Record
	var typeStr, stateStr string
	var key sql.NullString
	var sentAt, completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.NodeID, &typeStr, &r.Payload, &key, &stateStr,
		&r.Error, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt, &sentAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r.Type = protocol.CommandType(typeStr)
	r.State = State(stateStr)
	if key.Valid {
		r.IdempotencyKey = key.String
	}
	if sentAt.Valid {
		t := sentAt.Time
		r.SentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func scanCommands(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
