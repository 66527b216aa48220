// Package command — PostgreSQL-backed command queue for multi-instance
// deployments where several server replicas share one database.
package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/woly-net/woly/pkg/protocol"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	Host     string `json:"host"     yaml:"host"     env:"WOLY_PG_HOST"`
	Port     int    `json:"port"     yaml:"port"     env:"WOLY_PG_PORT"`
	User     string `json:"user"     yaml:"user"     env:"WOLY_PG_USER"`
	Password string `json:"password" yaml:"password" env:"WOLY_PG_PASSWORD"`
	Database string `json:"database" yaml:"database" env:"WOLY_PG_DATABASE"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" env:"WOLY_PG_SSLMODE"` // "disable", "require", "verify-full"
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a PostgreSQL-backed command store.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			idempotency_key TEXT,
			state TEXT NOT NULL DEFAULT 'queued',
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_idempotency
			ON commands(node_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_commands_node_state ON commands(node_id, state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, id, nodeID string, cmdType protocol.CommandType, payload []byte, idempotencyKey string) (*Record, error) {
	now := time.Now().UTC()
	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, node_id, type, payload, idempotency_key, state, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7)
	`, id, nodeID, string(cmdType), payload, key, now, now)
	if err != nil {
		if idempotencyKey != "" && isPGUniqueViolation(err) {
			return s.FindByIdempotencyKey(ctx, nodeID, idempotencyKey)
		}
		return nil, fmt.Errorf("enqueue command %s: %w", id, err)
	}
	return s.FindByID(ctx, id)
}

func (s *PostgresStore) MarkSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='sent', sent_at=$1, retry_count=retry_count+1, updated_at=$2 WHERE id=$3`, now, now, id)
}

func (s *PostgresStore) MarkAcknowledged(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='acknowledged', completed_at=COALESCE(completed_at, $1), updated_at=$2 WHERE id=$3`, now, now, id)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='failed', error=$1, completed_at=COALESCE(completed_at, $2), updated_at=$3 WHERE id=$4`, errMsg, now, now, id)
}

func (s *PostgresStore) MarkTimedOut(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return s.exec(ctx, id, `UPDATE commands SET state='timed_out', error=$1, completed_at=COALESCE(completed_at, $2), updated_at=$3 WHERE id=$4`, errMsg, now, now, id)
}

func (s *PostgresStore) exec(ctx context.Context, id, query string, args ...any) error {
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

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
	return scanCommand(row)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, nodeID, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE node_id = $1 AND idempotency_key = $2`, nodeID, key)
	return scanCommand(row)
}

func (s *PostgresStore) ListQueuedByNode(ctx context.Context, nodeID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE node_id = $1 AND state = 'queued' ORDER BY created_at ASC LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int, nodeID string) ([]*Record, error) {
	var rows *sql.Rows
	var err error
	if nodeID != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+commandColumns+` FROM commands
			WHERE node_id = $1 ORDER BY created_at DESC LIMIT $2`, nodeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+commandColumns+` FROM commands
			ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *PostgresStore) ReconcileStaleInFlight(ctx context.Context, timeout time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE commands
		SET state='timed_out', error='Command stale after restart', completed_at=$1, updated_at=$2
		WHERE state='sent' AND created_at < $3`, now, now, now.Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("reconcile stale commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) PruneOldCommands(ctx context.Context, retention time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE created_at < $1`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isPGUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}
