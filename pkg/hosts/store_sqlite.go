// Package hosts — SQLite-backed aggregated host table.
package hosts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)

	"github.com/woly-net/woly/pkg/protocol"
)

// SQLiteStore implements the hosts Store interface with SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the host database at dbPath.
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
		`CREATE TABLE IF NOT EXISTS aggregated_hosts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mac TEXT NOT NULL DEFAULT '',
			secondary_macs TEXT NOT NULL DEFAULT '[]',
			ip TEXT NOT NULL DEFAULT '',
			wol_port INTEGER,
			status TEXT NOT NULL DEFAULT 'asleep',
			location TEXT NOT NULL DEFAULT '',
			fully_qualified_name TEXT NOT NULL,
			discovered INTEGER NOT NULL DEFAULT 0,
			ping_responsive INTEGER,
			last_seen DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_node_name ON aggregated_hosts(node_id, name)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_node_mac ON aggregated_hosts(node_id, mac)`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_fqn ON aggregated_hosts(fully_qualified_name)`,
		`CREATE TABLE IF NOT EXISTS host_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_fqn TEXT NOT NULL,
			old_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			changed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_fqn_changed ON host_status_history(host_fqn, changed_at)`,
		`CREATE TABLE IF NOT EXISTS host_port_scans (
			host_fqn TEXT PRIMARY KEY,
			open_ports TEXT NOT NULL DEFAULT '[]',
			scanned_at DATETIME NOT NULL
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

const hostColumns = `id, node_id, name, mac, secondary_macs, ip, wol_port, status, location, fully_qualified_name, discovered, ping_responsive, last_seen, created_at, updated_at`

func (s *SQLiteStore) FindByNodeAndMAC(ctx context.Context, nodeID, mac string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? AND mac = ? LIMIT 1`, nodeID, mac)
	return scanHost(row)
}

func (s *SQLiteStore) FindByNodeAndName(ctx context.Context, nodeID, name string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? AND name = ? LIMIT 1`, nodeID, name)
	return scanHost(row)
}

func (s *SQLiteStore) FindByFQN(ctx context.Context, fqn string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE fully_qualified_name = ? LIMIT 1`, fqn)
	return scanHost(row)
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts ORDER BY node_id, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHosts(rows)
}

func (s *SQLiteStore) ListByNode(ctx context.Context, nodeID string) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? ORDER BY name`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHosts(rows)
}

func (s *SQLiteStore) Insert(ctx context.Context, h *Host) (*Host, error) {
	macsJSON, _ := json.Marshal(h.SecondaryMACs)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregated_hosts (node_id, name, mac, secondary_macs, ip, wol_port, status, location, fully_qualified_name, discovered, ping_responsive, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.NodeID, h.Name, h.MAC, string(macsJSON), h.IP, nullableInt(h.WolPort),
		string(h.Status), h.Location, h.FullyQualifiedName, boolToInt(h.Discovered),
		nullableBool(h.PingResponsive), h.LastSeen.UTC(), h.CreatedAt.UTC(), h.UpdatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("insert host %s: %w", h.FullyQualifiedName, err)
	}
	id, _ := res.LastInsertId()
	h.ID = id
	return h, nil
}

func (s *SQLiteStore) Update(ctx context.Context, h *Host) error {
	macsJSON, _ := json.Marshal(h.SecondaryMACs)
	res, err := s.db.ExecContext(ctx, `
		UPDATE aggregated_hosts SET
			name=?, mac=?, secondary_macs=?, ip=?, wol_port=?, status=?, location=?,
			fully_qualified_name=?, discovered=?, ping_responsive=?, last_seen=?, updated_at=?
		WHERE id=?
	`, h.Name, h.MAC, string(macsJSON), h.IP, nullableInt(h.WolPort), string(h.Status),
		h.Location, h.FullyQualifiedName, boolToInt(h.Discovered), nullableBool(h.PingResponsive),
		h.LastSeen.UTC(), h.UpdatedAt.UTC(), h.ID)
	if err != nil {
		return fmt.Errorf("update host %d: %w", h.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteByID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM aggregated_hosts WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteByNodeAndName(ctx context.Context, nodeID, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM aggregated_hosts WHERE node_id = ? AND name = ?`, nodeID, name)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteOthersByNodeAndMAC(ctx context.Context, nodeID, mac string, keepID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM aggregated_hosts WHERE node_id = ? AND mac = ? AND id != ?`, nodeID, mac, keepID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteByNode(ctx context.Context, nodeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM aggregated_hosts WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkAwakeAsleep(ctx context.Context, nodeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE aggregated_hosts SET status='asleep', updated_at=? WHERE node_id = ? AND status='awake'`,
		time.Now().UTC(), nodeID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ------------------------------------------------------------------
// Status history
// ------------------------------------------------------------------

func (s *SQLiteStore) AppendStatusHistory(ctx context.Context, e *StatusHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO host_status_history (host_fqn, old_status, new_status, changed_at) VALUES (?, ?, ?, ?)`,
		e.HostFQN, string(e.OldStatus), string(e.NewStatus), e.ChangedAt.UTC())
	return err
}

func (s *SQLiteStore) ListStatusHistory(ctx context.Context, fqn string, since time.Time, limit int) ([]*StatusHistoryEntry, error) {
	query := `SELECT host_fqn, old_status, new_status, changed_at FROM host_status_history WHERE host_fqn = ?`
	args := []any{fqn}
	if !since.IsZero() {
		query += ` AND changed_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY changed_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		var oldS, newS string
		if err := rows.Scan(&e.HostFQN, &oldS, &newS, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.OldStatus = protocol.HostStatus(oldS)
		e.NewStatus = protocol.HostStatus(newS)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneStatusHistory(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM host_status_history WHERE changed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune status history: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ------------------------------------------------------------------
// Port-scan snapshots
// ------------------------------------------------------------------

func (s *SQLiteStore) SavePortScanSnapshot(ctx context.Context, snap *PortScanSnapshot) error {
	portsJSON, _ := json.Marshal(snap.OpenPorts)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_port_scans (host_fqn, open_ports, scanned_at) VALUES (?, ?, ?)
		ON CONFLICT(host_fqn) DO UPDATE SET open_ports=excluded.open_ports, scanned_at=excluded.scanned_at
	`, snap.HostFQN, string(portsJSON), snap.ScannedAt.UTC())
	return err
}

func (s *SQLiteStore) GetPortScanSnapshot(ctx context.Context, fqn string) (*PortScanSnapshot, error) {
	var snap PortScanSnapshot
	var portsJSON string
	err := s.db.QueryRowContext(ctx, `SELECT host_fqn, open_ports, scanned_at FROM host_port_scans WHERE host_fqn = ?`, fqn).
		Scan(&snap.HostFQN, &portsJSON, &snap.ScannedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	json.Unmarshal([]byte(portsJSON), &snap.OpenPorts)
	return &snap, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, status, COUNT(*) FROM aggregated_hosts GROUP BY node_id, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Stats{PerNode: make(map[string]int)}
	for rows.Next() {
		var nodeID, status string
		var count int
		if err := rows.Scan(&nodeID, &status, &count); err != nil {
			return nil, err
		}
		stats.TotalHosts += count
		stats.PerNode[nodeID] += count
		switch protocol.HostStatus(status) {
		case protocol.HostAwake:
			stats.Awake += count
		case protocol.HostAsleep:
			stats.Asleep += count
		}
	}
	return stats, rows.Err()
}

// ------------------------------------------------------------------
// Scan helpers
// ------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(row scanner) (*Host, error) {
	var h Host
	var macsJSON, statusStr string
	var wolPort sql.NullInt64
	var pingResp sql.NullInt64
	var discovered int

	err := row.Scan(&h.ID, &h.NodeID, &h.Name, &h.MAC, &macsJSON, &h.IP, &wolPort,
		&statusStr, &h.Location, &h.FullyQualifiedName, &discovered, &pingResp,
		&h.LastSeen, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	h.Status = protocol.HostStatus(statusStr)
	h.Discovered = discovered != 0
	if wolPort.Valid {
		p := int(wolPort.Int64)
		h.WolPort = &p
	}
	if pingResp.Valid {
		b := pingResp.Int64 != 0
		h.PingResponsive = &b
	}
	json.Unmarshal([]byte(macsJSON), &h.SecondaryMACs)
	return &h, nil
}

func scanHosts(rows *sql.Rows) ([]*Host, error) {
	var out []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableBool(p *bool) any {
	if p == nil {
		return nil
	}
	return boolToInt(*p)
}
