// Package command provides the durable command queue: every operator
// command is persisted before dispatch, carries an optional idempotency
// key scoped to its target node, and walks a small state machine
//
//	queued → sent → acknowledged | failed | timed_out
//
// Terminal states are acknowledged, failed, and timed_out. A record only
// returns to queued through an external requeue job; the core never does
// it. Store implementations: MemoryStore (dev/test), SQLiteStore
// (single-node production), PostgresStore (multi-instance production).
package command

import (
	"context"
	"errors"
	"time"

	"github.com/woly-net/woly/pkg/protocol"
)

// State is the lifecycle state of a command record.
type State string

const (
	StateQueued       State = "queued"
	StateSent         State = "sent"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed || s == StateTimedOut
}

// ErrNotFound is returned by lookups for an unknown command id.
var ErrNotFound = errors.New("command not found")

// Record is the authoritative persisted state of one command.
type Record struct {
	ID             string               `json:"id"`
	NodeID         string               `json:"nodeId"`
	Type           protocol.CommandType `json:"type"`
	Payload        []byte               `json:"payload"` // wire envelope, sent verbatim to the node
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
	State          State                `json:"state"`
	Error          string               `json:"error,omitempty"`
	RetryCount     int                  `json:"retryCount"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	SentAt         *time.Time           `json:"sentAt,omitempty"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
}

// Store is the persistence interface for command records.
type Store interface {
	// Enqueue inserts a new queued record. If idempotencyKey is non-empty
	// and a record already exists for (nodeID, idempotencyKey), the
	// existing record is returned unchanged and no insert happens. The
	// insert-or-return decision is atomic against concurrent callers.
	Enqueue(ctx context.Context, id, nodeID string, cmdType protocol.CommandType, payload []byte, idempotencyKey string) (*Record, error)

	// MarkSent transitions to sent, stamps sentAt, and increments the
	// retry counter. Calling it on an already-sent row is a re-dispatch
	// and increments the counter again.
	MarkSent(ctx context.Context, id string) error

	// MarkAcknowledged transitions to acknowledged. Idempotent; the first
	// completedAt wins.
	MarkAcknowledged(ctx context.Context, id string) error

	// MarkFailed transitions to failed with the given reason.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// MarkTimedOut transitions to timed_out with the given reason.
	MarkTimedOut(ctx context.Context, id, errMsg string) error

	FindByID(ctx context.Context, id string) (*Record, error)
	FindByIdempotencyKey(ctx context.Context, nodeID, key string) (*Record, error)

	// ListQueuedByNode returns queued records for a node ordered by
	// createdAt ascending, up to limit. Used by the reconnect flush.
	ListQueuedByNode(ctx context.Context, nodeID string, limit int) ([]*Record, error)

	// ListRecent returns the newest records, optionally filtered by node.
	ListRecent(ctx context.Context, limit int, nodeID string) ([]*Record, error)

	// ReconcileStaleInFlight transitions rows stuck in sent whose
	// createdAt is older than timeout to timed_out. Queued rows are left
	// alone: the offline-queue TTL belongs to the router. Returns the
	// number of rows transitioned. Run once at startup.
	ReconcileStaleInFlight(ctx context.Context, timeout time.Duration) (int, error)

	// PruneOldCommands deletes records older than retention. Returns the
	// number of rows removed.
	PruneOldCommands(ctx context.Context, retention time.Duration) (int, error)

	Close() error
}
