package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/woly-net/woly/pkg/protocol"
)

// MemoryStore is a non-durable in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byKey   map[string]string // nodeID+"\x00"+idempotencyKey → command id
}

// NewMemoryStore creates an empty in-memory command store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byKey:   make(map[string]string),
	}
}

func keyIndex(nodeID, key string) string { return nodeID + "\x00" + key }

func (s *MemoryStore) Enqueue(_ context.Context, id, nodeID string, cmdType protocol.CommandType, payload []byte, idempotencyKey string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := s.byKey[keyIndex(nodeID, idempotencyKey)]; ok {
			return cloneRecord(s.records[existingID]), nil
		}
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             id,
		NodeID:         nodeID,
		Type:           cmdType,
		Payload:        append([]byte(nil), payload...),
		IdempotencyKey: idempotencyKey,
		State:          StateQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.records[id] = rec
	if idempotencyKey != "" {
		s.byKey[keyIndex(nodeID, idempotencyKey)] = id
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) mutate(id string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	return s.mutate(id, func(r *Record) {
		now := time.Now().UTC()
		r.State = StateSent
		r.SentAt = &now
		r.RetryCount++
	})
}

func (s *MemoryStore) MarkAcknowledged(_ context.Context, id string) error {
	return s.mutate(id, func(r *Record) {
		r.State = StateAcknowledged
		if r.CompletedAt == nil {
			now := time.Now().UTC()
			r.CompletedAt = &now
		}
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	return s.mutate(id, func(r *Record) {
		r.State = StateFailed
		r.Error = errMsg
		if r.CompletedAt == nil {
			now := time.Now().UTC()
			r.CompletedAt = &now
		}
	})
}

func (s *MemoryStore) MarkTimedOut(_ context.Context, id, errMsg string) error {
	return s.mutate(id, func(r *Record) {
		r.State = StateTimedOut
		r.Error = errMsg
		if r.CompletedAt == nil {
			now := time.Now().UTC()
			r.CompletedAt = &now
		}
	})
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, nodeID, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[keyIndex(nodeID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(s.records[id]), nil
}

func (s *MemoryStore) ListQueuedByNode(_ context.Context, nodeID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.NodeID == nodeID && r.State == StateQueued {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int, nodeID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if nodeID != "" && r.NodeID != nodeID {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReconcileStaleInFlight(_ context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-timeout)
	count := 0
	for _, r := range s.records {
		if r.State == StateSent && r.CreatedAt.Before(cutoff) {
			now := time.Now().UTC()
			r.State = StateTimedOut
			r.Error = "Command stale after restart"
			r.CompletedAt = &now
			r.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PruneOldCommands(_ context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-retention)
	count := 0
	for id, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			if r.IdempotencyKey != "" {
				delete(s.byKey, keyIndex(r.NodeID, r.IdempotencyKey))
			}
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
