package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// MemoryStore is an in-process Store for tests and single-node development,
// mirroring keyregistry.MemoryStore's shape: a mutex and a map, no shortcuts
// on the invariants a real backend would enforce (unique sequence, append-only).
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Event
	bySeq  map[int64]string
	maxSeq int64
	empty  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]Event),
		bySeq: make(map[int64]string),
		empty: true,
	}
}

func (s *MemoryStore) Tip(ctx context.Context) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.empty {
		return -1, Genesis, nil
	}
	id := s.bySeq[s.maxSeq]
	return s.maxSeq, s.byID[id].ContentHash, nil
}

func (s *MemoryStore) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bySeq[e.Sequence]; exists {
		return kernelerrors.Conflict("sequence already appended")
	}
	if _, exists := s.byID[e.EventID]; exists {
		return kernelerrors.Conflict("event_id already appended")
	}
	s.byID[e.EventID] = e
	s.bySeq[e.Sequence] = e.EventID
	if s.empty || e.Sequence > s.maxSeq {
		s.maxSeq = e.Sequence
	}
	s.empty = false
	return nil
}

func (s *MemoryStore) GetBySequence(ctx context.Context, seq int64) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySeq[seq]
	if !ok {
		return Event{}, kernelerrors.NotFound("event", "")
	}
	return s.byID[id], nil
}

func (s *MemoryStore) GetByID(ctx context.Context, eventID string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[eventID]
	if !ok {
		return Event{}, kernelerrors.NotFound("event", eventID)
	}
	return e, nil
}

func (s *MemoryStore) Scan(ctx context.Context, fromSeq int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := make([]int64, 0, len(s.bySeq))
	for seq := range s.bySeq {
		if seq >= fromSeq {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}

	out := make([]Event, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, s.byID[s.bySeq[seq]])
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byID)), nil
}

var _ Store = (*MemoryStore)(nil)
