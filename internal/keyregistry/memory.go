package keyregistry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// MemoryStore is an in-process Store used by tests and by single-node
// development deployments that have no Postgres/Spanner available.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Key // key_id -> Key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]Key)}
}

func (s *MemoryStore) Register(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.KeyID]; ok {
		return kernelerrors.Conflict("key_id already exists")
	}

	var existing []Key
	for _, k := range s.keys {
		if k.AgentID == key.AgentID {
			existing = append(existing, k)
		}
	}
	if err := validateNoOverlap(existing, key); err != nil {
		return err
	}

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	s.keys[key.KeyID] = key
	return nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return kernelerrors.NotFound("agent key", keyID)
	}
	if !k.ActiveUntil.IsZero() {
		if k.ActiveUntil.Equal(at) {
			return nil
		}
		return kernelerrors.Conflict("key already deactivated")
	}
	k.ActiveUntil = at
	s.keys[keyID] = k
	return nil
}

func (s *MemoryStore) GetByKeyID(ctx context.Context, keyID string) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[keyID]
	if !ok {
		return Key{}, kernelerrors.NotFound("agent key", keyID)
	}
	return k, nil
}

func (s *MemoryStore) GetActiveForAgent(ctx context.Context, agentID string, at time.Time) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if k.AgentID == agentID && k.Active(at) {
			return k, nil
		}
	}
	return Key{}, kernelerrors.NotFound("active agent key", agentID)
}

func (s *MemoryStore) Exists(ctx context.Context, keyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[keyID]
	return ok, nil
}

func (s *MemoryStore) AllForAgent(ctx context.Context, agentID string) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Key
	for _, k := range s.keys {
		if k.AgentID == agentID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActiveFrom.After(out[j].ActiveFrom) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
var _ Store = (*SpannerStore)(nil)
