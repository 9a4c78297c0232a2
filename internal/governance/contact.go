// Package governance holds the two structural-prohibition primitives: an
// append-only contact-block store (4.O) and a flag-only contribution
// preservation store (4.Q). Both enforce "permanent" by omission — the
// forbidden operation (unblock, delete, scrub) simply has no method, on
// either the port or any implementation, so there is nothing to bypass.
package governance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// ContactBlock records that a cluster has been permanently blocked from
// contacting a participant. Blocked is a constant true: the field exists so
// callers can serialize the record, not so it can be flipped.
type ContactBlock struct {
	ID            string
	ClusterID     string
	ParticipantID string
	Reason        string
	Blocked       bool
	CreatedAt     time.Time
}

// ContactAttempt is one recorded attempt by a cluster to contact a
// participant, whether or not a block was in effect at the time.
type ContactAttempt struct {
	ID            string
	ClusterID     string
	ParticipantID string
	AttemptedAt   time.Time
	WasBlocked    bool
}

// ContactStore exposes exactly these five operations. Do not add an
// unblock, remove, delete, enable, lift, allow, winback, or reactivate
// method here or on any implementation — the absence is the guarantee.
type ContactStore interface {
	AddBlock(ctx context.Context, clusterID, participantID, reason string, at time.Time) (ContactBlock, error)
	IsBlocked(ctx context.Context, clusterID, participantID string) (bool, error)
	GetBlock(ctx context.Context, clusterID, participantID string) (ContactBlock, error)
	GetAllBlocked(ctx context.Context, participantID string) ([]ContactBlock, error)
	RecordContactAttempt(ctx context.Context, clusterID, participantID string, at time.Time) (ContactAttempt, error)
}

// MemoryContactStore is an in-process ContactStore for tests and
// single-node deployments.
type MemoryContactStore struct {
	mu       sync.RWMutex
	blocks   map[string]ContactBlock // clusterID|participantID -> block
	attempts []ContactAttempt
}

func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{blocks: make(map[string]ContactBlock)}
}

func blockKey(clusterID, participantID string) string {
	return clusterID + "|" + participantID
}

func (s *MemoryContactStore) AddBlock(ctx context.Context, clusterID, participantID, reason string, at time.Time) (ContactBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blockKey(clusterID, participantID)
	if existing, ok := s.blocks[key]; ok {
		return existing, nil // already blocked: adding again is a no-op, not an error
	}

	b := ContactBlock{
		ID:            uuid.NewString(),
		ClusterID:     clusterID,
		ParticipantID: participantID,
		Reason:        reason,
		Blocked:       true,
		CreatedAt:     at,
	}
	s.blocks[key] = b
	return b, nil
}

func (s *MemoryContactStore) IsBlocked(ctx context.Context, clusterID, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[blockKey(clusterID, participantID)]
	return ok, nil
}

func (s *MemoryContactStore) GetBlock(ctx context.Context, clusterID, participantID string) (ContactBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[blockKey(clusterID, participantID)]
	if !ok {
		return ContactBlock{}, kernelerrors.NotFound("contact block", blockKey(clusterID, participantID))
	}
	return b, nil
}

func (s *MemoryContactStore) GetAllBlocked(ctx context.Context, participantID string) ([]ContactBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ContactBlock
	for _, b := range s.blocks {
		if b.ParticipantID == participantID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryContactStore) RecordContactAttempt(ctx context.Context, clusterID, participantID string, at time.Time) (ContactAttempt, error) {
	blocked, err := s.IsBlocked(ctx, clusterID, participantID)
	if err != nil {
		return ContactAttempt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := ContactAttempt{
		ID:            uuid.NewString(),
		ClusterID:     clusterID,
		ParticipantID: participantID,
		AttemptedAt:   at,
		WasBlocked:    blocked,
	}
	s.attempts = append(s.attempts, a)
	return a, nil
}
