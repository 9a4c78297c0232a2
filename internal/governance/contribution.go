package governance

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// ContributionRecord is a participant's prior contribution to a
// deliberation cluster. PreservedAt is the only field this package ever
// writes after creation; Content is never touched.
type ContributionRecord struct {
	RecordID    string
	ClusterID   string
	Content     string
	CreatedAt   time.Time
	PreservedAt *time.Time
}

// ContributionStore exposes exactly mark_preserved, get_for_cluster, and
// get_preserved. There is no delete, no scrub, no edit — preservation can
// only be added, never revoked.
type ContributionStore interface {
	MarkPreserved(ctx context.Context, recordID string, at time.Time) error
	GetForCluster(ctx context.Context, clusterID string) ([]ContributionRecord, error)
	GetPreserved(ctx context.Context, clusterID string) ([]ContributionRecord, error)
}

// MemoryContributionStore is an in-process ContributionStore for tests.
type MemoryContributionStore struct {
	mu      sync.RWMutex
	records map[string]ContributionRecord
}

func NewMemoryContributionStore() *MemoryContributionStore {
	return &MemoryContributionStore{records: make(map[string]ContributionRecord)}
}

// Seed inserts a record directly, bypassing preservation, for test setup.
func (s *MemoryContributionStore) Seed(r ContributionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.RecordID] = r
}

func (s *MemoryContributionStore) MarkPreserved(ctx context.Context, recordID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordID]
	if !ok {
		return kernelerrors.NotFound("contribution record", recordID)
	}
	if r.PreservedAt != nil {
		return nil // idempotent: already preserved
	}
	stamped := at
	r.PreservedAt = &stamped
	s.records[recordID] = r
	return nil
}

func (s *MemoryContributionStore) GetForCluster(ctx context.Context, clusterID string) ([]ContributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ContributionRecord
	for _, r := range s.records {
		if r.ClusterID == clusterID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryContributionStore) GetPreserved(ctx context.Context, clusterID string) ([]ContributionRecord, error) {
	all, err := s.GetForCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	var out []ContributionRecord
	for _, r := range all {
		if r.PreservedAt != nil {
			out = append(out, r)
		}
	}
	return out, nil
}
