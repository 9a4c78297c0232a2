package handlers

import (
	"context"
	"sync"
	"time"
)

// MemoryPetitionSource is a fixed-list PetitionSource for tests: every
// petition whose age already exceeds threshold is returned unconditionally,
// regardless of now, since the fixture bakes in AgeHours directly.
type MemoryPetitionSource struct {
	mu        sync.Mutex
	petitions []PetitionInfo
}

func NewMemoryPetitionSource(petitions []PetitionInfo) *MemoryPetitionSource {
	return &MemoryPetitionSource{petitions: petitions}
}

func (s *MemoryPetitionSource) ListReceivedOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]PetitionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thresholdHours := threshold.Hours()
	var out []PetitionInfo
	for _, p := range s.petitions {
		if p.AgeHours >= thresholdHours {
			out = append(out, p)
		}
	}
	return out, nil
}

var _ PetitionSource = (*MemoryPetitionSource)(nil)

// MemoryOrphanDetectionRepository records every saved result, in order.
type MemoryOrphanDetectionRepository struct {
	mu      sync.Mutex
	Results []DetectionResult
}

func NewMemoryOrphanDetectionRepository() *MemoryOrphanDetectionRepository {
	return &MemoryOrphanDetectionRepository{}
}

func (r *MemoryOrphanDetectionRepository) SaveDetectionResult(ctx context.Context, result DetectionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, result)
	return nil
}

var _ OrphanDetectionRepository = (*MemoryOrphanDetectionRepository)(nil)
