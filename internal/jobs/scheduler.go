package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// Scheduler implements 4.L. claim is the atomic compare-and-set half of
// the concurrency contract; get_pending's row-level skip-locked selection is
// the other half — either alone suffices, both together (as the Postgres
// implementation does) are permissible.
type Scheduler interface {
	Schedule(ctx context.Context, jobType string, payload map[string]interface{}, runAt time.Time) (Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	GetPending(ctx context.Context, limit int, now time.Time) ([]Job, error)
	Claim(ctx context.Context, jobID string) (Job, bool, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, reason string, now time.Time) (*DeadLetter, error)
	DLQDepth(ctx context.Context) (int, error)
	GetDLQ(ctx context.Context, limit, offset int) ([]DeadLetter, int, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// MemoryScheduler is the in-process Scheduler for tests and single-node
// development. A single mutex stands in for Postgres's row locks: since
// everything in this process runs cooperatively, it gives the same
// at-most-once claim guarantee the real SKIP LOCKED query gives across
// processes.
type MemoryScheduler struct {
	mu    sync.Mutex
	jobs  map[string]Job
	dlq   []DeadLetter
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{jobs: make(map[string]Job)}
}

// Schedule inserts a pending job. Go's time.Time is always zone-aware (the
// "invalid input" case the original language's naive-datetime concept
// guards against), so the only rejectable case here is the unset zero
// value.
func (s *MemoryScheduler) Schedule(ctx context.Context, jobType string, payload map[string]interface{}, runAt time.Time) (Job, error) {
	if runAt.IsZero() {
		return Job{}, kernelerrors.Validation("run_at is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := Job{
		ID:           uuid.NewString(),
		JobType:      jobType,
		Payload:      payload,
		ScheduledFor: runAt,
		CreatedAt:    time.Now().UTC(),
		Status:       StatusPending,
	}
	s.jobs[j.ID] = j
	return j, nil
}

func (s *MemoryScheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusPending {
		return false, nil
	}
	j.Status = StatusCompleted // cancellation removes it from pending consideration
	delete(s.jobs, jobID)
	return true, nil
}

func (s *MemoryScheduler) GetPending(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status == StatusPending && !j.ScheduledFor.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledFor.Before(out[k].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim performs the atomic pending->processing transition. Contention
// loses silently: a second caller on an already-claimed id gets (Job{},
// false, nil), never an error.
func (s *MemoryScheduler) Claim(ctx context.Context, jobID string) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != StatusPending {
		return Job{}, false, nil
	}
	j.Status = StatusProcessing
	s.jobs[jobID] = j
	return j, true, nil
}

func (s *MemoryScheduler) MarkCompleted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return kernelerrors.NotFound("job", jobID)
	}
	j.Status = StatusCompleted
	s.jobs[jobID] = j
	return nil
}

func (s *MemoryScheduler) MarkFailed(ctx context.Context, jobID string, reason string, now time.Time) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, kernelerrors.NotFound("job", jobID)
	}
	j.Attempts++
	j.LastAttemptAt = now
	j.HasLastAttempt = true

	if j.Attempts >= MaxAttempts {
		dl := DeadLetter{
			ID:            uuid.NewString(),
			OriginalJobID: j.ID,
			JobType:       j.JobType,
			Payload:       j.Payload,
			FailureReason: reason,
			FailedAt:      now,
			Attempts:      j.Attempts,
		}
		s.dlq = append(s.dlq, dl)
		delete(s.jobs, jobID)
		return &dl, nil
	}

	j.Status = StatusPending
	s.jobs[jobID] = j
	return nil, nil
}

func (s *MemoryScheduler) DLQDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dlq), nil
}

func (s *MemoryScheduler) GetDLQ(ctx context.Context, limit, offset int) ([]DeadLetter, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := len(s.dlq)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]DeadLetter, end-offset)
	copy(out, s.dlq[offset:end])
	return out, total, nil
}

func (s *MemoryScheduler) GetJob(ctx context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, kernelerrors.NotFound("job", jobID)
	}
	return j, nil
}

var _ Scheduler = (*MemoryScheduler)(nil)
