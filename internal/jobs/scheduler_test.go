package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/kernelerrors"
)

func TestScheduleRejectsZeroRunAt(t *testing.T) {
	s := NewMemoryScheduler()
	_, err := s.Schedule(context.Background(), "t", nil, time.Time{})
	require.Error(t, err)
}

func TestScheduleCancelGetPendingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	past := time.Now().Add(-time.Minute)

	j, err := s.Schedule(ctx, "noop", map[string]interface{}{"n": 1}, past)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)

	pending, err := s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, j.ID, pending[0].ID)

	ok, err := s.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err = s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelFailsForNonPendingJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, ok, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestDoubleClaimRaceOnlyOneWins covers the supplemented job-state-machine
// edge case: two concurrent claim(job_id) calls on the same id never both
// succeed (spec property 7).
func TestDoubleClaimRaceOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	results := make(chan bool, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, ok, err := s.Claim(ctx, j.ID)
			require.NoError(t, err)
			results <- ok
		}()
	}
	close(start)

	first := <-results
	second := <-results
	assert.True(t, first != second, "exactly one claim must succeed")
}

// TestClaimOfCancelledJobFails covers claim-of-cancelled-job: a cancelled
// job is gone from scheduling, so a late claim attempt simply loses, same
// as contention.
func TestClaimOfCancelledJobFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Claim(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFailedRetriesBelowMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, ok, err := s.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	dl, err := s.MarkFailed(ctx, j.ID, "boom", time.Now())
	require.NoError(t, err)
	assert.Nil(t, dl)

	pending, err := s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

// TestMarkFailedDeadLettersAtMaxAttempts covers scenario S4: after the
// third mark_failed, the job is gone from scheduled, DLQ depth is 1, and
// the DLQ entry carries attempts=3 and the third reason.
func TestMarkFailedDeadLettersAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	var lastDL *DeadLetter
	for i := 1; i <= MaxAttempts; i++ {
		_, ok, err := s.Claim(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)

		reason := "boom"
		if i == MaxAttempts {
			reason = "final boom"
		}
		dl, err := s.MarkFailed(ctx, j.ID, reason, time.Now())
		require.NoError(t, err)
		lastDL = dl
	}

	require.NotNil(t, lastDL)
	assert.Equal(t, MaxAttempts, lastDL.Attempts)
	assert.Equal(t, "final boom", lastDL.FailureReason)

	_, err = s.GetJob(ctx, j.ID)
	assert.True(t, kernelerrors.IsHalted(err) == false) // sanity: not a halt error
	assert.Error(t, err)

	depth, err := s.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
