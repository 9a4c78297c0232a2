package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	halted bool
	reason string
}

func (c stubChecker) IsHalted() bool { return c.halted }
func (c stubChecker) Reason() string { return c.reason }

func TestWorkerRunCycleSkipsWhenHalted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	_, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	ran := false
	w := NewWorker(WorkerConfig{
		Scheduler: s,
		Halt:      stubChecker{halted: true, reason: "fork detected"},
		Handlers: map[string]Handler{
			"noop": func(ctx context.Context, j Job) error { ran = true; return nil },
		},
	})

	w.runCycle(ctx)
	assert.False(t, ran)

	pending, err := s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, pending, 1) // untouched
}

func TestWorkerDispatchesAndCompletesJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	_, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	ran := false
	w := NewWorker(WorkerConfig{
		Scheduler: s,
		Halt:      stubChecker{},
		Handlers: map[string]Handler{
			"noop": func(ctx context.Context, j Job) error { ran = true; return nil },
		},
	})

	w.runCycle(ctx)
	assert.True(t, ran)

	pending, err := s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorkerMarksFailedOnHandlerError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	_, err := s.Schedule(ctx, "flaky", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	w := NewWorker(WorkerConfig{
		Scheduler: s,
		Halt:      stubChecker{},
		Handlers: map[string]Handler{
			"flaky": func(ctx context.Context, j Job) error { return errors.New("boom") },
		},
	})

	w.runCycle(ctx)

	pending, err := s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestWorkerMarksFailedWithNoHandlerRegistered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	_, err := s.Schedule(ctx, "mystery", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	w := NewWorker(WorkerConfig{Scheduler: s, Halt: stubChecker{}})
	w.runCycle(ctx)

	pending, err := s.GetPending(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestWorkerStartStopIsCooperative(t *testing.T) {
	s := NewMemoryScheduler()
	w := NewWorker(WorkerConfig{Scheduler: s, Halt: stubChecker{}, PollInterval: 10 * time.Millisecond})
	assert.False(t, w.Running())
	w.Start(context.Background())
	assert.True(t, w.Running())
	w.Stop()
	assert.False(t, w.Running())
}
