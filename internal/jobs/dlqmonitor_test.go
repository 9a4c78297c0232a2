package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/webhooks"
)

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Emit(eventType webhooks.EventType, tenantID string, data map[string]interface{}) {
	r.events = append(r.events, string(eventType))
}

func (r *recordingEmitter) Shutdown() {}

func TestDLQMonitorEmitsWarningThenCriticalThenCleared(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryScheduler()
	emitter := &recordingEmitter{}
	m := NewDLQMonitor(s, time.Hour, emitter, nil)

	// depth 0: no alert.
	m.check(ctx)
	assert.Empty(t, emitter.events)

	// push 3 jobs to DLQ (depth 3): should emit one warning.
	for i := 0; i < 3; i++ {
		j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		for a := 0; a < MaxAttempts; a++ {
			_, ok, err := s.Claim(ctx, j.ID)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = s.MarkFailed(ctx, j.ID, "boom", time.Now())
			require.NoError(t, err)
		}
	}
	m.check(ctx)
	require.Len(t, emitter.events, 1)
	assert.Equal(t, "dlq.warning", emitter.events[0])

	// push 7 more (depth 10): should escalate to critical.
	for i := 0; i < 7; i++ {
		j, err := s.Schedule(ctx, "noop", nil, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		for a := 0; a < MaxAttempts; a++ {
			_, ok, err := s.Claim(ctx, j.ID)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = s.MarkFailed(ctx, j.ID, "boom", time.Now())
			require.NoError(t, err)
		}
	}
	m.check(ctx)
	require.Len(t, emitter.events, 2)
	assert.Equal(t, "dlq.critical", emitter.events[1])
}

func TestDLQMonitorStartStopIsCooperative(t *testing.T) {
	s := NewMemoryScheduler()
	m := NewDLQMonitor(s, 10*time.Millisecond, nil, nil)
	assert.False(t, m.Running())
	m.Start(context.Background())
	assert.True(t, m.Running())
	m.Stop()
	assert.False(t, m.Running())
}
