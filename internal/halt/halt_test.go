package halt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/ratelimit"
)

type stubWriter struct {
	eventID string
	err     error
}

func (s stubWriter) WriteEvent(ctx context.Context, eventType string, payload map[string]interface{}, now time.Time) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.eventID, nil
}

func newTestHalter(t *testing.T) (*Halter, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	h, err := NewHalter(context.Background(), store, ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 5, Window: time.Hour}), nil)
	require.NoError(t, err)
	return h, store
}

func TestHaltStartsUnhalted(t *testing.T) {
	h, _ := newTestHalter(t)
	assert.False(t, h.IsHalted())
	assert.Empty(t, h.Reason())
}

func TestBeginHaltIsSticky(t *testing.T) {
	h, _ := newTestHalter(t)
	ctx := context.Background()

	require.NoError(t, h.BeginHalt(ctx, "fork detected", "evt-1"))
	assert.True(t, h.IsHalted())
	assert.Equal(t, "fork detected", h.Reason())

	// A second halt while already halted is idempotent and keeps the first reason.
	require.NoError(t, h.BeginHalt(ctx, "different reason", "evt-2"))
	assert.Equal(t, "fork detected", h.Reason())
}

func TestAttemptRecoveryFailsBeforeWaitingPeriod(t *testing.T) {
	h, _ := newTestHalter(t)
	ctx := context.Background()
	require.NoError(t, h.BeginHalt(ctx, "fork detected", "evt-1"))

	err := h.AttemptRecovery(ctx, time.Now().UTC().Add(time.Hour), "operator-1", stubWriter{eventID: "evt-recover"})
	require.Error(t, err)
	assert.True(t, h.IsHalted())
}

func TestAttemptRecoverySucceedsAfterWaitingPeriodWithWitnessedWrite(t *testing.T) {
	h, _ := newTestHalter(t)
	ctx := context.Background()
	require.NoError(t, h.BeginHalt(ctx, "fork detected", "evt-1"))

	onset := h.State().Onset
	after := onset.Add(RecoveryWaitPeriod + time.Minute)

	err := h.AttemptRecovery(ctx, after, "operator-1", stubWriter{eventID: "evt-recover"})
	require.NoError(t, err)
	assert.False(t, h.IsHalted())
}

func TestAttemptRecoveryFailsClosedWhenRecoveryWriteUnwitnessed(t *testing.T) {
	h, _ := newTestHalter(t)
	ctx := context.Background()
	require.NoError(t, h.BeginHalt(ctx, "fork detected", "evt-1"))

	onset := h.State().Onset
	after := onset.Add(RecoveryWaitPeriod + time.Minute)

	err := h.AttemptRecovery(ctx, after, "operator-1", stubWriter{err: assertErr{}})
	require.Error(t, err)
	assert.True(t, h.IsHalted(), "an unwitnessed recovery write must leave the system halted")
}

type assertErr struct{}

func (assertErr) Error() string { return "witness unreachable" }

func TestHydratesFromDurableStoreOnStartup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, State{Halted: true, Reason: "pre-existing", Onset: time.Now().UTC(), RecoveryEarliest: time.Now().UTC().Add(time.Hour)}))

	h, err := NewHalter(ctx, store, ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 5, Window: time.Hour}), nil)
	require.NoError(t, err)
	assert.True(t, h.IsHalted())
	assert.Equal(t, "pre-existing", h.Reason())
}

func TestCheckTokenRejectsWhenHalted(t *testing.T) {
	h, _ := newTestHalter(t)
	_, err := CheckToken(h)
	require.NoError(t, err)

	require.NoError(t, h.BeginHalt(context.Background(), "fork detected", "evt-1"))
	_, err = CheckToken(h)
	require.Error(t, err)
}
