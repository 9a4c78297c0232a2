package keyregistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsDuplicateKeyID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	k := Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: time.Now()}
	require.NoError(t, s.Register(ctx, k))

	err := s.Register(ctx, k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRegisterRejectsOverlappingIntervalForSameAgent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: now}))
	err := s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k2", ActiveFrom: now.Add(time.Hour)})
	require.Error(t, err)
}

func TestRegisterAllowsNonOverlappingIntervalAfterDeactivation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: now}))
	require.NoError(t, s.Deactivate(ctx, "k1", now.Add(time.Hour)))
	err := s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k2", ActiveFrom: now.Add(time.Hour)})
	assert.NoError(t, err)
}

func TestDeactivateIsIdempotentAtSameInstant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	until := now.Add(time.Hour)

	require.NoError(t, s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: now}))
	require.NoError(t, s.Deactivate(ctx, "k1", until))
	assert.NoError(t, s.Deactivate(ctx, "k1", until))
}

func TestDeactivateTwiceAtDifferentInstantsConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: now}))
	require.NoError(t, s.Deactivate(ctx, "k1", now.Add(time.Hour)))
	err := s.Deactivate(ctx, "k1", now.Add(2*time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already deactivated")
}

// History is preserved: a deactivated key is still retrievable by key_id
// (spec §8 property 3).
func TestHistoryPreservedAfterDeactivation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: now}))
	require.NoError(t, s.Deactivate(ctx, "k1", now.Add(time.Hour)))

	k, err := s.GetByKeyID(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", k.KeyID)
	assert.False(t, k.ActiveUntil.IsZero())
}

func TestGetActiveForAgentReturnsNoneOutsideInterval(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Register(ctx, Key{AgentID: "agent-1", KeyID: "k1", ActiveFrom: now, ActiveUntil: now.Add(time.Hour)}))

	_, err := s.GetActiveForAgent(ctx, "agent-1", now.Add(2*time.Hour))
	require.Error(t, err)
}
