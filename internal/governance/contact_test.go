package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBlockThenIsBlocked(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContactStore()

	blocked, err := s.IsBlocked(ctx, "cluster-1", "participant-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	b, err := s.AddBlock(ctx, "cluster-1", "participant-1", "harassment", time.Now())
	require.NoError(t, err)
	assert.True(t, b.Blocked)

	blocked, err = s.IsBlocked(ctx, "cluster-1", "participant-1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestAddBlockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContactStore()

	first, err := s.AddBlock(ctx, "cluster-1", "participant-1", "reason-a", time.Now())
	require.NoError(t, err)

	second, err := s.AddBlock(ctx, "cluster-1", "participant-1", "reason-b", time.Now())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "reason-a", second.Reason) // first block wins, not silently replaced
}

func TestGetAllBlockedScopesToParticipant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContactStore()

	_, err := s.AddBlock(ctx, "cluster-1", "participant-1", "r", time.Now())
	require.NoError(t, err)
	_, err = s.AddBlock(ctx, "cluster-2", "participant-1", "r", time.Now())
	require.NoError(t, err)
	_, err = s.AddBlock(ctx, "cluster-3", "participant-2", "r", time.Now())
	require.NoError(t, err)

	blocked, err := s.GetAllBlocked(ctx, "participant-1")
	require.NoError(t, err)
	assert.Len(t, blocked, 2)
}

func TestRecordContactAttemptCapturesBlockedFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContactStore()

	unblocked, err := s.RecordContactAttempt(ctx, "cluster-1", "participant-1", time.Now())
	require.NoError(t, err)
	assert.False(t, unblocked.WasBlocked)

	_, err = s.AddBlock(ctx, "cluster-1", "participant-1", "r", time.Now())
	require.NoError(t, err)

	afterBlock, err := s.RecordContactAttempt(ctx, "cluster-1", "participant-1", time.Now())
	require.NoError(t, err)
	assert.True(t, afterBlock.WasBlocked)
}

func TestGetBlockNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContactStore()

	_, err := s.GetBlock(ctx, "cluster-1", "participant-1")
	assert.Error(t, err)
}
