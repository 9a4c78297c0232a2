package governance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRecord(s *MemoryContributionStore, clusterID, content string) ContributionRecord {
	r := ContributionRecord{
		RecordID:  uuid.NewString(),
		ClusterID: clusterID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.Seed(r)
	return r
}

func TestMarkPreservedLeavesContentUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContributionStore()
	r := seedRecord(s, "cluster-1", "original statement")

	err := s.MarkPreserved(ctx, r.RecordID, time.Now())
	require.NoError(t, err)

	all, err := s.GetForCluster(ctx, "cluster-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "original statement", all[0].Content)
	assert.NotNil(t, all[0].PreservedAt)
}

func TestMarkPreservedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContributionStore()
	r := seedRecord(s, "cluster-1", "x")

	first := time.Now()
	require.NoError(t, s.MarkPreserved(ctx, r.RecordID, first))
	require.NoError(t, s.MarkPreserved(ctx, r.RecordID, first.Add(time.Hour)))

	all, err := s.GetForCluster(ctx, "cluster-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].PreservedAt.Equal(first))
}

func TestGetPreservedFiltersUnpreserved(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContributionStore()
	preserved := seedRecord(s, "cluster-1", "kept")
	seedRecord(s, "cluster-1", "not yet preserved")

	require.NoError(t, s.MarkPreserved(ctx, preserved.RecordID, time.Now()))

	all, err := s.GetForCluster(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyPreserved, err := s.GetPreserved(ctx, "cluster-1")
	require.NoError(t, err)
	require.Len(t, onlyPreserved, 1)
	assert.Equal(t, "kept", onlyPreserved[0].Content)
}

func TestMarkPreservedUnknownRecordFails(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContributionStore()
	err := s.MarkPreserved(ctx, "no-such-id", time.Now())
	assert.Error(t, err)
}
