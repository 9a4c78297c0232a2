package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/jobs"
)

func TestOrphanDetectionHandlerSavesResultWithOrphans(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryPetitionSource([]PetitionInfo{
		{PetitionID: "p1", AgeHours: 30, PetitionType: "GENERAL", CoSignerCount: 2},
		{PetitionID: "p2", AgeHours: 48, PetitionType: "CESSATION", CoSignerCount: 0},
		{PetitionID: "p3", AgeHours: 5, PetitionType: "GENERAL", CoSignerCount: 1}, // not orphaned
	})
	repo := NewMemoryOrphanDetectionRepository()

	h := NewOrphanDetectionHandler(source, repo, DefaultOrphanThresholdHours)
	err := h(ctx, jobs.Job{JobType: OrphanDetectionJobType, Payload: map[string]interface{}{}})
	require.NoError(t, err)

	require.Len(t, repo.Results, 1)
	r := repo.Results[0]
	assert.True(t, r.HasOrphans())
	assert.Equal(t, 2, r.TotalOrphans)
	require.NotNil(t, r.OldestOrphanAgeHours)
	assert.Equal(t, 48.0, *r.OldestOrphanAgeHours)
}

func TestOrphanDetectionHandlerHonorsThresholdOverride(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryPetitionSource([]PetitionInfo{
		{PetitionID: "p1", AgeHours: 10},
	})
	repo := NewMemoryOrphanDetectionRepository()

	h := NewOrphanDetectionHandler(source, repo, DefaultOrphanThresholdHours)
	err := h(ctx, jobs.Job{
		JobType: OrphanDetectionJobType,
		Payload: map[string]interface{}{"threshold_hours": float64(5)},
	})
	require.NoError(t, err)

	require.Len(t, repo.Results, 1)
	assert.True(t, repo.Results[0].HasOrphans())
	assert.Equal(t, 1, repo.Results[0].TotalOrphans)
}

func TestOrphanDetectionHandlerNoOrphansStillSaves(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryPetitionSource(nil)
	repo := NewMemoryOrphanDetectionRepository()

	h := NewOrphanDetectionHandler(source, repo, DefaultOrphanThresholdHours)
	err := h(ctx, jobs.Job{JobType: OrphanDetectionJobType, Payload: nil})
	require.NoError(t, err)

	require.Len(t, repo.Results, 1)
	assert.False(t, repo.Results[0].HasOrphans())
	assert.Nil(t, repo.Results[0].OldestOrphanAgeHours)
}

var _ = time.Hour
