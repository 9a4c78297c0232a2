// Package handlers holds job_type-keyed handlers the job worker (4.M)
// dispatches to. Each handler is a plain jobs.Handler consumer of the
// scheduler — none of them reopen the petition intake, co-signing, or exit
// flows those Non-goals exclude; they only read and report.
package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/jobs"
)

// OrphanDetectionJobType is the job_type the worker dispatches orphan scans
// to (SPEC_FULL's supplemented orphan-petition-detection feature).
const OrphanDetectionJobType = "orphan_petition_detection"

// DefaultOrphanThresholdHours is how long a petition may sit in RECEIVED
// before it counts as orphaned, absent a payload override.
const DefaultOrphanThresholdHours = 24.0

// PetitionInfo describes one petition found stuck in RECEIVED state.
type PetitionInfo struct {
	PetitionID      string
	CreatedAt       time.Time
	AgeHours        float64
	PetitionType    string
	CoSignerCount   int
}

// DetectionResult is one completed scan, immutable once constructed.
type DetectionResult struct {
	DetectionID          string
	DetectedAt           time.Time
	ThresholdHours       float64
	OrphanPetitions      []PetitionInfo
	TotalOrphans         int
	OldestOrphanAgeHours *float64
}

func newDetectionResult(thresholdHours float64, detectedAt time.Time, orphans []PetitionInfo) DetectionResult {
	var oldest *float64
	for _, o := range orphans {
		if oldest == nil || o.AgeHours > *oldest {
			age := o.AgeHours
			oldest = &age
		}
	}
	return DetectionResult{
		DetectionID:          uuid.NewString(),
		DetectedAt:           detectedAt,
		ThresholdHours:       thresholdHours,
		OrphanPetitions:      orphans,
		TotalOrphans:         len(orphans),
		OldestOrphanAgeHours: oldest,
	}
}

func (r DetectionResult) HasOrphans() bool { return r.TotalOrphans > 0 }

// PetitionSource is the read-only port over the petition intake system: it
// lists petitions that have been in RECEIVED state longer than threshold as
// of now. There is no mutating method — detection observes, it never acts.
type PetitionSource interface {
	ListReceivedOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]PetitionInfo, error)
}

// OrphanDetectionRepository persists detection results for dashboard
// visibility and historical trend analysis.
type OrphanDetectionRepository interface {
	SaveDetectionResult(ctx context.Context, result DetectionResult) error
}

// NewOrphanDetectionHandler builds the jobs.Handler dispatched for
// OrphanDetectionJobType. A threshold_hours field in the job payload
// overrides defaultThresholdHours for that one run.
func NewOrphanDetectionHandler(source PetitionSource, repo OrphanDetectionRepository, defaultThresholdHours float64) jobs.Handler {
	if defaultThresholdHours <= 0 {
		defaultThresholdHours = DefaultOrphanThresholdHours
	}
	return func(ctx context.Context, job jobs.Job) error {
		threshold := defaultThresholdHours
		if raw, ok := job.Payload["threshold_hours"]; ok {
			if f, ok := toFloat(raw); ok {
				threshold = f
			}
		}

		now := time.Now().UTC()
		orphans, err := source.ListReceivedOlderThan(ctx, time.Duration(threshold*float64(time.Hour)), now)
		if err != nil {
			return err
		}

		result := newDetectionResult(threshold, now, orphans)
		return repo.SaveDetectionResult(ctx, result)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
