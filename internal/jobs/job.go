// Package jobs implements components L, M, and N: the job scheduler, the
// job worker, and the dead-letter-queue alert monitor. Grounded in the
// teacher's internal/governance/task_gate.go claim-and-release idiom
// (generalized from a single-agent lock to a SKIP LOCKED job claim) and
// internal/webhooks's dispatcher worker-pool loop style.
package jobs

import "time"

// Status is a job's lifecycle state (spec §3 "Scheduled job", §6
// "pending → (claim) processing → completed, or → failed → (attempts++,
// re-pending) or → DLQ").
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxAttempts is the constitutional retry ceiling; the third mark_failed
// moves the job to the dead-letter queue instead of retrying.
const MaxAttempts = 3

// Job is a scheduled unit of work.
type Job struct {
	ID             string
	JobType        string
	Payload        map[string]interface{}
	ScheduledFor   time.Time
	CreatedAt      time.Time
	Attempts       int
	LastAttemptAt  time.Time
	HasLastAttempt bool
	Status         Status
}

// DeadLetter is an insert-only record created when a job exhausts
// MaxAttempts (spec §3 "Dead-letter record").
type DeadLetter struct {
	ID             string
	OriginalJobID  string
	JobType        string
	Payload        map[string]interface{}
	FailureReason  string
	FailedAt       time.Time
	Attempts       int
}
