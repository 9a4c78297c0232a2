package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// PostgresScheduler persists jobs per spec §6's "Scheduled-job table" and
// "Dead-letter table". GetPending uses `FOR UPDATE SKIP LOCKED` scoped to a
// transaction and Claim uses an atomic `UPDATE ... WHERE status='pending'`
// — belt and suspenders, both permitted by 4.L.
//
//	CREATE TABLE scheduled_jobs (
//	  id uuid PRIMARY KEY,
//	  job_type text NOT NULL,
//	  payload jsonb NOT NULL,
//	  scheduled_for timestamptz NOT NULL,
//	  created_at timestamptz NOT NULL,
//	  attempts int NOT NULL DEFAULT 0,
//	  last_attempt_at timestamptz,
//	  status text NOT NULL
//	);
//	CREATE INDEX scheduled_jobs_pending_idx ON scheduled_jobs (scheduled_for)
//	  WHERE status = 'pending';
//	CREATE TABLE dead_letter_jobs (
//	  id uuid PRIMARY KEY,
//	  original_job_id uuid NOT NULL,
//	  job_type text NOT NULL,
//	  payload jsonb NOT NULL,
//	  failure_reason text NOT NULL,
//	  failed_at timestamptz NOT NULL,
//	  attempts int NOT NULL
//	);
type PostgresScheduler struct {
	db *sql.DB
}

func NewPostgresScheduler(db *sql.DB) *PostgresScheduler {
	return &PostgresScheduler{db: db}
}

func (s *PostgresScheduler) Schedule(ctx context.Context, jobType string, payload map[string]interface{}, runAt time.Time) (Job, error) {
	if runAt.IsZero() {
		return Job{}, kernelerrors.Validation("run_at is required")
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Job{}, kernelerrors.Validation("job payload not serializable")
	}
	j := Job{
		ID:           uuid.NewString(),
		JobType:      jobType,
		Payload:      payload,
		ScheduledFor: runAt,
		CreatedAt:    time.Now().UTC(),
		Status:       StatusPending,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, job_type, payload, scheduled_for, created_at, attempts, status)
		VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		j.ID, j.JobType, payloadJSON, j.ScheduledFor, j.CreatedAt, j.Status)
	if err != nil {
		return Job{}, kernelerrors.Transient("schedule job", err)
	}
	return j, nil
}

func (s *PostgresScheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_jobs WHERE id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return false, kernelerrors.Transient("cancel job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, kernelerrors.Transient("cancel job", err)
	}
	return n > 0, nil
}

func (s *PostgresScheduler) GetPending(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kernelerrors.Transient("get pending jobs", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, job_type, payload, scheduled_for, created_at, attempts, last_attempt_at, status
		FROM scheduled_jobs
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, kernelerrors.Transient("get pending jobs", err)
	}

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, kernelerrors.Transient("get pending jobs", err)
	}
	rows.Close()

	return out, tx.Commit()
}

func (s *PostgresScheduler) Claim(ctx context.Context, jobID string) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE scheduled_jobs SET status = 'processing'
		WHERE id = $1 AND status = 'pending'
		RETURNING id, job_type, payload, scheduled_for, created_at, attempts, last_attempt_at, status`, jobID)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, kernelerrors.Transient("claim job", err)
	}
	return j, true, nil
}

func (s *PostgresScheduler) MarkCompleted(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET status = 'completed' WHERE id = $1`, jobID)
	if err != nil {
		return kernelerrors.Transient("mark job completed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kernelerrors.Transient("mark job completed", err)
	}
	if n == 0 {
		return kernelerrors.NotFound("job", jobID)
	}
	return nil
}

// MarkFailed increments attempts; at MaxAttempts it atomically inserts the
// dead-letter row and deletes the job row within one transaction, otherwise
// resets status to pending for retry.
func (s *PostgresScheduler) MarkFailed(ctx context.Context, jobID string, reason string, now time.Time) (*DeadLetter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kernelerrors.Transient("mark job failed", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, job_type, payload, scheduled_for, created_at, attempts, last_attempt_at, status
		FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, kernelerrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, kernelerrors.Transient("mark job failed", err)
	}

	j.Attempts++
	if j.Attempts >= MaxAttempts {
		payloadJSON, err := json.Marshal(j.Payload)
		if err != nil {
			return nil, kernelerrors.Validation("job payload not serializable")
		}
		dl := DeadLetter{
			ID:            uuid.NewString(),
			OriginalJobID: j.ID,
			JobType:       j.JobType,
			Payload:       j.Payload,
			FailureReason: reason,
			FailedAt:      now,
			Attempts:      j.Attempts,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_jobs (id, original_job_id, job_type, payload, failure_reason, failed_at, attempts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			dl.ID, dl.OriginalJobID, dl.JobType, payloadJSON, dl.FailureReason, dl.FailedAt, dl.Attempts); err != nil {
			return nil, kernelerrors.Transient("insert dead letter", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, jobID); err != nil {
			return nil, kernelerrors.Transient("delete dead-lettered job", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, kernelerrors.Transient("mark job failed", err)
		}
		return &dl, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'pending', attempts = $2, last_attempt_at = $3 WHERE id = $1`,
		jobID, j.Attempts, now); err != nil {
		return nil, kernelerrors.Transient("reset job to pending", err)
	}
	return nil, tx.Commit()
}

func (s *PostgresScheduler) DLQDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter_jobs`).Scan(&n); err != nil {
		return 0, kernelerrors.Transient("dlq depth", err)
	}
	return n, nil
}

func (s *PostgresScheduler) GetDLQ(ctx context.Context, limit, offset int) ([]DeadLetter, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter_jobs`).Scan(&total); err != nil {
		return nil, 0, kernelerrors.Transient("dlq total", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_job_id, job_type, payload, failure_reason, failed_at, attempts
		FROM dead_letter_jobs ORDER BY failed_at ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, total, kernelerrors.Transient("get dlq", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.OriginalJobID, &dl.JobType, &payload, &dl.FailureReason, &dl.FailedAt, &dl.Attempts); err != nil {
			return nil, total, kernelerrors.Transient("scan dlq row", err)
		}
		if err := json.Unmarshal(payload, &dl.Payload); err != nil {
			return nil, total, kernelerrors.Transient("decode dlq payload", err)
		}
		out = append(out, dl)
	}
	return out, total, rows.Err()
}

func (s *PostgresScheduler) GetJob(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, payload, scheduled_for, created_at, attempts, last_attempt_at, status
		FROM scheduled_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, kernelerrors.NotFound("job", jobID)
	}
	if err != nil {
		return Job{}, kernelerrors.Transient("get job", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payload []byte
	var lastAttempt sql.NullTime
	if err := row.Scan(&j.ID, &j.JobType, &payload, &j.ScheduledFor, &j.CreatedAt, &j.Attempts, &lastAttempt, &j.Status); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return Job{}, kernelerrors.Transient("decode job payload", err)
	}
	if lastAttempt.Valid {
		j.LastAttemptAt = lastAttempt.Time
		j.HasLastAttempt = true
	}
	return j, nil
}

var _ Scheduler = (*PostgresScheduler)(nil)
