package governance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// PostgresContactStore persists blocks and attempts in append-only tables.
// Schema:
//
//	CREATE TABLE contact_blocks (
//	  id uuid PRIMARY KEY,
//	  cluster_id text NOT NULL,
//	  participant_id text NOT NULL,
//	  reason text NOT NULL,
//	  created_at timestamptz NOT NULL,
//	  UNIQUE (cluster_id, participant_id)
//	);
//	CREATE TABLE contact_attempts (
//	  id uuid PRIMARY KEY,
//	  cluster_id text NOT NULL,
//	  participant_id text NOT NULL,
//	  attempted_at timestamptz NOT NULL,
//	  was_blocked boolean NOT NULL
//	);
//
// Neither table has a migration dropping rows; there is no DELETE statement
// anywhere in this file.
type PostgresContactStore struct {
	db *sql.DB
}

func NewPostgresContactStore(db *sql.DB) *PostgresContactStore {
	return &PostgresContactStore{db: db}
}

func (s *PostgresContactStore) AddBlock(ctx context.Context, clusterID, participantID, reason string, at time.Time) (ContactBlock, error) {
	if existing, err := s.GetBlock(ctx, clusterID, participantID); err == nil {
		return existing, nil
	}

	b := ContactBlock{
		ID:            uuid.NewString(),
		ClusterID:     clusterID,
		ParticipantID: participantID,
		Reason:        reason,
		Blocked:       true,
		CreatedAt:     at,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_blocks (id, cluster_id, participant_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cluster_id, participant_id) DO NOTHING`,
		b.ID, b.ClusterID, b.ParticipantID, b.Reason, b.CreatedAt)
	if err != nil {
		return ContactBlock{}, kernelerrors.Transient("add contact block", err)
	}
	return s.GetBlock(ctx, clusterID, participantID)
}

func (s *PostgresContactStore) IsBlocked(ctx context.Context, clusterID, participantID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM contact_blocks WHERE cluster_id = $1 AND participant_id = $2`,
		clusterID, participantID).Scan(&n)
	if err != nil {
		return false, kernelerrors.Transient("check contact block", err)
	}
	return n > 0, nil
}

func (s *PostgresContactStore) GetBlock(ctx context.Context, clusterID, participantID string) (ContactBlock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_id, participant_id, reason, created_at
		FROM contact_blocks WHERE cluster_id = $1 AND participant_id = $2`,
		clusterID, participantID)

	var b ContactBlock
	err := row.Scan(&b.ID, &b.ClusterID, &b.ParticipantID, &b.Reason, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContactBlock{}, kernelerrors.NotFound("contact block", blockKey(clusterID, participantID))
		}
		return ContactBlock{}, kernelerrors.Transient("get contact block", err)
	}
	b.Blocked = true
	return b, nil
}

func (s *PostgresContactStore) GetAllBlocked(ctx context.Context, participantID string) ([]ContactBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, participant_id, reason, created_at
		FROM contact_blocks WHERE participant_id = $1 ORDER BY created_at`, participantID)
	if err != nil {
		return nil, kernelerrors.Transient("list blocked clusters", err)
	}
	defer rows.Close()

	var out []ContactBlock
	for rows.Next() {
		var b ContactBlock
		if err := rows.Scan(&b.ID, &b.ClusterID, &b.ParticipantID, &b.Reason, &b.CreatedAt); err != nil {
			return nil, kernelerrors.Transient("scan contact block", err)
		}
		b.Blocked = true
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresContactStore) RecordContactAttempt(ctx context.Context, clusterID, participantID string, at time.Time) (ContactAttempt, error) {
	blocked, err := s.IsBlocked(ctx, clusterID, participantID)
	if err != nil {
		return ContactAttempt{}, err
	}

	a := ContactAttempt{
		ID:            uuid.NewString(),
		ClusterID:     clusterID,
		ParticipantID: participantID,
		AttemptedAt:   at,
		WasBlocked:    blocked,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contact_attempts (id, cluster_id, participant_id, attempted_at, was_blocked)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ClusterID, a.ParticipantID, a.AttemptedAt, a.WasBlocked)
	if err != nil {
		return ContactAttempt{}, kernelerrors.Transient("record contact attempt", err)
	}
	return a, nil
}
