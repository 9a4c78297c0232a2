package governance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// PostgresContributionStore persists contribution records. Schema:
//
//	CREATE TABLE contribution_records (
//	  record_id text PRIMARY KEY,
//	  cluster_id text NOT NULL,
//	  content text NOT NULL,
//	  created_at timestamptz NOT NULL,
//	  preserved_at timestamptz NULL
//	);
//
// There is no DELETE or content UPDATE statement anywhere in this file;
// the only write is the single-column preserved_at stamp below.
type PostgresContributionStore struct {
	db *sql.DB
}

func NewPostgresContributionStore(db *sql.DB) *PostgresContributionStore {
	return &PostgresContributionStore{db: db}
}

func (s *PostgresContributionStore) MarkPreserved(ctx context.Context, recordID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contribution_records SET preserved_at = $1
		WHERE record_id = $2 AND preserved_at IS NULL`, at, recordID)
	if err != nil {
		return kernelerrors.Transient("mark contribution preserved", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kernelerrors.Transient("mark contribution preserved", err)
	}
	if n == 0 {
		var exists int
		if qerr := s.db.QueryRowContext(ctx, `SELECT count(*) FROM contribution_records WHERE record_id = $1`, recordID).Scan(&exists); qerr != nil {
			return kernelerrors.Transient("check contribution record", qerr)
		}
		if exists == 0 {
			return kernelerrors.NotFound("contribution record", recordID)
		}
		// already preserved: idempotent no-op.
	}
	return nil
}

func (s *PostgresContributionStore) GetForCluster(ctx context.Context, clusterID string) ([]ContributionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, cluster_id, content, created_at, preserved_at
		FROM contribution_records WHERE cluster_id = $1 ORDER BY created_at`, clusterID)
	if err != nil {
		return nil, kernelerrors.Transient("list contributions", err)
	}
	defer rows.Close()

	var out []ContributionRecord
	for rows.Next() {
		r, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresContributionStore) GetPreserved(ctx context.Context, clusterID string) ([]ContributionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, cluster_id, content, created_at, preserved_at
		FROM contribution_records WHERE cluster_id = $1 AND preserved_at IS NOT NULL ORDER BY created_at`, clusterID)
	if err != nil {
		return nil, kernelerrors.Transient("list preserved contributions", err)
	}
	defer rows.Close()

	var out []ContributionRecord
	for rows.Next() {
		r, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanContribution(rows *sql.Rows) (ContributionRecord, error) {
	var r ContributionRecord
	var preservedAt sql.NullTime
	if err := rows.Scan(&r.RecordID, &r.ClusterID, &r.Content, &r.CreatedAt, &preservedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContributionRecord{}, kernelerrors.NotFound("contribution record", r.RecordID)
		}
		return ContributionRecord{}, kernelerrors.Transient("scan contribution record", err)
	}
	if preservedAt.Valid {
		r.PreservedAt = &preservedAt.Time
	}
	return r, nil
}
