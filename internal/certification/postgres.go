package certification

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// PostgresResultStore persists certification results (spec §6):
//
//	CREATE TABLE certification_results (
//	  result_id uuid PRIMARY KEY,
//	  deliberation_id text NOT NULL,
//	  content jsonb NOT NULL,
//	  result_hash text NOT NULL,
//	  participant_count integer NOT NULL,
//	  certification_timestamp timestamptz NOT NULL,
//	  certification_key_id text NOT NULL,
//	  certification_signature bytea NOT NULL,
//	  result_type text NOT NULL
//	);
type PostgresResultStore struct {
	db *sql.DB
}

func NewPostgresResultStore(db *sql.DB) *PostgresResultStore {
	return &PostgresResultStore{db: db}
}

func (s *PostgresResultStore) Put(ctx context.Context, r Result) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return kernelerrors.Validation("certification result content not serializable")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO certification_results
			(result_id, deliberation_id, content, result_hash, participant_count,
			 certification_timestamp, certification_key_id, certification_signature, result_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ResultID, r.DeliberationID, content, r.ResultHash, r.ParticipantCount,
		r.CertificationTimestamp, r.CertificationKeyID, r.CertificationSignature, r.ResultType)
	if err != nil {
		return kernelerrors.Transient("put certification result", err)
	}
	return nil
}

func (s *PostgresResultStore) GetByID(ctx context.Context, resultID string) (Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT result_id, deliberation_id, content, result_hash, participant_count,
		       certification_timestamp, certification_key_id, certification_signature, result_type
		FROM certification_results WHERE result_id = $1`, resultID)
	return scanResult(row)
}

func (s *PostgresResultStore) GetByDeliberation(ctx context.Context, deliberationID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, deliberation_id, content, result_hash, participant_count,
		       certification_timestamp, certification_key_id, certification_signature, result_type
		FROM certification_results WHERE deliberation_id = $1 ORDER BY certification_timestamp ASC`, deliberationID)
	if err != nil {
		return nil, kernelerrors.Transient("get results by deliberation", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanResult(row scannable) (Result, error) {
	var r Result
	var content []byte
	if err := row.Scan(&r.ResultID, &r.DeliberationID, &content, &r.ResultHash, &r.ParticipantCount,
		&r.CertificationTimestamp, &r.CertificationKeyID, &r.CertificationSignature, &r.ResultType); err != nil {
		if err == sql.ErrNoRows {
			return Result{}, kernelerrors.NotFound("certification_result", "")
		}
		return Result{}, kernelerrors.Transient("scan certification result", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(content, &decoded); err != nil {
		return Result{}, kernelerrors.Transient("decode certification result content", err)
	}
	r.Content = decoded
	return r, nil
}

var _ ResultStore = (*PostgresResultStore)(nil)
