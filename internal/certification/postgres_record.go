package certification

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// PostgresRecordStore persists procedural records (spec §6):
//
//	CREATE TABLE procedural_records (
//	  record_id uuid PRIMARY KEY,
//	  deliberation_id text NOT NULL,
//	  agenda_items jsonb NOT NULL,
//	  participant_ids jsonb NOT NULL,
//	  vote_summary jsonb NOT NULL,
//	  timeline_events jsonb NOT NULL,
//	  decisions jsonb NOT NULL,
//	  record_hash text NOT NULL,
//	  signature bytea NOT NULL,
//	  key_id text NOT NULL,
//	  sealed_at timestamptz NOT NULL
//	);
type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) Put(ctx context.Context, r ProceduralRecord) error {
	agenda, err := json.Marshal(r.AgendaItems)
	if err != nil {
		return kernelerrors.Validation("agenda_items not serializable")
	}
	participants, err := json.Marshal(r.ParticipantIDs)
	if err != nil {
		return kernelerrors.Validation("participant_ids not serializable")
	}
	votes, err := json.Marshal(r.VoteSummary)
	if err != nil {
		return kernelerrors.Validation("vote_summary not serializable")
	}
	timeline, err := json.Marshal(r.TimelineEvents)
	if err != nil {
		return kernelerrors.Validation("timeline_events not serializable")
	}
	decisions, err := json.Marshal(r.Decisions)
	if err != nil {
		return kernelerrors.Validation("decisions not serializable")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO procedural_records
			(record_id, deliberation_id, agenda_items, participant_ids, vote_summary,
			 timeline_events, decisions, record_hash, signature, key_id, sealed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.RecordID, r.DeliberationID, agenda, participants, votes,
		timeline, decisions, r.RecordHash, r.Signature, r.KeyID, r.SealedAt)
	if err != nil {
		return kernelerrors.Transient("put procedural record", err)
	}
	return nil
}

func (s *PostgresRecordStore) GetByID(ctx context.Context, recordID string) (ProceduralRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, deliberation_id, agenda_items, participant_ids, vote_summary,
		       timeline_events, decisions, record_hash, signature, key_id, sealed_at
		FROM procedural_records WHERE record_id = $1`, recordID)
	return scanRecord(row)
}

func (s *PostgresRecordStore) GetByDeliberation(ctx context.Context, deliberationID string) ([]ProceduralRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, deliberation_id, agenda_items, participant_ids, vote_summary,
		       timeline_events, decisions, record_hash, signature, key_id, sealed_at
		FROM procedural_records WHERE deliberation_id = $1 ORDER BY sealed_at ASC`, deliberationID)
	if err != nil {
		return nil, kernelerrors.Transient("get records by deliberation", err)
	}
	defer rows.Close()

	var out []ProceduralRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row scannable) (ProceduralRecord, error) {
	var r ProceduralRecord
	var agenda, participants, votes, timeline, decisions []byte
	if err := row.Scan(&r.RecordID, &r.DeliberationID, &agenda, &participants, &votes,
		&timeline, &decisions, &r.RecordHash, &r.Signature, &r.KeyID, &r.SealedAt); err != nil {
		if err == sql.ErrNoRows {
			return ProceduralRecord{}, kernelerrors.NotFound("procedural_record", "")
		}
		return ProceduralRecord{}, kernelerrors.Transient("scan procedural record", err)
	}
	if err := json.Unmarshal(agenda, &r.AgendaItems); err != nil {
		return ProceduralRecord{}, kernelerrors.Transient("decode agenda_items", err)
	}
	if err := json.Unmarshal(participants, &r.ParticipantIDs); err != nil {
		return ProceduralRecord{}, kernelerrors.Transient("decode participant_ids", err)
	}
	if err := json.Unmarshal(votes, &r.VoteSummary); err != nil {
		return ProceduralRecord{}, kernelerrors.Transient("decode vote_summary", err)
	}
	if err := json.Unmarshal(timeline, &r.TimelineEvents); err != nil {
		return ProceduralRecord{}, kernelerrors.Transient("decode timeline_events", err)
	}
	if err := json.Unmarshal(decisions, &r.Decisions); err != nil {
		return ProceduralRecord{}, kernelerrors.Transient("decode decisions", err)
	}
	return r, nil
}

var _ RecordStore = (*PostgresRecordStore)(nil)
