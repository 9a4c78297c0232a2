package ledger

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// Store is the closed persistence port for the event chain. Like
// keyregistry.Store, it exposes only append/read operations — there is no
// delete, update, or reorder method to forbid by convention, because none
// exists as a symbol.
type Store interface {
	// Tip returns the sequence and content_hash of the last appended event,
	// or (-1, Genesis, nil) if the chain is empty.
	Tip(ctx context.Context) (sequence int64, prevHash string, err error)
	Append(ctx context.Context, e Event) error
	GetBySequence(ctx context.Context, seq int64) (Event, error)
	GetByID(ctx context.Context, eventID string) (Event, error)
	// Scan returns every event with sequence >= fromSeq, ascending, up to
	// limit (0 means unlimited). Used by verification and fork detection.
	Scan(ctx context.Context, fromSeq int64, limit int) ([]Event, error)
	Count(ctx context.Context) (int64, error)
}

// PostgresStore persists events in the `events` table (spec §6):
//
//	CREATE TABLE events (
//	  event_id uuid PRIMARY KEY,
//	  sequence bigint UNIQUE NOT NULL,
//	  event_type text NOT NULL,
//	  payload jsonb NOT NULL,
//	  prev_hash char(128) NOT NULL,
//	  content_hash char(64) NOT NULL,
//	  signature bytea NOT NULL,
//	  signer_key_id text NOT NULL,
//	  witness_id text NOT NULL,
//	  witness_signature bytea NOT NULL,
//	  local_timestamp timestamptz NOT NULL
//	);
//	CREATE INDEX ON events (sequence);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Tip(ctx context.Context) (int64, string, error) {
	var seq int64
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT sequence, content_hash FROM events ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, Genesis, nil
	}
	if err != nil {
		return 0, "", kernelerrors.Transient("read chain tip", err)
	}
	return seq, hash, nil
}

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	payloadJSON, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, sequence, event_type, payload, prev_hash, content_hash,
			signature, signer_key_id, witness_id, witness_signature, local_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.EventID, e.Sequence, e.EventType, payloadJSON, e.PrevHash, e.ContentHash,
		e.Signature, e.SignerKeyID, e.WitnessID, e.WitnessSignature, e.LocalTimestamp)
	if err != nil {
		return kernelerrors.Transient("append event", err)
	}
	return nil
}

func (s *PostgresStore) GetBySequence(ctx context.Context, seq int64) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, sequence, event_type, payload, prev_hash, content_hash,
			signature, signer_key_id, witness_id, witness_signature, local_timestamp
		FROM events WHERE sequence = $1`, seq)
	return scanEvent(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, eventID string) (Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, sequence, event_type, payload, prev_hash, content_hash,
			signature, signer_key_id, witness_id, witness_signature, local_timestamp
		FROM events WHERE event_id = $1`, eventID)
	return scanEvent(row)
}

func (s *PostgresStore) Scan(ctx context.Context, fromSeq int64, limit int) ([]Event, error) {
	query := `
		SELECT event_id, sequence, event_type, payload, prev_hash, content_hash,
			signature, signer_key_id, witness_id, witness_signature, local_timestamp
		FROM events WHERE sequence >= $1 ORDER BY sequence ASC`
	args := []interface{}{fromSeq}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kernelerrors.Transient("scan events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, kernelerrors.Transient("count events", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	var payloadJSON []byte
	err := row.Scan(&e.EventID, &e.Sequence, &e.EventType, &payloadJSON, &e.PrevHash, &e.ContentHash,
		&e.Signature, &e.SignerKeyID, &e.WitnessID, &e.WitnessSignature, &e.LocalTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, kernelerrors.NotFound("event", "")
	}
	if err != nil {
		return Event{}, kernelerrors.Transient("scan event", err)
	}
	e.Payload, err = unmarshalPayload(payloadJSON)
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

var _ Store = (*PostgresStore)(nil)
