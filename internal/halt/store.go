package halt

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// MemoryStore is an in-process durable channel for tests and single-node
// development — "durable" only in the sense that it outlives the fast
// channel's atomic.Value across a simulated restart (a fresh Halter built
// over the same MemoryStore), not across a process restart.
type MemoryStore struct {
	mu sync.Mutex
	s  State
	ok bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ok {
		return State{}, nil
	}
	return m.s, nil
}

func (m *MemoryStore) Save(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	m.ok = true
	return nil
}

var _ Store = (*MemoryStore)(nil)

// PostgresStore persists the single halt row (spec §6):
//
//	CREATE TABLE halt_state (
//	  id boolean PRIMARY KEY DEFAULT true CHECK (id),
//	  halted boolean NOT NULL,
//	  reason text,
//	  witnessed_event_id uuid,
//	  onset timestamptz,
//	  recovery_earliest timestamptz
//	);
//
// The boolean primary key pinned to true is the teacher's own idiom for
// "exactly one row" tables elsewhere in the pack (a singleton config row);
// here it guarantees there is never more than one halt record to disagree
// with the fast channel.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context) (State, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT halted, reason, witnessed_event_id, onset, recovery_earliest
		FROM halt_state WHERE id = true`)

	var s State
	var reason, witnessEventID sql.NullString
	var onset, recoveryEarliest sql.NullTime
	err := row.Scan(&s.Halted, &reason, &witnessEventID, &onset, &recoveryEarliest)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, kernelerrors.Transient("load halt state", err)
	}
	s.Reason = reason.String
	s.WitnessedEventID = witnessEventID.String
	s.Onset = onset.Time
	s.RecoveryEarliest = recoveryEarliest.Time
	return s, nil
}

func (p *PostgresStore) Save(ctx context.Context, s State) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO halt_state (id, halted, reason, witnessed_event_id, onset, recovery_earliest)
		VALUES (true, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			halted = EXCLUDED.halted,
			reason = EXCLUDED.reason,
			witnessed_event_id = EXCLUDED.witnessed_event_id,
			onset = EXCLUDED.onset,
			recovery_earliest = EXCLUDED.recovery_earliest`,
		s.Halted, nullString(s.Reason), nullString(s.WitnessedEventID), nullTime(s.Onset), nullTime(s.RecoveryEarliest))
	if err != nil {
		return kernelerrors.Transient("save halt state", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ Store = (*PostgresStore)(nil)
