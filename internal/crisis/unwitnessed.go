package crisis

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/canonical"
	"github.com/ocx/kernel/internal/kernelerrors"
)

// UnwitnessedHalt is the sentinel record spec 4.E creates when the ledger
// write backing a constitutional-crisis event fails or goes unwitnessed.
// The crisis still halts the platform (integrity over availability) — this
// record is the only trace of why the halt's own causal event is missing
// from the chain.
type UnwitnessedHalt struct {
	ID            string
	CrisisPayload map[string]interface{}
	FailureReason string
	At            time.Time
}

// UnwitnessedStore is append-only, mirroring every other store in this
// module: no update, no delete.
type UnwitnessedStore interface {
	Record(ctx context.Context, h UnwitnessedHalt) (string, error)
	List(ctx context.Context) ([]UnwitnessedHalt, error)
}

// MemoryUnwitnessedStore is the in-process UnwitnessedStore for tests and
// single-node development.
type MemoryUnwitnessedStore struct {
	mu   sync.Mutex
	rows []UnwitnessedHalt
}

func NewMemoryUnwitnessedStore() *MemoryUnwitnessedStore {
	return &MemoryUnwitnessedStore{}
}

func (s *MemoryUnwitnessedStore) Record(ctx context.Context, h UnwitnessedHalt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	s.rows = append(s.rows, h)
	return h.ID, nil
}

func (s *MemoryUnwitnessedStore) List(ctx context.Context) ([]UnwitnessedHalt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UnwitnessedHalt, len(s.rows))
	copy(out, s.rows)
	return out, nil
}

var _ UnwitnessedStore = (*MemoryUnwitnessedStore)(nil)

// PostgresUnwitnessedStore persists to a dedicated, append-only table
// (spec 4.E: "a dedicated, append-only store"):
//
//	CREATE TABLE unwitnessed_halts (
//	  id uuid PRIMARY KEY,
//	  crisis_payload jsonb NOT NULL,
//	  failure_reason text NOT NULL,
//	  occurred_at timestamptz NOT NULL
//	);
type PostgresUnwitnessedStore struct {
	db *sql.DB
}

func NewPostgresUnwitnessedStore(db *sql.DB) *PostgresUnwitnessedStore {
	return &PostgresUnwitnessedStore{db: db}
}

func (s *PostgresUnwitnessedStore) Record(ctx context.Context, h UnwitnessedHalt) (string, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	payloadJSON, err := canonical.Marshal(h.CrisisPayload)
	if err != nil {
		// Even the sentinel record must not silently lose the payload to a
		// non-finite float or other canonicalization failure; fall back to
		// recording the error string itself inside the payload.
		payloadJSON, _ = canonical.Marshal(map[string]interface{}{"canonicalization_error": err.Error()})
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO unwitnessed_halts (id, crisis_payload, failure_reason, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		h.ID, payloadJSON, h.FailureReason, h.At)
	if err != nil {
		return "", kernelerrors.Transient("record unwitnessed halt", err)
	}
	return h.ID, nil
}

func (s *PostgresUnwitnessedStore) List(ctx context.Context) ([]UnwitnessedHalt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, failure_reason, occurred_at FROM unwitnessed_halts ORDER BY occurred_at ASC`)
	if err != nil {
		return nil, kernelerrors.Transient("list unwitnessed halts", err)
	}
	defer rows.Close()

	var out []UnwitnessedHalt
	for rows.Next() {
		var h UnwitnessedHalt
		if err := rows.Scan(&h.ID, &h.FailureReason, &h.At); err != nil {
			return nil, kernelerrors.Transient("scan unwitnessed halt", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

var _ UnwitnessedStore = (*PostgresUnwitnessedStore)(nil)
