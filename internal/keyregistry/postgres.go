package keyregistry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// PostgresStore persists agent keys in the `agent_keys` table (spec §6).
// Schema:
//
//	CREATE TABLE agent_keys (
//	  id uuid PRIMARY KEY,
//	  agent_id text NOT NULL,
//	  key_id text UNIQUE NOT NULL,
//	  public_key bytea NOT NULL,
//	  active_from timestamptz NOT NULL,
//	  active_until timestamptz NULL,
//	  created_at timestamptz NOT NULL DEFAULT now()
//	);
//	CREATE INDEX ON agent_keys (agent_id);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Register(ctx context.Context, key Key) error {
	exists, err := s.Exists(ctx, key.KeyID)
	if err != nil {
		return err
	}
	if exists {
		return kernelerrors.Conflict("key_id already exists")
	}

	existing, err := s.AllForAgent(ctx, key.AgentID)
	if err != nil {
		return err
	}
	if err := validateNoOverlap(existing, key); err != nil {
		return err
	}

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	var activeUntil interface{}
	if !key.ActiveUntil.IsZero() {
		activeUntil = key.ActiveUntil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_keys (id, agent_id, key_id, public_key, active_from, active_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.AgentID, key.KeyID, key.PublicKey[:], key.ActiveFrom, activeUntil, key.CreatedAt)
	if err != nil {
		return kernelerrors.Transient("register key", err)
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, keyID string, at time.Time) error {
	k, err := s.GetByKeyID(ctx, keyID)
	if err != nil {
		return err
	}
	if !k.ActiveUntil.IsZero() {
		if k.ActiveUntil.Equal(at) {
			return nil // idempotent
		}
		return kernelerrors.Conflict("key already deactivated")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_keys SET active_until = $1 WHERE key_id = $2 AND active_until IS NULL`,
		at, keyID)
	if err != nil {
		return kernelerrors.Transient("deactivate key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kernelerrors.Transient("deactivate key", err)
	}
	if n == 0 {
		return kernelerrors.Conflict("key already deactivated")
	}
	return nil
}

func (s *PostgresStore) GetByKeyID(ctx context.Context, keyID string) (Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, key_id, public_key, active_from, active_until, created_at
		FROM agent_keys WHERE key_id = $1`, keyID)
	return scanKey(row)
}

func (s *PostgresStore) GetActiveForAgent(ctx context.Context, agentID string, at time.Time) (Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, key_id, public_key, active_from, active_until, created_at
		FROM agent_keys
		WHERE agent_id = $1 AND active_from <= $2 AND (active_until IS NULL OR active_until > $2)`,
		agentID, at)
	return scanKey(row)
}

func (s *PostgresStore) Exists(ctx context.Context, keyID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM agent_keys WHERE key_id = $1`, keyID).Scan(&n)
	if err != nil {
		return false, kernelerrors.Transient("check key existence", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) AllForAgent(ctx context.Context, agentID string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, key_id, public_key, active_from, active_until, created_at
		FROM agent_keys WHERE agent_id = $1 ORDER BY active_from DESC`, agentID)
	if err != nil {
		return nil, kernelerrors.Transient("list agent keys", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		k, err := scanKeyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row scanner) (Key, error) {
	var k Key
	var publicKey []byte
	var activeUntil sql.NullTime

	err := row.Scan(&k.ID, &k.AgentID, &k.KeyID, &publicKey, &k.ActiveFrom, &activeUntil, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, kernelerrors.NotFound("agent key", "")
		}
		return Key{}, kernelerrors.Transient("scan agent key", err)
	}
	if activeUntil.Valid {
		k.ActiveUntil = activeUntil.Time
	}
	copy(k.PublicKey[:], publicKey)
	return k, nil
}

func scanKeyRows(rows *sql.Rows) (Key, error) {
	return scanKey(rows)
}
