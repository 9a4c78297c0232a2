// Package keyregistry implements the append-only agent-key store (spec
// component B): (agent_id, key_id, public_key, active_from, active_until).
// Deactivation never deletes a record; it sets a concrete active_until on
// the existing one. Grounded in the teacher's identity binding
// (internal/identity/spiffe.go ties a SPIFFE SVID to an agent_id) and the
// append-only persistence pattern in other_examples' pg_store.go.
package keyregistry

import (
	"context"
	"time"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// Key is an immutable agent-key record. There is deliberately no method on
// this type that could mutate or remove a record: the only way to retire a
// key is Store.Deactivate, which sets active_until on the stored record
// and keeps it retrievable.
type Key struct {
	ID         string
	AgentID    string
	KeyID      string
	PublicKey  [32]byte
	ActiveFrom time.Time
	// ActiveUntil is the zero time.Time when the key has no expiry (∞).
	ActiveUntil time.Time
	CreatedAt   time.Time
}

// Active reports whether the key covers instant at.
func (k Key) Active(at time.Time) bool {
	if at.Before(k.ActiveFrom) {
		return false
	}
	return k.ActiveUntil.IsZero() || at.Before(k.ActiveUntil)
}

// Store is the closed interface for the agent-key registry. It exposes
// exactly the operations spec 4.B names and no others: there is no Delete,
// no Remove, no Modify. Any code wanting to retire a key must call
// Deactivate, which only sets active_until.
type Store interface {
	Register(ctx context.Context, key Key) error
	Deactivate(ctx context.Context, keyID string, at time.Time) error
	GetByKeyID(ctx context.Context, keyID string) (Key, error)
	GetActiveForAgent(ctx context.Context, agentID string, at time.Time) (Key, error)
	Exists(ctx context.Context, keyID string) (bool, error)
	// AllForAgent returns every record ever registered for agentID, active
	// or not, newest first. Used to satisfy the "history is preserved"
	// property (spec §8.3).
	AllForAgent(ctx context.Context, agentID string) ([]Key, error)
}

// SystemKeyPrefix is the reserved namespace for system (non-agent) signers:
// the ledger's own signer key, the witness's key, the certifier's key.
const SystemKeyPrefix = "SYSTEM:"

func validateNoOverlap(existing []Key, candidate Key) error {
	for _, k := range existing {
		if overlaps(k, candidate) {
			return kernelerrors.Conflict("active interval overlaps an existing key for this agent")
		}
	}
	return nil
}

func overlaps(a, b Key) bool {
	aEnd := a.ActiveUntil
	bEnd := b.ActiveUntil
	// Treat zero time as +infinity for comparison purposes.
	if aEnd.IsZero() {
		aEnd = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if bEnd.IsZero() {
		bEnd = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return a.ActiveFrom.Before(bEnd) && b.ActiveFrom.Before(aEnd)
}
