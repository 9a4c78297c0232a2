// Package ledger implements the append-only, hash-chained, dual-signed
// event store (spec component C). Grounded in the teacher's
// internal/ledger (a single-writer-mutex hash ledger) and
// other_examples/090179ff_..._pg_store.go's AppendAuditEvent: canonicalize,
// concatenate with the previous hash, SHA-256, sign, persist.
package ledger

import (
	"time"
)

// Genesis is the well-known prev_hash of the first event in a chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// Event is an immutable ledger record. There is no Delete, Remove, Scrub,
// or Modify method anywhere on this type or on Store — spec §3(iv) requires
// those to be statically unreachable, and the way this package achieves
// that is by simply never declaring them.
type Event struct {
	EventID          string
	Sequence         int64
	EventType        string
	Payload          map[string]interface{}
	PrevHash         string
	ContentHash      string
	Signature        []byte
	SignerKeyID      string
	WitnessID        string
	WitnessSignature []byte
	LocalTimestamp   time.Time
}

// signableFields returns the canonical map of everything that feeds
// content_hash: every field except content_hash itself and both signatures,
// per spec 4.A/4.C step 3.
func (e Event) signableFields() map[string]interface{} {
	return map[string]interface{}{
		"event_id":        e.EventID,
		"sequence":        e.Sequence,
		"event_type":      e.EventType,
		"payload":         toCanonicalValue(e.Payload),
		"prev_hash":       e.PrevHash,
		"signer_key_id":   e.SignerKeyID,
		"witness_id":      e.WitnessID,
		"local_timestamp": e.LocalTimestamp,
	}
}

// toCanonicalValue converts a payload map (which may itself contain nested
// maps of various concrete key/value types) into the canonical.Value shape.
// Most callers already pass map[string]interface{}, so this is a no-op
// identity conversion kept as its own function so the shape is documented
// at the one place it matters.
func toCanonicalValue(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
