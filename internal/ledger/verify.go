package ledger

import (
	"context"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/ocx/kernel/internal/canonical"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/kernelerrors"
)

// Verifier re-derives and checks everything a stored Event claims about
// itself (spec 4.C's verification half): content_hash recomputation, signer
// signature, witness signature, and prev_hash chain continuity. Any
// mismatch is a constitutional-class error that callers must route to
// internal/crisis, never swallow.
type Verifier struct {
	keys          keyregistry.Store
	witnessPubKey ed25519.PublicKey
}

// NewVerifier builds a Verifier. witnessPubKey may be nil, in which case
// witness signatures are accepted unchecked — used only when wiring a
// witness whose key distribution is out of band from the registry.
func NewVerifier(keys keyregistry.Store, witnessPubKey ed25519.PublicKey) *Verifier {
	return &Verifier{keys: keys, witnessPubKey: witnessPubKey}
}

// VerifyEvent checks one event in isolation: its content_hash and both
// signatures. It does not check prev_hash continuity against a neighbor —
// that is VerifyChain's job, since it needs two events to mean anything.
func (v *Verifier) VerifyEvent(ctx context.Context, e Event) error {
	recomputed, err := canonical.Hash(e.signableFields())
	if err != nil {
		return err
	}
	if recomputed != e.ContentHash {
		return kernelerrors.HashMismatch(fmt.Sprintf("event %s: recomputed content_hash does not match stored value", e.EventID))
	}

	key, err := v.keys.GetByKeyID(ctx, e.SignerKeyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key.PublicKey[:], []byte(e.ContentHash), e.Signature) {
		return kernelerrors.HashMismatch(fmt.Sprintf("event %s: signer signature invalid", e.EventID))
	}

	if v.witnessPubKey != nil {
		if !ed25519.Verify(v.witnessPubKey, e.Signature, e.WitnessSignature) {
			return kernelerrors.HashMismatch(fmt.Sprintf("event %s: witness signature invalid", e.EventID))
		}
	}
	return nil
}

// VerifyChain checks a contiguous, sequence-ascending slice of events: each
// event's own signatures and hash, plus that each prev_hash equals the
// content_hash of its immediate predecessor (or Genesis for the first).
func (v *Verifier) VerifyChain(ctx context.Context, events []Event) error {
	prev := Genesis
	for _, e := range events {
		if e.PrevHash != prev {
			return kernelerrors.HashMismatch(fmt.Sprintf("event %s (sequence %d): prev_hash does not chain from predecessor", e.EventID, e.Sequence))
		}
		if err := v.VerifyEvent(ctx, e); err != nil {
			return err
		}
		prev = e.ContentHash
	}
	return nil
}
