package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/canonical"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/witness"
)

// maxWitnessClockSkew bounds how far a witness's reported countersign time
// may drift from the writer's own clock before it's worth a log line. Not a
// write-time failure: witness_id and witness_signature are what content_hash
// commits to, never the witness's wall clock.
const maxWitnessClockSkew = 30 * time.Second

// SystemAgentID is the registry identity the ledger's own writer signs as.
// It lives in the SYSTEM: namespace (keyregistry.SystemKeyPrefix) rather than
// any deliberating agent's namespace: the ledger attests to events on the
// kernel's own authority, not on behalf of whichever agent triggered them.
const SystemAgentID = keyregistry.SystemKeyPrefix + "ledger-writer"

// Writer implements write_event (spec 4.C): the only way an Event is ever
// created. There is no exported constructor for Event outside this package's
// tests, and no store method accepts an Event that didn't come from here in
// production wiring.
type Writer struct {
	mu      sync.Mutex
	store   Store
	keys    keyregistry.Store
	witness witness.Witness
	signer  Signer
}

func NewWriter(store Store, keys keyregistry.Store, w witness.Witness, signer Signer) *Writer {
	return &Writer{store: store, keys: keys, witness: w, signer: signer}
}

// WriteEvent appends one event to the chain. now is passed in rather than
// read from time.Now() so callers (and tests) control the local_timestamp
// that feeds content_hash.
func (wr *Writer) WriteEvent(ctx context.Context, eventType string, payload map[string]interface{}, now time.Time) (Event, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	// 1. Resolve signer key via the registry. An inactive or unregistered
	// signer key must fail the write before anything is hashed or persisted.
	key, err := wr.keys.GetActiveForAgent(ctx, SystemAgentID, now)
	if err != nil {
		return Event{}, err
	}
	if key.KeyID != wr.signer.KeyID() {
		return Event{}, kernelerrors.Conflict("active registry key does not match configured signer")
	}

	// 2. Determine next sequence and prev_hash. The mutex above is the
	// "exclusive lock" spec 4.C step 2 requires; a single Writer per process
	// is the only writer for its chain.
	lastSeq, prevHash, err := wr.store.Tip(ctx)
	if err != nil {
		return Event{}, err
	}

	e := Event{
		EventID:        uuid.NewString(),
		Sequence:       lastSeq + 1,
		EventType:      eventType,
		Payload:        payload,
		PrevHash:       prevHash,
		SignerKeyID:    key.KeyID,
		// witness_id is part of the signable content (spec §3's field list),
		// so it must be fixed before content_hash is computed in step 3 —
		// well before the witness is actually invoked in step 5. A Witness's
		// identity is therefore static and known in advance, not derived
		// from its per-call response.
		WitnessID:      wr.witness.ID(),
		LocalTimestamp: now,
	}

	// 3. Canonicalize the signable content and hash it.
	contentHash, err := canonical.Hash(e.signableFields())
	if err != nil {
		return Event{}, err
	}
	e.ContentHash = contentHash

	// 4. Produce the signer signature over content_hash.
	sig, err := wr.signer.Sign([]byte(contentHash))
	if err != nil {
		return Event{}, kernelerrors.Transient("sign event", err)
	}
	e.Signature = sig

	// 5. Invoke the witness. Any failure here means the event is never
	// persisted: a write with no witness never happened (spec open question
	// 1's resolution — see the crisis package for the one sanctioned
	// exception, the unwitnessed-halt sentinel). The witness's identity was
	// already fixed in e.WitnessID above; only the countersignature comes
	// back from this call.
	result, err := wr.witness.Witness(ctx, witness.Request{
		EventID:         e.EventID,
		Sequence:        e.Sequence,
		PrevHash:        e.PrevHash,
		ContentHash:     e.ContentHash,
		SignerSignature: e.Signature,
		SignerKeyID:     e.SignerKeyID,
	})
	if err != nil {
		return Event{}, err
	}
	e.WitnessSignature = result.WitnessSignature
	if !result.WitnessedAt.IsZero() {
		if skew := now.Sub(result.WitnessedAt); skew > maxWitnessClockSkew || skew < -maxWitnessClockSkew {
			log.Printf("ledger: witness %s clock skew %s on event %s", e.WitnessID, skew, e.EventID)
		}
	}

	// 6. Persist atomically.
	if err := wr.store.Append(ctx, e); err != nil {
		return Event{}, err
	}
	return e, nil
}
