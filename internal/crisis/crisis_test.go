package crisis

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/forkdetect"
	"github.com/ocx/kernel/internal/halt"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/ledger"
	"github.com/ocx/kernel/internal/ratelimit"
	"github.com/ocx/kernel/internal/witness"
)

func newTestLedgerWriter(t *testing.T) *ledger.Writer {
	t.Helper()
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	keys := keyregistry.NewMemoryStore()
	var pk [32]byte
	copy(pk[:], pub)
	require.NoError(t, keys.Register(ctx, keyregistry.Key{
		AgentID:    ledger.SystemAgentID,
		KeyID:      "writer-key-1",
		PublicKey:  pk,
		ActiveFrom: time.Now().Add(-time.Hour),
	}))

	signer := ledger.NewEd25519Signer("writer-key-1", priv)

	_, wPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	w := witness.NewInProcessWitness("witness-1", wPriv)

	return ledger.NewWriter(ledger.NewMemoryStore(), keys, w, signer)
}

func newTestHalter(t *testing.T) *halt.Halter {
	t.Helper()
	h, err := halt.NewHalter(context.Background(), halt.NewMemoryStore(),
		ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 5, Window: time.Hour}), halt.NoopAttemptLog{})
	require.NoError(t, err)
	return h
}

func twoConflictingEvents() []ledger.Event {
	prevHash := "shared-prev-hash"
	return []ledger.Event{
		{EventID: "e-b", PrevHash: prevHash, ContentHash: "b-hash"},
		{EventID: "e-c", PrevHash: prevHash, ContentHash: "c-hash"},
	}
}

// TestForkDetectedWritesWitnessedEventThenHalts covers scenario S1: fork ->
// signed signal -> witnessed halt. The crisis trigger must write a
// constitutional.fork_detected event to the chain before is_halted() flips.
func TestForkDetectedWritesWitnessedEventThenHalts(t *testing.T) {
	ctx := context.Background()
	lw := newTestLedgerWriter(t)
	sentinels := NewMemoryUnwitnessedStore()
	hw := NewHaltWriter(lw, sentinels)
	halter := newTestHalter(t)
	trig := New(hw, halter, nil, nil)

	payload, found := forkdetect.Detect(twoConflictingEvents(), "svc-a", time.Now().UTC())
	require.True(t, found)

	require.False(t, halter.IsHalted())
	require.NoError(t, trig.ForkDetected(ctx, payload))
	assert.True(t, halter.IsHalted())
	assert.NotEmpty(t, halter.State().WitnessedEventID)
}

// TestForkDetectedRecordsHaltEventInChain re-verifies RT-2 directly against
// the ledger store: whenever is_halted() becomes true, a halt-causing event
// must exist in the chain (the happy path where the ledger write succeeds).
func TestForkDetectedRecordsHaltEventInChain(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keys := keyregistry.NewMemoryStore()
	var pk [32]byte
	copy(pk[:], pub)
	require.NoError(t, keys.Register(ctx, keyregistry.Key{
		AgentID:    ledger.SystemAgentID,
		KeyID:      "writer-key-1",
		PublicKey:  pk,
		ActiveFrom: time.Now().Add(-time.Hour),
	}))
	signer := ledger.NewEd25519Signer("writer-key-1", priv)
	_, wPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	w := witness.NewInProcessWitness("witness-1", wPriv)
	lw := ledger.NewWriter(store, keys, w, signer)

	sentinels := NewMemoryUnwitnessedStore()
	hw := NewHaltWriter(lw, sentinels)
	halter := newTestHalter(t)
	trig := New(hw, halter, nil, nil)

	payload, found := forkdetect.Detect(twoConflictingEvents(), "svc-a", time.Now().UTC())
	require.True(t, found)
	require.NoError(t, trig.ForkDetected(ctx, payload))

	require.True(t, halter.IsHalted())
	_, tip, err := store.Tip(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tip)

	all, err := store.Scan(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "constitutional.fork_detected", all[0].EventType)
	assert.Equal(t, all[0].EventID, halter.State().WitnessedEventID)

	sentinelRows, err := sentinels.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sentinelRows)
}

// TestSequenceGapHaltsEvenWhenLedgerWriteFails covers the unwitnessed-halt
// path: a broken ledger writer (no registered signer key) cannot write the
// causal event, but the halt must still engage, and the sentinel store must
// carry the only trace of why.
func TestSequenceGapHaltsEvenWhenLedgerWriteFails(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	keys := keyregistry.NewMemoryStore() // no key registered: write_event fails at step 1
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := ledger.NewEd25519Signer("writer-key-1", priv)
	_, wPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	w := witness.NewInProcessWitness("witness-1", wPriv)
	lw := ledger.NewWriter(store, keys, w, signer)

	sentinels := NewMemoryUnwitnessedStore()
	hw := NewHaltWriter(lw, sentinels)
	halter := newTestHalter(t)
	trig := New(hw, halter, nil, nil)

	require.NoError(t, trig.SequenceGapDetected(ctx, "missing sequence 4"))

	assert.True(t, halter.IsHalted())
	assert.Empty(t, halter.State().WitnessedEventID)

	rows, err := sentinels.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "missing sequence 4", rows[0].CrisisPayload["detail"])
}

func TestHashMismatchDetectedHalts(t *testing.T) {
	ctx := context.Background()
	lw := newTestLedgerWriter(t)
	hw := NewHaltWriter(lw, NewMemoryUnwitnessedStore())
	halter := newTestHalter(t)
	trig := New(hw, halter, nil, nil)

	require.False(t, halter.IsHalted())
	require.NoError(t, trig.HashMismatchDetected(ctx, "content_hash mismatch at seq 7"))
	assert.True(t, halter.IsHalted())
	assert.Contains(t, halter.Reason(), "content_hash mismatch at seq 7")
}
