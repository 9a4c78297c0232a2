package certification

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/deliberation"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/ledger"
)

type stubChecker struct {
	halted bool
	reason string
}

func (s stubChecker) IsHalted() bool { return s.halted }
func (s stubChecker) Reason() string { return s.reason }

func newTestSigner(t *testing.T, keys keyregistry.Store, agentID, keyID string) ledger.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var pk [32]byte
	copy(pk[:], pub)
	require.NoError(t, keys.Register(context.Background(), keyregistry.Key{
		AgentID:    agentID,
		KeyID:      keyID,
		PublicKey:  pk,
		ActiveFrom: time.Now().Add(-time.Hour),
	}))
	return ledger.NewEd25519Signer(keyID, priv)
}

func TestCertifyProducesVerifiableResult(t *testing.T) {
	ctx := context.Background()
	keys := keyregistry.NewMemoryStore()
	signer := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"certifier", "certifier-key-1")

	c := NewCertifier(NewMemoryResultStore(), signer)
	content := map[string]interface{}{"decision": "approved"}

	r, err := c.Certify(ctx, "delib-1", content, 3, "vote_outcome", time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, r.ResultID)
	assert.Equal(t, "certifier-key-1", r.CertificationKeyID)

	ok, err := c.Verify(ctx, r.ResultID, r.CertificationSignature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	ctx := context.Background()
	keys := keyregistry.NewMemoryStore()
	signer := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"certifier", "certifier-key-1")

	c := NewCertifier(NewMemoryResultStore(), signer)
	r, err := c.Certify(ctx, "delib-1", map[string]interface{}{"decision": "approved"}, 3, "vote_outcome", time.Now())
	require.NoError(t, err)

	ok, err := c.Verify(ctx, r.ResultID, []byte("not-the-signature"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateProceduralRecordSealsImmutableSnapshot(t *testing.T) {
	ctx := context.Background()
	keys := keyregistry.NewMemoryStore()
	signer := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"record-generator", "record-key-1")

	delibs := deliberation.NewMemoryStore()
	delibs.Seed("delib-1", deliberation.Snapshot{
		AgendaItems:    []string{"item-1", "item-2"},
		ParticipantIDs: []string{"agent-a", "agent-b"},
		VoteSummary:    map[string]interface{}{"approve": int64(2), "reject": int64(0)},
		TimelineEvents: []map[string]interface{}{{"at": "t1", "what": "opened"}},
		Decisions:      []string{"approved"},
	})

	g := NewRecordGenerator(delibs, NewMemoryRecordStore(), signer, keys)

	r, err := g.Generate(ctx, "delib-1", time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, r.RecordHash)

	ok, err := g.Verify(ctx, r.RecordID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Mutating the record returned by Generate must not affect the
	// already-sealed, stored record (collections are not shared).
	r.AgendaItems[0] = "tampered"
	reread, err := g.GetByRecordID(ctx, r.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "item-1", reread.AgendaItems[0])
}

func TestServiceRejectsWritesWhileHalted(t *testing.T) {
	ctx := context.Background()
	keys := keyregistry.NewMemoryStore()
	resultSigner := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"certifier", "certifier-key-1")
	recordSigner := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"record-generator", "record-key-1")

	delibs := deliberation.NewMemoryStore()
	delibs.Seed("delib-1", deliberation.Snapshot{Decisions: []string{"approved"}})

	certifier := NewCertifier(NewMemoryResultStore(), resultSigner)
	records := NewRecordGenerator(delibs, NewMemoryRecordStore(), recordSigner, keys)

	svc := NewService(certifier, records, stubChecker{halted: true, reason: "fork detected"})

	_, err := svc.Certify(ctx, "delib-1", map[string]interface{}{"decision": "approved"}, 1, "vote_outcome", time.Now())
	require.Error(t, err)
	assert.True(t, kernelerrors.IsHalted(err))

	_, err = svc.GenerateProceduralRecord(ctx, "delib-1", time.Now())
	require.Error(t, err)
	assert.True(t, kernelerrors.IsHalted(err))
}

func TestServiceAllowsReadsWhileHalted(t *testing.T) {
	ctx := context.Background()
	keys := keyregistry.NewMemoryStore()
	resultSigner := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"certifier", "certifier-key-1")
	recordSigner := newTestSigner(t, keys, keyregistry.SystemKeyPrefix+"record-generator", "record-key-1")

	delibs := deliberation.NewMemoryStore()
	delibs.Seed("delib-1", deliberation.Snapshot{Decisions: []string{"approved"}})

	certifier := NewCertifier(NewMemoryResultStore(), resultSigner)
	records := NewRecordGenerator(delibs, NewMemoryRecordStore(), recordSigner, keys)

	openChecker := stubChecker{halted: false}
	svc := NewService(certifier, records, openChecker)

	r, err := svc.Certify(ctx, "delib-1", map[string]interface{}{"decision": "approved"}, 1, "vote_outcome", time.Now())
	require.NoError(t, err)

	svc.halt = stubChecker{halted: true, reason: "fork detected"}

	_, err = svc.GetCertification(ctx, r.ResultID)
	assert.NoError(t, err)
}
