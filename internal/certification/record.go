package certification

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/canonical"
	"github.com/ocx/kernel/internal/deliberation"
	"github.com/ocx/kernel/internal/keyregistry"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/ledger"
)

// ProceduralRecord is the stored record tuple (spec §3). Every collection
// field is converted to an immutable form (a freshly copied slice/map) before
// the record is sealed, so no caller can mutate history through a shared
// reference after generate() returns.
type ProceduralRecord struct {
	RecordID       string
	DeliberationID string
	AgendaItems    []string
	ParticipantIDs []string
	VoteSummary    map[string]interface{}
	TimelineEvents []map[string]interface{}
	Decisions      []string
	RecordHash     string
	Signature      []byte
	KeyID          string
	SealedAt       time.Time
}

// RecordStore is append-only, mirroring ResultStore.
type RecordStore interface {
	Put(ctx context.Context, r ProceduralRecord) error
	GetByID(ctx context.Context, recordID string) (ProceduralRecord, error)
	GetByDeliberation(ctx context.Context, deliberationID string) ([]ProceduralRecord, error)
}

// RecordGenerator implements 4.J.
type RecordGenerator struct {
	deliberations deliberation.Store
	store         RecordStore
	signer        ledger.Signer
	keys          keyregistry.Store
}

func NewRecordGenerator(deliberations deliberation.Store, store RecordStore, signer ledger.Signer, keys keyregistry.Store) *RecordGenerator {
	return &RecordGenerator{deliberations: deliberations, store: store, signer: signer, keys: keys}
}

// Generate collects the deliberation's agenda, participants, votes,
// timeline, and decisions from the read-only deliberation store,
// canonicalizes them, computes record_hash, signs it, and seals the record.
func (g *RecordGenerator) Generate(ctx context.Context, deliberationID string, now time.Time) (ProceduralRecord, error) {
	snap, err := g.deliberations.GetSnapshot(ctx, deliberationID)
	if err != nil {
		return ProceduralRecord{}, err
	}

	agenda := copyStrings(snap.AgendaItems)
	participants := copyStrings(snap.ParticipantIDs)
	timeline := copyMaps(snap.TimelineEvents)
	decisions := copyStrings(snap.Decisions)
	votes := copyMap(snap.VoteSummary)

	canonicalPayload := map[string]interface{}{
		"deliberation_id": deliberationID,
		"agenda_items":    toValueSlice(agenda),
		"participant_ids": toValueSlice(participants),
		"vote_summary":    votes,
		"timeline_events": toMapValueSlice(timeline),
		"decisions":       toValueSlice(decisions),
	}
	hash, err := canonical.Hash(canonicalPayload)
	if err != nil {
		return ProceduralRecord{}, err
	}
	sig, err := g.signer.Sign([]byte(hash))
	if err != nil {
		return ProceduralRecord{}, kernelerrors.Transient("sign procedural record", err)
	}

	r := ProceduralRecord{
		RecordID:       uuid.NewString(),
		DeliberationID: deliberationID,
		AgendaItems:    agenda,
		ParticipantIDs: participants,
		VoteSummary:    votes,
		TimelineEvents: timeline,
		Decisions:      decisions,
		RecordHash:     hash,
		Signature:      sig,
		KeyID:          g.signer.KeyID(),
		SealedAt:       now,
	}
	if err := g.store.Put(ctx, r); err != nil {
		return ProceduralRecord{}, err
	}
	out := r
	out.AgendaItems = copyStrings(r.AgendaItems)
	out.ParticipantIDs = copyStrings(r.ParticipantIDs)
	out.VoteSummary = copyMap(r.VoteSummary)
	out.TimelineEvents = copyMaps(r.TimelineEvents)
	out.Decisions = copyStrings(r.Decisions)
	return out, nil
}

// Verify recomputes the hash from the stored record fields and confirms the
// signature (spec 4.J).
func (g *RecordGenerator) Verify(ctx context.Context, recordID string) (bool, error) {
	r, err := g.store.GetByID(ctx, recordID)
	if err != nil {
		return false, err
	}
	canonicalPayload := map[string]interface{}{
		"deliberation_id": r.DeliberationID,
		"agenda_items":    toValueSlice(r.AgendaItems),
		"participant_ids": toValueSlice(r.ParticipantIDs),
		"vote_summary":    r.VoteSummary,
		"timeline_events": toMapValueSlice(r.TimelineEvents),
		"decisions":       toValueSlice(r.Decisions),
	}
	hash, err := canonical.Hash(canonicalPayload)
	if err != nil {
		return false, err
	}
	if hash != r.RecordHash {
		return false, nil
	}
	key, err := g.keys.GetByKeyID(ctx, r.KeyID)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(key.PublicKey[:], []byte(hash), r.Signature), nil
}

func (g *RecordGenerator) GetByDeliberation(ctx context.Context, deliberationID string) ([]ProceduralRecord, error) {
	return g.store.GetByDeliberation(ctx, deliberationID)
}

func (g *RecordGenerator) GetByRecordID(ctx context.Context, recordID string) (ProceduralRecord, error) {
	return g.store.GetByID(ctx, recordID)
}

func copyStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMaps(ms []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(ms))
	for i, m := range ms {
		out[i] = copyMap(m)
	}
	return out
}

func toValueSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toMapValueSlice(ms []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}

// MemoryRecordStore is the in-process RecordStore for tests and single-node
// development.
type MemoryRecordStore struct {
	mu   sync.Mutex
	byID map[string]ProceduralRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{byID: make(map[string]ProceduralRecord)}
}

func (s *MemoryRecordStore) Put(ctx context.Context, r ProceduralRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.RecordID] = r
	return nil
}

func (s *MemoryRecordStore) GetByID(ctx context.Context, recordID string) (ProceduralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[recordID]
	if !ok {
		return ProceduralRecord{}, kernelerrors.NotFound("procedural_record", recordID)
	}
	return r, nil
}

func (s *MemoryRecordStore) GetByDeliberation(ctx context.Context, deliberationID string) ([]ProceduralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ProceduralRecord
	for _, r := range s.byID {
		if r.DeliberationID == deliberationID {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ RecordStore = (*MemoryRecordStore)(nil)
