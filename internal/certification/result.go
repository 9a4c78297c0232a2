// Package certification implements components I, J, and K: the result
// certifier, the procedural-record generator, and the halt-gated façade in
// front of both. Grounded in the ledger's canonicalize-then-hash-then-sign
// shape (internal/ledger/writer.go step 3-4) and the teacher's
// internal/evidence/supabase_store.go append-then-seal pattern, generalized
// from evidence blobs to deliberation results and procedural records.
package certification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/canonical"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/ledger"
)

// Result is the stored certification tuple (spec §3: "Certification
// result"). ResultHash is computed over the canonical serialization of
// Content only — never over this struct itself.
type Result struct {
	ResultID               string
	DeliberationID         string
	Content                map[string]interface{}
	ResultHash             string
	ParticipantCount       int
	CertificationTimestamp time.Time
	CertificationKeyID     string
	CertificationSignature []byte
	ResultType             string
}

// ResultStore is append-only: certify() is the only way a Result is ever
// created, and there is no update or delete method to forbid.
type ResultStore interface {
	Put(ctx context.Context, r Result) error
	GetByID(ctx context.Context, resultID string) (Result, error)
	GetByDeliberation(ctx context.Context, deliberationID string) ([]Result, error)
}

// Certifier implements 4.I.
type Certifier struct {
	store  ResultStore
	signer ledger.Signer
}

func NewCertifier(store ResultStore, signer ledger.Signer) *Certifier {
	return &Certifier{store: store, signer: signer}
}

// Certify canonicalizes content, hashes it, signs the hash with the
// certifier's current key, stores the tuple, and returns it.
func (c *Certifier) Certify(ctx context.Context, deliberationID string, content map[string]interface{}, participantCount int, resultType string, now time.Time) (Result, error) {
	hash, err := canonical.Hash(content)
	if err != nil {
		return Result{}, err
	}
	sig, err := c.signer.Sign([]byte(hash))
	if err != nil {
		return Result{}, kernelerrors.Transient("sign certification result", err)
	}
	r := Result{
		ResultID:               uuid.NewString(),
		DeliberationID:         deliberationID,
		Content:                content,
		ResultHash:             hash,
		ParticipantCount:       participantCount,
		CertificationTimestamp: now,
		CertificationKeyID:     c.signer.KeyID(),
		CertificationSignature: sig,
		ResultType:             resultType,
	}
	if err := c.store.Put(ctx, r); err != nil {
		return Result{}, err
	}
	return r, nil
}

// Verify returns true iff signature matches the stored signature for
// resultID, and re-deriving the hash from the stored content reproduces
// result_hash (spec 4.I).
func (c *Certifier) Verify(ctx context.Context, resultID string, signature []byte) (bool, error) {
	r, err := c.store.GetByID(ctx, resultID)
	if err != nil {
		return false, err
	}
	if !bytesEqual(signature, r.CertificationSignature) {
		return false, nil
	}
	rehash, err := canonical.Hash(r.Content)
	if err != nil {
		return false, err
	}
	return rehash == r.ResultHash, nil
}

func (c *Certifier) GetByDeliberation(ctx context.Context, deliberationID string) ([]Result, error) {
	return c.store.GetByDeliberation(ctx, deliberationID)
}

func (c *Certifier) GetByResultID(ctx context.Context, resultID string) (Result, error) {
	return c.store.GetByID(ctx, resultID)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MemoryResultStore is the in-process ResultStore for tests and single-node
// development.
type MemoryResultStore struct {
	mu   sync.Mutex
	byID map[string]Result
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{byID: make(map[string]Result)}
}

func (s *MemoryResultStore) Put(ctx context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ResultID] = r
	return nil
}

func (s *MemoryResultStore) GetByID(ctx context.Context, resultID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[resultID]
	if !ok {
		return Result{}, kernelerrors.NotFound("certification_result", resultID)
	}
	return r, nil
}

func (s *MemoryResultStore) GetByDeliberation(ctx context.Context, deliberationID string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, r := range s.byID {
		if r.DeliberationID == deliberationID {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ ResultStore = (*MemoryResultStore)(nil)
