// Package deliberation provides the read-only view of a deliberation's
// agenda, participants, votes, timeline, and decisions that spec component J
// (the procedural-record generator) reads from. It never writes: the
// deliberation platform itself owns that lifecycle, the kernel only seals
// a signed record of what already happened. Grounded in the teacher's
// internal/database/supabase.go CRUD-over-REST pattern, narrowed to a single
// read (no Insert/Update/Upsert here — there is nothing to mutate).
package deliberation

import (
	"context"
	"sync"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// Snapshot is everything 4.J folds into a ProceduralRecord, collected as of
// the moment generate() is called.
type Snapshot struct {
	AgendaItems    []string
	ParticipantIDs []string
	VoteSummary    map[string]interface{}
	TimelineEvents []map[string]interface{}
	Decisions      []string
}

// Store is the read-only port. Supabase is the deliberation platform's
// primary datastore in the teacher's own world (internal/database), so the
// production implementation below talks to it directly; there is
// deliberately no write method on this interface.
type Store interface {
	GetSnapshot(ctx context.Context, deliberationID string) (Snapshot, error)
}

// deliberationRow mirrors one row of the `deliberations` table: agenda,
// participants, votes, timeline, and decisions are stored as jsonb columns
// rather than normalized tables, matching the teacher's jsonb-heavy schema
// style (Tenant.Settings, Agent.AgentMetadata).
type deliberationRow struct {
	DeliberationID string                   `json:"deliberation_id"`
	AgendaItems    []string                 `json:"agenda_items"`
	Participants   []string                 `json:"participant_ids"`
	VoteSummary    map[string]interface{}   `json:"vote_summary"`
	TimelineEvents []map[string]interface{} `json:"timeline_events"`
	Decisions      []string                 `json:"decisions"`
}

// SupabaseStore reads deliberation snapshots from the `deliberations` table
// over Supabase's PostgREST API.
type SupabaseStore struct {
	client *supabase.Client
}

func NewSupabaseStore(client *supabase.Client) *SupabaseStore {
	return &SupabaseStore{client: client}
}

func (s *SupabaseStore) GetSnapshot(ctx context.Context, deliberationID string) (Snapshot, error) {
	var rows []deliberationRow
	_, err := s.client.From("deliberations").
		Select("*", "", false).
		Eq("deliberation_id", deliberationID).
		ExecuteTo(&rows)
	if err != nil {
		return Snapshot{}, kernelerrors.Transient("fetch deliberation snapshot", err)
	}
	if len(rows) == 0 {
		return Snapshot{}, kernelerrors.NotFound("deliberation", deliberationID)
	}
	r := rows[0]
	return Snapshot{
		AgendaItems:    r.AgendaItems,
		ParticipantIDs: r.Participants,
		VoteSummary:    r.VoteSummary,
		TimelineEvents: r.TimelineEvents,
		Decisions:      r.Decisions,
	}, nil
}

var _ Store = (*SupabaseStore)(nil)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Snapshot)}
}

// Seed registers a snapshot for a deliberation id. Test-only setup method;
// not part of the Store interface.
func (s *MemoryStore) Seed(deliberationID string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[deliberationID] = snap
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, deliberationID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[deliberationID]
	if !ok {
		return Snapshot{}, kernelerrors.NotFound("deliberation", deliberationID)
	}
	return snap, nil
}

var _ Store = (*MemoryStore)(nil)
