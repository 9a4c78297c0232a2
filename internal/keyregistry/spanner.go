package keyregistry

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/google/uuid"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// SpannerStore is the alternate key-registry backend, selected via
// config.KeyRegistry.Backend == "spanner". Mirrors the teacher's own
// postgres/spanner backend switch (internal/reputation) so the kernel can
// run the registry on a horizontally-scaled backend without code changes
// upstream of Store.
type SpannerStore struct {
	client *spanner.Client
}

func NewSpannerStore(client *spanner.Client) *SpannerStore {
	return &SpannerStore{client: client}
}

func (s *SpannerStore) Register(ctx context.Context, key Key) error {
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

	mutation := spanner.InsertMap("agent_keys", map[string]interface{}{
		"id":           key.ID,
		"agent_id":     key.AgentID,
		"key_id":       key.KeyID,
		"public_key":   key.PublicKey[:],
		"active_from":  key.ActiveFrom,
		"active_until": spannerNullTime(key.ActiveUntil),
		"created_at":   key.CreatedAt,
	})
	_, err = s.client.Apply(ctx, []*spanner.Mutation{mutation})
	if err != nil {
		return kernelerrors.Transient("register key (spanner)", err)
	}
	return nil
}

func (s *SpannerStore) Deactivate(ctx context.Context, keyID string, at time.Time) error {
	k, err := s.GetByKeyID(ctx, keyID)
	if err != nil {
		return err
	}
	if !k.ActiveUntil.IsZero() {
		if k.ActiveUntil.Equal(at) {
			return nil
		}
		return kernelerrors.Conflict("key already deactivated")
	}
	mutation := spanner.UpdateMap("agent_keys", map[string]interface{}{
		"key_id":       keyID,
		"active_until": at,
	})
	_, err = s.client.Apply(ctx, []*spanner.Mutation{mutation})
	if err != nil {
		return kernelerrors.Transient("deactivate key (spanner)", err)
	}
	return nil
}

func (s *SpannerStore) GetByKeyID(ctx context.Context, keyID string) (Key, error) {
	row, err := s.client.Single().ReadRow(ctx, "agent_keys",
		spanner.Key{keyID}, []string{"id", "agent_id", "key_id", "public_key", "active_from", "active_until", "created_at"})
	if spanner.ErrCode(err) == codes.NotFound {
		return Key{}, kernelerrors.NotFound("agent key", keyID)
	}
	if err != nil {
		return Key{}, kernelerrors.Transient("get key (spanner)", err)
	}
	return rowToKey(row)
}

func (s *SpannerStore) GetActiveForAgent(ctx context.Context, agentID string, at time.Time) (Key, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, agent_id, key_id, public_key, active_from, active_until, created_at
		      FROM agent_keys
		      WHERE agent_id = @agentID AND active_from <= @at AND (active_until IS NULL OR active_until > @at)`,
		Params: map[string]interface{}{"agentID": agentID, "at": at},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()
	row, err := iter.Next()
	if err == iterator.Done {
		return Key{}, kernelerrors.NotFound("active agent key", agentID)
	}
	if err != nil {
		return Key{}, kernelerrors.Transient("get active key (spanner)", err)
	}
	return rowToKey(row)
}

func (s *SpannerStore) Exists(ctx context.Context, keyID string) (bool, error) {
	_, err := s.GetByKeyID(ctx, keyID)
	if err != nil {
		if ke, ok := err.(*kernelerrors.KernelError); ok && ke.Kind == kernelerrors.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SpannerStore) AllForAgent(ctx context.Context, agentID string) ([]Key, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT id, agent_id, key_id, public_key, active_from, active_until, created_at FROM agent_keys WHERE agent_id = @agentID ORDER BY active_from DESC`,
		Params: map[string]interface{}{"agentID": agentID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []Key
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, kernelerrors.Transient("list keys (spanner)", err)
		}
		k, err := rowToKey(row)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func rowToKey(row *spanner.Row) (Key, error) {
	var k Key
	var publicKey []byte
	var activeUntil spanner.NullTime

	if err := row.Columns(&k.ID, &k.AgentID, &k.KeyID, &publicKey, &k.ActiveFrom, &activeUntil, &k.CreatedAt); err != nil {
		return Key{}, kernelerrors.Transient("decode spanner row", err)
	}
	if activeUntil.Valid {
		k.ActiveUntil = activeUntil.Time
	}
	copy(k.PublicKey[:], publicKey)
	return k, nil
}

func spannerNullTime(t time.Time) spanner.NullTime {
	if t.IsZero() {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: t, Valid: true}
}
