package forkmonitor

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/forkdetect"
	"github.com/ocx/kernel/internal/ledger"
	"github.com/ocx/kernel/internal/ratelimit"
)

func twoConflictingEvents() []ledger.Event {
	prevHash := "shared-prev-hash"
	return []ledger.Event{
		{EventID: "e-b", PrevHash: prevHash, ContentHash: "b-hash"},
		{EventID: "e-c", PrevHash: prevHash, ContentHash: "c-hash"},
	}
}

func payloadFromEvents(t *testing.T) forkdetect.Payload {
	t.Helper()
	payload, found := forkdetect.Detect(twoConflictingEvents(), "test", time.Now())
	require.True(t, found)
	return payload
}

func TestHandleForkWithRateLimitSignsWhenUnderThreshold(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := ledger.NewEd25519Signer("monitor-key", priv)

	m := New(Config{
		ServiceID: "test",
		Signer:    signer,
		Limiter:   ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 3, Window: time.Hour}),
	})

	payload := payloadFromEvents(t)

	rateLimited, signal, err := m.HandleForkWithRateLimit(ctx, payload)
	require.NoError(t, err)
	assert.False(t, rateLimited)
	require.NotNil(t, signal)
	assert.Equal(t, "monitor-key", signal.SigningKeyID)
}

func TestHandleForkWithRateLimitDropsFourthSignalForSameSource(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := ledger.NewEd25519Signer("monitor-key", priv)

	m := New(Config{
		ServiceID: "test",
		Signer:    signer,
		Limiter:   ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: 3, Window: time.Hour}),
	})

	payload := payloadFromEvents(t)

	for i := 0; i < 3; i++ {
		rateLimited, signal, err := m.HandleForkWithRateLimit(ctx, payload)
		require.NoError(t, err)
		assert.False(t, rateLimited)
		assert.NotNil(t, signal)
	}

	rateLimited, signal, err := m.HandleForkWithRateLimit(ctx, payload)
	require.NoError(t, err)
	assert.True(t, rateLimited)
	assert.Nil(t, signal)
}

type stubSource struct{}

func (stubSource) Scan(ctx context.Context, fromSeq int64, limit int) ([]ledger.Event, error) {
	return nil, nil
}

func TestStartStopIsCooperative(t *testing.T) {
	m := New(Config{
		ServiceID:     "test",
		CheckInterval: MinCheckInterval,
		Source:        stubSource{},
		Handler: func(ctx context.Context, p forkdetect.Payload) error {
			return nil
		},
	})
	assert.False(t, m.Running())
	m.Start(context.Background())
	assert.True(t, m.Running())
	m.Stop()
	assert.False(t, m.Running())
}
