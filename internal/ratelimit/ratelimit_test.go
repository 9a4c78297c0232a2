package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsExactlyThresholdPerWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{Threshold: 3, Window: time.Hour})

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		allowed, err := l.Check(ctx, "source-a")
		require.NoError(t, err)
		assert.True(t, allowed, "signal %d should be allowed", i+1)
		require.NoError(t, l.Record(ctx, "source-a", base.Add(time.Duration(i)*time.Minute)))
	}

	allowed, err := l.Check(ctx, "source-a")
	require.NoError(t, err)
	assert.False(t, allowed, "the (threshold+1)-th signal must be rejected")
}

func TestMemoryLimiterWindowSlidesIndependentlyPerSource(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{Threshold: 1, Window: time.Hour})

	require.NoError(t, l.Record(ctx, "source-a", time.Now().UTC()))
	allowedA, _ := l.Check(ctx, "source-a")
	allowedB, _ := l.Check(ctx, "source-b")

	assert.False(t, allowedA)
	assert.True(t, allowedB, "source-b's window must be independent of source-a's")
}

func TestMemoryLimiterEntriesExpireOutOfWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{Threshold: 1, Window: time.Hour})

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, l.Record(ctx, "source-a", old))

	n, err := l.Count(ctx, "source-a", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "entries older than the window must not count")
}
