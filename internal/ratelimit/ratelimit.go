// Package ratelimit implements the sliding-window counters spec component P
// describes: per source_id (fork signals), per submitter (petitions), per
// signer (co-signs), per requester (halt-recovery attempts). Grounded in the
// teacher's Redis usage (internal/fabric/redis_store.go) for the durable
// backend, with an in-memory backend for tests and single-node deployments
// mirroring keyregistry.MemoryStore / ledger.MemoryStore's shape.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is the sliding-window rate-limit port. check reports whether one
// more signal from sourceID would stay within threshold over window; record
// appends a timestamp. Callers always call Check before Record — Limiter
// does not fuse the two, so a caller can decide not to record on a path
// that merely wants to peek (spec 4.P keeps check/record separate).
type Limiter interface {
	Check(ctx context.Context, sourceID string) (allowed bool, err error)
	Record(ctx context.Context, sourceID string, at time.Time) error
	// Count returns the number of timestamps for sourceID within window of now.
	Count(ctx context.Context, sourceID string, now time.Time) (int, error)
}

// Config fixes the threshold and window for one Limiter instance. Spec 4.G
// wires fork-signal limiting at threshold=3, window=1h; the halt package's
// recovery-attempt abuse tracking (SPEC_FULL §4) uses threshold=5, window=1h
// over the same primitive.
type Config struct {
	Threshold int
	Window    time.Duration
}

// MemoryLimiter is an in-process, per-source append-only multiset of
// timestamps, matching spec 4.P's "may trim timestamps older than the
// largest configured window" note.
type MemoryLimiter struct {
	cfg Config

	mu   sync.Mutex
	seen map[string][]time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg, seen: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Check(ctx context.Context, sourceID string) (bool, error) {
	n, err := l.Count(ctx, sourceID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return n < l.cfg.Threshold, nil
}

func (l *MemoryLimiter) Record(ctx context.Context, sourceID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[sourceID] = append(trim(l.seen[sourceID], at, l.cfg.Window), at)
	return nil
}

func (l *MemoryLimiter) Count(ctx context.Context, sourceID string, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	trimmed := trim(l.seen[sourceID], now, l.cfg.Window)
	l.seen[sourceID] = trimmed
	return len(trimmed), nil
}

// trim drops any timestamp at or before now-window, leaving only strictly
// in-window entries (spec 4.P: "count = cardinality within (now - window)").
func trim(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := timestamps[:0:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}

var _ Limiter = (*MemoryLimiter)(nil)
