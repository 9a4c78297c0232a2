// Package forkmonitor runs the cooperative polling loop spec component G
// describes: every check interval (never faster than the constitutional
// minimum of 10s), scan the chain for a fork, and if one is found, sign and
// rate-limit the external signal while invoking the halt pipeline
// unconditionally. Grounded in the teacher's long-running loop style
// (internal/webhooks's dispatcher worker pool, internal/events's EventBus)
// generalized from "drain a channel" to "poll on an interval".
package forkmonitor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/kernel/internal/forkdetect"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/ledger"
	"github.com/ocx/kernel/internal/metrics"
	"github.com/ocx/kernel/internal/ratelimit"
)

// MinCheckInterval is the constitutional floor from spec 4.G: the monitor
// must poll "at least every 10 seconds" — callers may configure a longer
// interval, never a shorter one.
const MinCheckInterval = 10 * time.Second

// EventSource is the read surface the monitor scans each cycle. ledger.Store
// satisfies it directly.
type EventSource interface {
	Scan(ctx context.Context, fromSeq int64, limit int) ([]ledger.Event, error)
}

// ForkHandler is the crisis entry point (spec component H) invoked on every
// detected fork, regardless of whether the external signal was rate-limited
// — rate limiting gates the signal, never the internal halt pipeline.
type ForkHandler func(ctx context.Context, payload forkdetect.Payload) error

// Config configures a Monitor. Signer and Limiter are both optional: a nil
// Signer disables signal production (the monitor still detects and still
// calls Handler); a nil Limiter disables rate limiting.
type Config struct {
	CheckInterval      time.Duration
	ServiceID          string
	Source             EventSource
	Signer             ledger.Signer
	Limiter            ratelimit.Limiter
	Handler            ForkHandler
	Metrics            *metrics.Registry
	Logger             *log.Logger
}

// Monitor is the fork-detection loop (spec 4.G). State: running bool,
// start() idempotent, stop() cooperative with a wait for the in-flight
// cycle to finish.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastSignalAttempt atomic.Value // time.Time, observability only
}

func New(cfg Config) *Monitor {
	if cfg.CheckInterval < MinCheckInterval {
		cfg.CheckInterval = MinCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[FORK-MONITOR] ", log.LstdFlags)
	}
	return &Monitor{cfg: cfg}
}

// Start launches the cooperative loop. Idempotent: calling Start on an
// already-running Monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(loopCtx)
}

// Stop requests cooperative cancellation and waits for the in-flight cycle
// to finish before returning.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		m.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle executes one detection pass. Detection errors are logged and
// swallowed for this cycle only — the loop itself never exits on them
// (spec 4.G: "Errors during detection are logged and swallowed").
func (m *Monitor) runCycle(ctx context.Context) {
	start := time.Now()
	events, err := m.cfg.Source.Scan(ctx, 0, 0)
	latency := time.Since(start)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ForkMonitorCycleDuration.Observe(latency.Seconds())
	}

	if err != nil {
		m.cfg.Logger.Printf("detection cycle failed after %s: %v", latency, err)
		return
	}

	payload, found := forkdetect.Detect(events, m.cfg.ServiceID, time.Now().UTC())
	m.cfg.Logger.Printf("cycle complete in %s: fork_found=%v", latency, found)
	if !found {
		return
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ForkMonitorForksFound.Inc()
	}

	rateLimited, signal, sigErr := m.HandleForkWithRateLimit(ctx, payload)
	if sigErr != nil {
		m.cfg.Logger.Printf("fork signal production failed: %v", sigErr)
	}
	m.cfg.Logger.Printf("fork detected: rate_limited=%v signed_signal_present=%v", rateLimited, signal != nil)

	// The halt pipeline fires unconditionally, independent of whether the
	// external signal was rate-limited (spec 4.G, open question 2).
	if m.cfg.Handler != nil {
		if err := m.cfg.Handler(ctx, payload); err != nil {
			m.cfg.Logger.Printf("crisis handler failed: %v", err)
		}
	}
}

// HandleForkWithRateLimit checks the per-source limiter, and if under
// threshold, records one signal and produces a SignedForkSignal. Over
// threshold, the signal is dropped (rateLimited=true, signal=nil) but the
// caller must still invoke the crisis handler separately — this function
// does not do so itself, so it stays testable without a crisis dependency.
func (m *Monitor) HandleForkWithRateLimit(ctx context.Context, payload forkdetect.Payload) (rateLimited bool, signal *SignedForkSignal, err error) {
	if m.cfg.Limiter != nil {
		allowed, lerr := m.cfg.Limiter.Check(ctx, payload.DetectingServiceID)
		if lerr != nil {
			return false, nil, lerr
		}
		if !allowed {
			return true, nil, nil
		}
		if err := m.cfg.Limiter.Record(ctx, payload.DetectingServiceID, time.Now().UTC()); err != nil {
			return false, nil, err
		}
	}

	if m.cfg.Signer == nil {
		return false, nil, nil
	}

	sig, err := m.cfg.Signer.Sign(CanonicalBytes(payload))
	if err != nil {
		return false, nil, kernelerrors.Transient("sign fork signal", err)
	}
	return false, &SignedForkSignal{
		Payload:                   payload,
		Signature:                 sig,
		SigningKeyID:              m.cfg.Signer.KeyID(),
		SignatureAlgorithmVersion: SignatureAlgorithmVersion,
	}, nil
}
