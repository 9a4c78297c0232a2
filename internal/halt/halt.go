// Package halt implements the dual-channel, sticky halt state (spec
// component D): a fast in-memory cache backed synchronously by a durable
// store, with a transition table that only ever allows halted->unhalted
// through a time-gated, witnessed recovery. Grounded in the teacher's
// internal/governance/task_gate.go mutex-guarded map idiom, generalized from
// per-agent locking to the single process-wide halt record spec §9 calls
// for ("the halt state and the ledger writer are process-wide singletons by
// responsibility... passed explicitly, no ambient context").
package halt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/ratelimit"
)

// RecoveryWaitPeriod is the ADR-3 cooling-off period (spec §3): recovery is
// not even attemptable until 48 hours after onset.
const RecoveryWaitPeriod = 48 * time.Hour

// State is the persisted halt record (spec §6's single-row table).
type State struct {
	Halted           bool
	Reason           string
	WitnessedEventID string
	Onset            time.Time
	RecoveryEarliest time.Time
}

// Store is the durable channel. It is the source of truth on restart; the
// fast channel is hydrated from it at startup and never the reverse.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Checker is the minimal read surface every write-side façade in this
// module depends on to enforce "integrity outranks availability": the
// certification service, the job worker and the API server take a Checker,
// not a *Halter, so tests can substitute a trivial always-open or always-halted
// stub without constructing the whole dual-channel machinery.
type Checker interface {
	IsHalted() bool
	Reason() string
}

// Token proves its holder observed IsHalted()==false at the moment of
// construction. It carries no data and has no other purpose: the point is
// that CheckToken is the only way to produce one, so "forgot to check halt"
// cannot be expressed by a caller who is required to present a Token.
type Token struct{ _ struct{} }

// CheckToken is the single chokepoint every mutating operation in this
// module calls before doing any work. Spec §5's halt-token discipline.
func CheckToken(c Checker) (Token, error) {
	if c.IsHalted() {
		return Token{}, kernelerrors.Halted(c.Reason())
	}
	return Token{}, nil
}

// RecoveryAttempt records one call to AttemptRecovery, successful or not —
// the override-abuse-detection supplement from original_source/ folded into
// this package (SPEC_FULL §4): repeated recovery attempts from the same
// requester are themselves rate-limited and surfaced as a constitutional
// warning, independent of whether the attempt would otherwise succeed.
type RecoveryAttempt struct {
	Requester string
	At        time.Time
	Succeeded bool
	Reason    string
}

// AttemptLog is satisfied by anything that wants to observe recovery
// attempts (an events bus, a webhook dispatcher, or nothing in tests).
type AttemptLog interface {
	Record(attempt RecoveryAttempt)
}

// NoopAttemptLog discards every attempt; the zero value is ready to use.
type NoopAttemptLog struct{}

func (NoopAttemptLog) Record(RecoveryAttempt) {}

// recoveryAbuseThreshold matches the override-abuse-detection supplement:
// more than 5 recovery attempts per requester per hour raises a warning.
const recoveryAbuseThreshold = 5

var recoveryAbuseWindow = time.Hour

// EventWriter is the narrow capability AttemptRecovery needs to append the
// witnessed recovery event before flipping the durable record to unhalted.
// Decoupled from internal/ledger so this package never imports it — the
// caller (the cmd/server wiring) supplies an adapter over
// ledger.Writer.WriteEvent.
type EventWriter interface {
	WriteEvent(ctx context.Context, eventType string, payload map[string]interface{}, now time.Time) (eventID string, err error)
}

// RecoveryEventType is the event type AttemptRecovery appends on a
// successful recovery. DESIGN.md's open-question decisions resolve the source's unspecified
// "recovery-command shape" as this event type plus elapsed time.
const RecoveryEventType = "constitutional.halt_recovery"

// Halter is the dual-channel halt state. Exactly one instance exists per
// process (spec §9's "process-wide singleton by responsibility"), but it is
// never reached via package-level ambient state — callers hold and pass a
// *Halter explicitly.
type Halter struct {
	mu      sync.Mutex
	fast    atomic.Value // holds State
	durable Store

	recoveryAttempts ratelimit.Limiter
	attemptLog       AttemptLog
}

// NewHalter hydrates the fast channel from durable (spec 4.D: "at startup
// the durable value wins") and returns a ready Halter. An empty durable
// store yields State{Halted: false}.
func NewHalter(ctx context.Context, durable Store, recoveryAttempts ratelimit.Limiter, log AttemptLog) (*Halter, error) {
	if log == nil {
		log = NoopAttemptLog{}
	}
	if recoveryAttempts == nil {
		recoveryAttempts = ratelimit.NewMemoryLimiter(ratelimit.Config{Threshold: recoveryAbuseThreshold, Window: recoveryAbuseWindow})
	}
	h := &Halter{durable: durable, recoveryAttempts: recoveryAttempts, attemptLog: log}

	s, err := durable.Load(ctx)
	if err != nil {
		return nil, err
	}
	h.fast.Store(s)
	return h, nil
}

// IsHalted is the fast, lock-free read (spec 4.D: "fast channel returns the
// current value in O(1)").
func (h *Halter) IsHalted() bool {
	return h.current().Halted
}

// Reason returns the onset reason, or "" if not halted.
func (h *Halter) Reason() string {
	return h.current().Reason
}

// State returns a copy of the full current record, for read paths that need
// more than the boolean (the API's halt-status endpoint, the halt and
// crisis tests).
func (h *Halter) State() State {
	return h.current()
}

func (h *Halter) current() State {
	v := h.fast.Load()
	if v == nil {
		return State{}
	}
	return v.(State)
}

// BeginHalt engages the sticky halt (spec 4.D transition table). Calling it
// while already halted is idempotent and preserves the first reason and
// onset — a second crisis does not reset the 48-hour clock.
func (h *Halter) BeginHalt(ctx context.Context, reason string, witnessedEventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current()
	if cur.Halted {
		return nil
	}

	now := time.Now().UTC()
	next := State{
		Halted:           true,
		Reason:           reason,
		WitnessedEventID: witnessedEventID,
		Onset:            now,
		RecoveryEarliest: now.Add(RecoveryWaitPeriod),
	}
	if err := h.durable.Save(ctx, next); err != nil {
		return err
	}
	h.fast.Store(next)
	return nil
}

// AttemptRecovery is the only path from halted back to unhalted. writeRecovery
// is invoked only once both the time precondition is met and the caller is
// about to commit — it must append a witnessed RecoveryEventType event and
// return its event_id, or an error. A failing writeRecovery leaves the
// system halted (fail-closed): recovery is never granted on the strength of
// an unwitnessed write.
func (h *Halter) AttemptRecovery(ctx context.Context, now time.Time, requester string, writeRecovery EventWriter) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.trackAttempt(ctx, requester)

	cur := h.current()
	if !cur.Halted {
		return kernelerrors.Conflict("system is not halted")
	}

	if now.Before(cur.RecoveryEarliest) {
		h.logAttempt(requester, now, false, "waiting period")
		return kernelerrors.Validation("CT-20: recovery waiting period has not elapsed")
	}

	eventID, err := writeRecovery.WriteEvent(ctx, RecoveryEventType, map[string]interface{}{
		"requester":        requester,
		"onset":            cur.Onset,
		"previous_reason":  cur.Reason,
	}, now)
	if err != nil {
		h.logAttempt(requester, now, false, "unwitnessed recovery write")
		return err
	}

	next := State{Halted: false}
	if err := h.durable.Save(ctx, next); err != nil {
		h.logAttempt(requester, now, false, "durable save failed")
		return err
	}
	h.fast.Store(next)
	h.logAttempt(requester, now, true, "recovered via event "+eventID)
	return nil
}

// trackAttempt feeds the per-requester rate limiter regardless of outcome;
// the abuse signal fires on attempt volume, not on success.
func (h *Halter) trackAttempt(ctx context.Context, requester string) {
	allowed, err := h.recoveryAttempts.Check(ctx, requester)
	count, _ := h.recoveryAttempts.Count(ctx, requester, time.Now().UTC())
	_ = h.recoveryAttempts.Record(ctx, requester, time.Now().UTC())
	if err == nil && !allowed {
		h.attemptLog.Record(RecoveryAttempt{
			Requester: requester,
			At:        time.Now().UTC(),
			Succeeded: false,
			Reason:    kernelerrors.ThresholdExceeded("recovery_attempt", count+1, recoveryAbuseThreshold).Error(),
		})
	}
}

func (h *Halter) logAttempt(requester string, at time.Time, succeeded bool, reason string) {
	h.attemptLog.Record(RecoveryAttempt{Requester: requester, At: at, Succeeded: succeeded, Reason: reason})
}

var _ Checker = (*Halter)(nil)
