// Package crisis implements the single orchestration entry point spec
// component H describes: for any of the three constitutional-crisis kinds
// (fork, sequence gap, hash mismatch), write the witnessed crisis event via
// E, then engage the halt via D, then log the decision. Ordering is
// mandatory — the witnessed write is always attempted first so that, in the
// happy path, the ledger's own history records the halt's cause before the
// platform stops. Grounded in the teacher's orchestration layer style
// (internal/events, internal/webhooks composing lower-level stores behind
// one call) generalized to the kernel's own three crisis kinds.
package crisis

import (
	"context"
	"log"
	"time"

	"github.com/ocx/kernel/internal/events"
	"github.com/ocx/kernel/internal/forkdetect"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/internal/webhooks"
)

// Halter is the narrow capability Trigger needs from internal/halt: only
// BeginHalt, never the read side (callers that need IsHalted go straight to
// the Halter/Checker itself).
type Halter interface {
	BeginHalt(ctx context.Context, reason string, witnessedEventID string) error
}

// Trigger is the crisis orchestrator. One instance per process, constructed
// explicitly and threaded through to the fork monitor, the verification
// scan, and any sequence-gap detector.
type Trigger struct {
	writer   *HaltWriter
	halter   Halter
	events   events.EventEmitter
	webhooks webhooks.WebhookEmitter
	logger   *log.Logger
}

func New(writer *HaltWriter, halter Halter, emitter events.EventEmitter, hooks webhooks.WebhookEmitter) *Trigger {
	return &Trigger{
		writer:   writer,
		halter:   halter,
		events:   emitter,
		webhooks: hooks,
		logger:   log.New(log.Writer(), "[CRISIS] ", log.LstdFlags),
	}
}

// ForkDetected is wired directly as a forkmonitor.ForkHandler.
func (t *Trigger) ForkDetected(ctx context.Context, payload forkdetect.Payload) error {
	now := time.Now().UTC()
	eventPayload := map[string]interface{}{
		"conflicting_event_ids": toValueSlice(payload.ConflictingEventIDs),
		"prev_hash":             payload.PrevHash,
		"content_hashes":        toValueSlice(payload.ContentHashes),
		"detection_timestamp":   payload.DetectionTimestamp,
		"detecting_service_id":  payload.DetectingServiceID,
	}
	reason := kernelerrors.ForkDetected(payload.PrevHash).Error()
	return t.trigger(ctx, "constitutional.fork_detected", eventPayload, reason, now)
}

// SequenceGapDetected fires when a verification scan finds a missing
// sequence number in the chain.
func (t *Trigger) SequenceGapDetected(ctx context.Context, detail string) error {
	now := time.Now().UTC()
	reason := kernelerrors.SequenceGap(detail).Error()
	return t.trigger(ctx, "constitutional.sequence_gap", map[string]interface{}{"detail": detail}, reason, now)
}

// HashMismatchDetected fires when a verification pass finds a content_hash
// or prev_hash disagreement.
func (t *Trigger) HashMismatchDetected(ctx context.Context, detail string) error {
	now := time.Now().UTC()
	reason := kernelerrors.HashMismatch(detail).Error()
	return t.trigger(ctx, "constitutional.hash_mismatch", map[string]interface{}{"detail": detail}, reason, now)
}

func (t *Trigger) trigger(ctx context.Context, eventType string, payload map[string]interface{}, reason string, now time.Time) error {
	// Step 1: witnessed write, attempted first, regardless of outcome.
	eventID, written := t.writer.WriteHaltEvent(ctx, eventType, payload, now)

	// Step 2: halt, unconditionally — availability cannot prevent halt.
	if err := t.halter.BeginHalt(ctx, reason, eventID); err != nil {
		t.logger.Printf("begin_halt failed for %s: %v", eventType, err)
		return err
	}

	t.logger.Printf("crisis %s: witnessed=%v event_id=%q reason=%q", eventType, written, eventID, reason)

	if t.events != nil {
		t.events.Emit(eventType, "crisis-trigger", eventID, payload)
	}
	if t.webhooks != nil {
		t.webhooks.Emit(webhooks.EventCrisisDetected, "", map[string]interface{}{
			"event_type": eventType,
			"reason":     reason,
			"witnessed":  written,
			"event_id":   eventID,
		})
		t.webhooks.Emit(webhooks.EventHaltEngaged, "", map[string]interface{}{
			"reason": reason,
		})
	}
	return nil
}

func toValueSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
