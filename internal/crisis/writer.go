package crisis

import (
	"context"
	"time"

	"github.com/ocx/kernel/internal/ledger"
)

// HaltWriter implements spec component E: write the witnessed crisis event
// to the ledger before the halt flag ever flips. A ledger or witness
// failure does not abort the halt — it records an UnwitnessedHalt sentinel
// and returns an empty event id, and the caller (Trigger) proceeds to halt
// regardless, because integrity outranks availability (spec 4.E, 4.H).
type HaltWriter struct {
	ledger    *ledger.Writer
	sentinels UnwitnessedStore
}

func NewHaltWriter(writer *ledger.Writer, sentinels UnwitnessedStore) *HaltWriter {
	return &HaltWriter{ledger: writer, sentinels: sentinels}
}

// WriteHaltEvent attempts the full witnessed write of a constitutional-crisis
// event. On success it returns the new event's id. On failure it records
// the UnwitnessedHalt sentinel and returns ("", false) for the event id and
// written — the caller must still proceed to halt.
func (w *HaltWriter) WriteHaltEvent(ctx context.Context, eventType string, payload map[string]interface{}, now time.Time) (eventID string, written bool) {
	e, err := w.ledger.WriteEvent(ctx, eventType, payload, now)
	if err != nil {
		_, _ = w.sentinels.Record(ctx, UnwitnessedHalt{
			CrisisPayload: payload,
			FailureReason: err.Error(),
			At:            now,
		})
		return "", false
	}
	return e.EventID, true
}
