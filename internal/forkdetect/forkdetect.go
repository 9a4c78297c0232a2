// Package forkdetect implements the pure fork-detection function spec
// component F describes: group events by prev_hash, and flag any group
// that contains two events with the same prev_hash but different
// content_hash. Grounded in the teacher's hash-chain reasoning in
// internal/ledger/merkle.go, generalized from "verify one chain" to
// "detect a split in a set of events" and kept side-effect free per spec
// 4.F, which calls this out explicitly as a pure function.
package forkdetect

import (
	"sort"
	"time"

	"github.com/ocx/kernel/internal/ledger"
)

// Payload is the fork-detection payload (spec §3): the two conflicting
// events, the prev_hash they share, and the distinct content_hashes they
// produced, plus who found it and when. Canonical byte form (spec §6) sorts
// event_ids and content_hashes lexicographically before joining; this
// struct already stores them in that order.
type Payload struct {
	ConflictingEventIDs []string
	PrevHash            string
	ContentHashes       []string
	DetectionTimestamp  time.Time
	DetectingServiceID  string
}

// Detect groups events by prev_hash and returns the payload for the first
// group (in prev_hash iteration order made deterministic by sorting) that
// contains two events sharing prev_hash but disagreeing on content_hash.
// Two events with the same prev_hash AND the same content_hash are a
// duplicate, not a fork, and are ignored (spec 4.F). Returns (Payload{},
// false) if fewer than two events are given or no group conflicts.
func Detect(events []ledger.Event, serviceID string, now time.Time) (Payload, bool) {
	if len(events) < 2 {
		return Payload{}, false
	}

	byPrevHash := make(map[string][]ledger.Event)
	var prevHashOrder []string
	for _, e := range events {
		if _, seen := byPrevHash[e.PrevHash]; !seen {
			prevHashOrder = append(prevHashOrder, e.PrevHash)
		}
		byPrevHash[e.PrevHash] = append(byPrevHash[e.PrevHash], e)
	}
	sort.Strings(prevHashOrder)

	for _, prevHash := range prevHashOrder {
		group := byPrevHash[prevHash]
		if len(group) < 2 {
			continue
		}
		if a, b, ok := findConflict(group); ok {
			return buildPayload(a, b, prevHash, serviceID, now), true
		}
	}
	return Payload{}, false
}

// findConflict scans a same-prev_hash group for the first pair with
// distinct content_hash, early-exiting as spec 4.F requires.
func findConflict(group []ledger.Event) (ledger.Event, ledger.Event, bool) {
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			if group[i].ContentHash != group[j].ContentHash {
				return group[i], group[j], true
			}
		}
	}
	return ledger.Event{}, ledger.Event{}, false
}

func buildPayload(a, b ledger.Event, prevHash, serviceID string, now time.Time) Payload {
	// Tie-break: the lexicographically smaller event_id appears first.
	if b.EventID < a.EventID {
		a, b = b, a
	}
	ids := []string{a.EventID, b.EventID}
	hashes := []string{a.ContentHash, b.ContentHash}
	sort.Strings(ids)
	sort.Strings(hashes)
	return Payload{
		ConflictingEventIDs: ids,
		PrevHash:            prevHash,
		ContentHashes:       hashes,
		DetectionTimestamp:  now,
		DetectingServiceID:  serviceID,
	}
}
