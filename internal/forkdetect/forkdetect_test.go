package forkdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernel/internal/ledger"
)

func TestDetectFindsForkOnSharedPrevHashDistinctContentHash(t *testing.T) {
	prevHash := "a" + repeat("a", 63)
	a := ledger.Event{EventID: "event-b", PrevHash: prevHash, ContentHash: "b" + repeat("b", 63)}
	b := ledger.Event{EventID: "event-c", PrevHash: prevHash, ContentHash: "c" + repeat("c", 63)}

	payload, found := Detect([]ledger.Event{a, b}, "test", time.Now())
	require.True(t, found)
	assert.Equal(t, []string{a.ContentHash, b.ContentHash}, payload.ContentHashes)
	assert.Len(t, payload.ConflictingEventIDs, 2)
	assert.Equal(t, "test", payload.DetectingServiceID)
}

func TestDetectIgnoresDuplicateNotFork(t *testing.T) {
	prevHash := repeat("a", 64)
	hash := repeat("b", 64)
	a := ledger.Event{EventID: "e1", PrevHash: prevHash, ContentHash: hash}
	b := ledger.Event{EventID: "e2", PrevHash: prevHash, ContentHash: hash}

	_, found := Detect([]ledger.Event{a, b}, "test", time.Now())
	assert.False(t, found, "same prev_hash and same content_hash is a duplicate, not a fork")
}

func TestDetectReturnsFalseOnFewerThanTwoEvents(t *testing.T) {
	_, found := Detect(nil, "test", time.Now())
	assert.False(t, found)

	_, found = Detect([]ledger.Event{{EventID: "e1"}}, "test", time.Now())
	assert.False(t, found)
}

func TestDetectReturnsFalseWhenNoGroupConflicts(t *testing.T) {
	events := []ledger.Event{
		{EventID: "e1", PrevHash: "p1", ContentHash: "h1"},
		{EventID: "e2", PrevHash: "p2", ContentHash: "h2"},
	}
	_, found := Detect(events, "test", time.Now())
	assert.False(t, found)
}

func TestDetectTieBreaksByLexicographicallySmallerEventID(t *testing.T) {
	prevHash := "shared"
	a := ledger.Event{EventID: "zzz", PrevHash: prevHash, ContentHash: "hash-z"}
	b := ledger.Event{EventID: "aaa", PrevHash: prevHash, ContentHash: "hash-a"}

	payload, found := Detect([]ledger.Event{a, b}, "test", time.Now())
	require.True(t, found)
	assert.Equal(t, "aaa", payload.ConflictingEventIDs[0])
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
