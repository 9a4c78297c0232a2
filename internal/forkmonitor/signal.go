package forkmonitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/ocx/kernel/internal/forkdetect"
)

// SignatureAlgorithmVersion identifies the signing scheme a SignedForkSignal
// uses, carried on the wire so a verifier that later rotates algorithms can
// still interpret old signals.
const SignatureAlgorithmVersion = "ed25519-v1"

// SignedForkSignal is the fork payload plus the detecting monitor's
// signature over its canonical bytes (spec §6).
type SignedForkSignal struct {
	Payload                   forkdetect.Payload
	Signature                 []byte
	SigningKeyID              string
	SignatureAlgorithmVersion string
}

// CanonicalBytes renders p in the exact wire form spec §6 specifies:
//
//	fork_detected:<prev_hash>:conflicting_events:<sorted_ids>:content_hashes:<sorted_hashes>:detected:<iso>:service:<id>
//
// ids and content_hashes are already sorted by forkdetect.Detect, so this
// function only joins; it does not re-sort, keeping it a pure formatter.
func CanonicalBytes(p forkdetect.Payload) []byte {
	var b strings.Builder
	b.WriteString("fork_detected:")
	b.WriteString(p.PrevHash)
	b.WriteString(":conflicting_events:")
	b.WriteString(strings.Join(p.ConflictingEventIDs, ","))
	b.WriteString(":content_hashes:")
	b.WriteString(strings.Join(p.ContentHashes, ","))
	b.WriteString(":detected:")
	b.WriteString(p.DetectionTimestamp.UTC().Format(time.RFC3339))
	b.WriteString(":service:")
	b.WriteString(p.DetectingServiceID)
	return []byte(b.String())
}

// VerifySignal checks a SignedForkSignal against the signer's public key
// using the same canonical bytes the signer produced. Used by collaborators
// who receive a signal out of band and want to confirm its origin.
func VerifySignal(sig SignedForkSignal, verify func(message, signature []byte) bool) error {
	if sig.SignatureAlgorithmVersion != SignatureAlgorithmVersion {
		return fmt.Errorf("unsupported signature algorithm version %q", sig.SignatureAlgorithmVersion)
	}
	if !verify(CanonicalBytes(sig.Payload), sig.Signature) {
		return fmt.Errorf("fork signal signature invalid")
	}
	return nil
}
