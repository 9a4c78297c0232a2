// Package witness wraps the independent witness service client (spec
// component E's dependency): every ledger write must be countersigned by a
// witness before it counts as written. Grounded in the teacher's
// internal/escrow jury-as-independent-verifier gRPC pattern and
// internal/circuitbreaker, which wraps the same kind of "an external peer
// might be down" call.
package witness

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ed25519"

	"google.golang.org/grpc"

	"github.com/ocx/kernel/internal/circuitbreaker"
	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/pb"
)

// Request is the domain-level shape the ledger hands to a Witness; it maps
// 1:1 onto pb.WitnessRequest but keeps the ledger package decoupled from
// the wire type.
type Request struct {
	EventID         string
	Sequence        int64
	PrevHash        string
	ContentHash     string
	SignerSignature []byte
	SignerKeyID     string
}

// Result is what the ledger needs back: the witness's identity and
// countersignature, or a decline reason.
type Result struct {
	WitnessID        string
	WitnessSignature []byte
	// WitnessedAt is the witness's own clock at countersignature time, zero
	// if the witness didn't report one. It is observability only — never
	// part of content_hash — so a skewed or unreachable witness clock is a
	// logging concern, not a verification failure.
	WitnessedAt time.Time
}

// Witness is the capability the ledger depends on. spec 4.C computes
// content_hash (which, per spec §3's field list, commits to witness_id)
// before invoking the witness call that produces witness_signature — so a
// Witness's identity must be knowable in advance, independent of any one
// call. ID returns that static identity; Witness re-verifies the write and
// produces the countersignature, matching spec 4.E's "independent service
// that re-verifies ... and produces witness_signature".
type Witness interface {
	ID() string
	Witness(ctx context.Context, req Request) (Result, error)
}

// GRPCWitness calls a remote witness service over gRPC, through a circuit
// breaker so a flapping witness cannot livelock the fork monitor or crisis
// trigger loop.
type GRPCWitness struct {
	id      string
	client  pb.WitnessServiceClient
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

func NewGRPCWitness(id string, client pb.WitnessServiceClient, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) *GRPCWitness {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRPCWitness{id: id, client: client, breaker: breaker, timeout: timeout}
}

// ID returns the witness's statically-configured identity — known before
// any one Witness call, since it must already be committed into content_hash
// by the time this witness is invoked.
func (w *GRPCWitness) ID() string { return w.id }

func (w *GRPCWitness) Witness(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	call := func(ctx context.Context) (interface{}, error) {
		return w.client.Witness(ctx, &pb.WitnessRequest{
			EventID:         req.EventID,
			Sequence:        req.Sequence,
			PrevHash:        req.PrevHash,
			ContentHash:     req.ContentHash,
			SignerSignature: req.SignerSignature,
			SignerKeyID:     req.SignerKeyID,
		}, grpc.WaitForReady(false))
	}

	var result interface{}
	var err error
	if w.breaker != nil {
		result, err = w.breaker.ExecuteContext(ctx, call)
	} else {
		result, err = call(ctx)
	}
	if err != nil {
		return Result{}, kernelerrors.Unwitnessed(fmt.Sprintf("witness call failed: %v", err))
	}
	resp := result.(*pb.WitnessResponse)
	if !resp.Accepted {
		return Result{}, kernelerrors.Unwitnessed(fmt.Sprintf("witness declined: %s", resp.DeclineReason))
	}
	if len(resp.WitnessSignature) == 0 {
		// Accepted but structurally incomplete: not "no response" (Unwitnessed)
		// but a response inconsistent with what an accept must carry.
		return Result{}, kernelerrors.WitnessAnomaly("accepted response missing witness_signature")
	}
	if resp.WitnessID != "" && resp.WitnessID != w.id {
		// The responder's own claimed identity disagrees with the identity
		// already committed into content_hash — never silently accept this.
		return Result{}, kernelerrors.WitnessAnomaly(fmt.Sprintf("response witness_id %q does not match configured witness %q", resp.WitnessID, w.id))
	}
	out := Result{WitnessID: w.id, WitnessSignature: resp.WitnessSignature}
	if resp.WitnessedAt != nil {
		out.WitnessedAt = resp.WitnessedAt.AsTime()
	}
	return out, nil
}

// InProcessWitness is a self-contained witness for tests and single-node
// development, mirroring the teacher's pb.MockLedgerClient: it has its own
// signing key and unconditionally accepts, independent of the signer's view.
type InProcessWitness struct {
	id         string
	privateKey ed25519.PrivateKey
}

func NewInProcessWitness(id string, privateKey ed25519.PrivateKey) *InProcessWitness {
	return &InProcessWitness{id: id, privateKey: privateKey}
}

func (w *InProcessWitness) ID() string { return w.id }

func (w *InProcessWitness) Witness(ctx context.Context, req Request) (Result, error) {
	sig := ed25519.Sign(w.privateKey, req.SignerSignature)
	return Result{WitnessID: w.id, WitnessSignature: sig, WitnessedAt: time.Now().UTC()}, nil
}

var _ Witness = (*GRPCWitness)(nil)
var _ Witness = (*InProcessWitness)(nil)
