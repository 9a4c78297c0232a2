// Package pb holds the hand-rolled request/response types for the witness
// gRPC service. There is no .proto in this tree (matching the teacher's own
// pb/mock.go, which defines its ledger client types by hand rather than via
// protoc codegen) — only the real grpc.CallOption plumbing is imported.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// WitnessRequest asks the witness service to countersign a signer's
// signature over a ledger event's content_hash. The witness independently
// recomputes prev_hash from its own view of the chain before it signs.
type WitnessRequest struct {
	EventID         string
	Sequence        int64
	PrevHash        string
	ContentHash     string
	SignerSignature []byte
	SignerKeyID     string
}

// WitnessResponse carries the witness's countersignature, or a decline
// reason if the witness refuses (e.g. its own view of prev_hash disagrees).
type WitnessResponse struct {
	WitnessID        string
	WitnessSignature []byte
	Accepted         bool
	DeclineReason    string
	// WitnessedAt is the witness's own clock at the moment it countersigned,
	// carried as a wire timestamp rather than a Go time.Time so a remote
	// witness's clock never gets silently coerced into the caller's location.
	WitnessedAt *timestamppb.Timestamp
}

// WitnessServiceClient is the contract for the independent witness. It is
// deliberately small: a single RPC. Anything richer (batch witnessing,
// streaming) is out of scope for the kernel's integrity contract.
type WitnessServiceClient interface {
	Witness(ctx context.Context, in *WitnessRequest, opts ...grpc.CallOption) (*WitnessResponse, error)
}
