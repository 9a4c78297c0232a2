package witness

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ocx/kernel/internal/kernelerrors"
	"github.com/ocx/kernel/pb"
)

// stubClient is the same hand-rolled-mock-client idiom as the teacher's
// pb.MockLedgerClient: a stub satisfying pb.WitnessServiceClient whose
// response is set by the test.
type stubClient struct {
	resp *pb.WitnessResponse
	err  error
}

func (c *stubClient) Witness(ctx context.Context, in *pb.WitnessRequest, opts ...grpc.CallOption) (*pb.WitnessResponse, error) {
	return c.resp, c.err
}

func TestInProcessWitnessSignsOverSignerSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	w := NewInProcessWitness("witness-1", priv)

	assert.Equal(t, "witness-1", w.ID())

	result, err := w.Witness(context.Background(), Request{SignerSignature: []byte("signed-content-hash")})
	require.NoError(t, err)
	assert.Equal(t, "witness-1", result.WitnessID)
	assert.True(t, ed25519.Verify(pub, []byte("signed-content-hash"), result.WitnessSignature))
}

func TestGRPCWitnessRejectsDeclinedResponse(t *testing.T) {
	client := &stubClient{resp: &pb.WitnessResponse{Accepted: false, DeclineReason: "prev_hash mismatch"}}
	w := NewGRPCWitness("witness-1", client, nil, 0)

	_, err := w.Witness(context.Background(), Request{})
	require.Error(t, err)
	var ke *kernelerrors.KernelError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, kernelerrors.KindConstitutional, ke.Kind)
}

func TestGRPCWitnessRejectsMissingSignature(t *testing.T) {
	client := &stubClient{resp: &pb.WitnessResponse{Accepted: true, WitnessID: "witness-1"}}
	w := NewGRPCWitness("witness-1", client, nil, 0)

	_, err := w.Witness(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CT-13")
}

func TestGRPCWitnessRejectsMismatchedWitnessID(t *testing.T) {
	client := &stubClient{resp: &pb.WitnessResponse{Accepted: true, WitnessID: "someone-else", WitnessSignature: []byte("sig")}}
	w := NewGRPCWitness("witness-1", client, nil, 0)

	_, err := w.Witness(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CT-13")
}

func TestGRPCWitnessAcceptsConsistentResponse(t *testing.T) {
	client := &stubClient{resp: &pb.WitnessResponse{Accepted: true, WitnessID: "witness-1", WitnessSignature: []byte("sig")}}
	w := NewGRPCWitness("witness-1", client, nil, 0)

	result, err := w.Witness(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "witness-1", result.WitnessID)
	assert.Equal(t, []byte("sig"), result.WitnessSignature)
}
