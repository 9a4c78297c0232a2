package ledger

import (
	"golang.org/x/crypto/ed25519"
)

// Signer produces the signer_signature half of an event (spec 4.C step 4).
// The witness produces the other half independently; the two are never
// the same key.
type Signer interface {
	KeyID() string
	Sign(message []byte) ([]byte, error)
}

// Ed25519Signer is the default Signer, matching the ed25519 keys
// internal/keyregistry stores as each agent's public key.
type Ed25519Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
}

func NewEd25519Signer(keyID string, privateKey ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, privateKey: privateKey}
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, message), nil
}

var _ Signer = (*Ed25519Signer)(nil)
