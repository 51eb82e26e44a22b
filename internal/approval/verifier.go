package approval

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Verifier checks an approver signature for a sell request decision.
type Verifier interface {
	Verify(requestID, signature string) error
}

// ErrBadSignature is returned by verifiers that reject a signature.
var ErrBadSignature = errors.New("approval: signature does not verify")

// AcceptAny accepts every non-empty signature. Emptiness is checked by the caller.
type AcceptAny struct{}

func (AcceptAny) Verify(string, string) error { return nil }

// ConfirmMessage is the byte string an approver signs to confirm requestID.
func ConfirmMessage(requestID string) []byte {
	return []byte("confirm:" + requestID)
}

// Ed25519Verifier checks base58 Ed25519 signatures over ConfirmMessage.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier parses a base58 public key.
func NewEd25519Verifier(publicKey string) (*Ed25519Verifier, error) {
	raw, err := base58.Decode(publicKey)
	if err != nil {
		return nil, fmt.Errorf("approval: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("approval: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return &Ed25519Verifier{pub: ed25519.PublicKey(raw)}, nil
}

func (v *Ed25519Verifier) Verify(requestID, signature string) error {
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(v.pub, ConfirmMessage(requestID), sig) {
		return ErrBadSignature
	}
	return nil
}

// GenerateKey returns a new base58 key pair.
func GenerateKey() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base58.Encode(pub), base58.Encode(priv), nil
}

// Sign signs the confirmation of requestID with a base58 private key.
func Sign(privateKey, requestID string) (string, error) {
	raw, err := base58.Decode(privateKey)
	if err != nil {
		return "", fmt.Errorf("approval: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("approval: private key is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return base58.Encode(ed25519.Sign(ed25519.PrivateKey(raw), ConfirmMessage(requestID))), nil
}
