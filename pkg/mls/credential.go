package mls

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// Signer signs group messages with a member's signature key.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
}

// SignatureKeyPair is an Ed25519 Signer.
type SignatureKeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// GenerateSignatureKeyPair creates a new random Ed25519 key pair.
func GenerateSignatureKeyPair(r io.Reader) (*SignatureKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate signature key: %w", err)
	}
	return &SignatureKeyPair{private: priv, public: pub}, nil
}

// SignatureKeyPairFromSeed rebuilds a key pair from a 32-byte seed.
func SignatureKeyPairFromSeed(seed []byte) (*SignatureKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("invalid seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, _ := priv.Public().(ed25519.PublicKey)
	return &SignatureKeyPair{private: priv, public: pub}, nil
}

// Seed returns the 32-byte seed for this key pair.
func (k *SignatureKeyPair) Seed() []byte {
	return k.private.Seed()
}

// Sign implements Signer.
func (k *SignatureKeyPair) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.private, msg), nil
}

// PublicKey implements Signer.
func (k *SignatureKeyPair) PublicKey() []byte {
	return append([]byte(nil), k.public...)
}

// Credential binds an application identity to a leaf.
type Credential struct {
	Identity []byte `json:"identity"`
}

// NewBasicCredential returns a credential for identity.
func NewBasicCredential(identity []byte) Credential {
	return Credential{Identity: append([]byte(nil), identity...)}
}

// CredentialWithKey pairs a credential with the signature key that speaks
// for it.
type CredentialWithKey struct {
	Credential   Credential
	SignatureKey []byte
}

// validateSignatureKey rejects keys that are not canonical Edwards points
// or that lie in the small-order subgroup.
func validateSignatureKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signature key length %d", ErrInvalidKeyPackage, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return fmt.Errorf("%w: signature key: %v", ErrInvalidKeyPackage, err)
	}
	if new(edwards25519.Point).MultByCofactor(p).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return fmt.Errorf("%w: small-order signature key", ErrInvalidKeyPackage)
	}
	return nil
}

func verify(pub, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
