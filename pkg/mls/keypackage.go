package mls

import (
	"context"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// KeyPackage advertises a prospective member: the key its welcome is
// sealed to and the leaf it will occupy.
type KeyPackage struct {
	Ciphersuite Ciphersuite `json:"ciphersuite"`
	InitKey     []byte      `json:"init_key"`
	LeafNode    LeafNode    `json:"leaf_node"`
	Signature   []byte      `json:"signature"`
}

// KeyPackageBundle is a key package with its private keys.
type KeyPackageBundle struct {
	KeyPackage        *KeyPackage `json:"key_package"`
	InitPrivate       []byte      `json:"init_private"`
	EncryptionPrivate []byte      `json:"encryption_private"`
}

func (kp *KeyPackage) tbs() []byte {
	return mustEncode(func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(kp.Ciphersuite))
		addOpaque8(b, kp.InitKey)
		kp.LeafNode.marshalTo(b)
	})
}

func (kp *KeyPackage) marshalTo(b *cryptobyte.Builder) {
	b.AddUint16(uint16(kp.Ciphersuite))
	addOpaque8(b, kp.InitKey)
	kp.LeafNode.marshalTo(b)
	addOpaque8(b, kp.Signature)
}

func (kp *KeyPackage) unmarshal(s *cryptobyte.String) bool {
	var cs uint16
	if !s.ReadUint16(&cs) {
		return false
	}
	kp.Ciphersuite = Ciphersuite(cs)
	return readOpaque8(s, &kp.InitKey) &&
		kp.LeafNode.unmarshal(s) &&
		readOpaque8(s, &kp.Signature)
}

// Ref is the hash that names a key package in welcomes and storage.
func (kp *KeyPackage) Ref() []byte {
	return kp.Ciphersuite.Hash(mustEncode(kp.marshalTo))
}

// Verify checks the suite, the signature key and the self-signature.
func (kp *KeyPackage) Verify() error {
	if !kp.Ciphersuite.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedCiphersuite, kp.Ciphersuite)
	}
	if len(kp.InitKey) != 32 || len(kp.LeafNode.EncryptionKey) != 32 {
		return fmt.Errorf("%w: key length", ErrInvalidKeyPackage)
	}
	if err := validateSignatureKey(kp.LeafNode.SignatureKey); err != nil {
		return err
	}
	if err := verify(kp.LeafNode.SignatureKey, kp.tbs(), kp.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKeyPackage, err)
	}
	return nil
}

// NewKeyPackage creates a signed key package for cred and stores its
// private half in the provider's storage under the package's ref.
func NewKeyPackage(ctx context.Context, provider Provider, cs Ciphersuite, signer Signer, cred Credential) (*KeyPackage, error) {
	if !cs.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCiphersuite, cs)
	}
	initKey, err := GenerateEncryptionKeyPair(provider.Rand())
	if err != nil {
		return nil, err
	}
	leafKey, err := GenerateEncryptionKeyPair(provider.Rand())
	if err != nil {
		return nil, err
	}

	kp := &KeyPackage{
		Ciphersuite: cs,
		InitKey:     initKey.Public,
		LeafNode: LeafNode{
			EncryptionKey: leafKey.Public,
			SignatureKey:  signer.PublicKey(),
			Credential:    NewBasicCredential(cred.Identity),
		},
	}
	kp.Signature, err = signer.Sign(kp.tbs())
	if err != nil {
		return nil, fmt.Errorf("sign key package: %w", err)
	}

	bundle := &KeyPackageBundle{
		KeyPackage:        kp,
		InitPrivate:       initKey.Private,
		EncryptionPrivate: leafKey.Private,
	}
	if err := provider.Storage().WriteKeyPackage(ctx, kp.Ref(), bundle); err != nil {
		return nil, fmt.Errorf("store key package: %w", err)
	}
	return kp, nil
}
