package mls

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// GroupInfo is the signed public description of an epoch.
type GroupInfo struct {
	Context         GroupContext
	Members         []*LeafNode
	ConfirmationTag []byte
	Signer          LeafIndex
	Signature       []byte
}

func (gi *GroupInfo) tbs() []byte {
	return mustEncode(func(b *cryptobyte.Builder) {
		gi.Context.marshalTo(b)
		marshalMembers(b, gi.Members)
		addOpaque8(b, gi.ConfirmationTag)
		b.AddUint32(uint32(gi.Signer))
	})
}

func (gi *GroupInfo) marshalTo(b *cryptobyte.Builder) {
	gi.Context.marshalTo(b)
	marshalMembers(b, gi.Members)
	addOpaque8(b, gi.ConfirmationTag)
	b.AddUint32(uint32(gi.Signer))
	addOpaque8(b, gi.Signature)
}

func (gi *GroupInfo) unmarshal(s *cryptobyte.String) bool {
	var signer uint32
	if !gi.Context.unmarshal(s) || !unmarshalMembers(s, &gi.Members) ||
		!readOpaque8(s, &gi.ConfirmationTag) || !s.ReadUint32(&signer) || !readOpaque8(s, &gi.Signature) {
		return false
	}
	gi.Signer = LeafIndex(signer)
	return true
}

// Verify checks the signature against the signer's leaf and the member
// list against the context.
func (gi *GroupInfo) Verify() error {
	cs := gi.Context.Ciphersuite
	if !cs.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedCiphersuite, cs)
	}
	signer := memberAt(gi.Members, gi.Signer)
	if signer == nil {
		return fmt.Errorf("%w: group info signer %d", ErrUnknownSender, gi.Signer)
	}
	if err := verify(signer.SignatureKey, gi.tbs(), gi.Signature); err != nil {
		return fmt.Errorf("group info: %w", err)
	}
	if !bytes.Equal(membersHash(cs, gi.Members), gi.Context.MembersHash) {
		return fmt.Errorf("%w: members hash", ErrMalformedMessage)
	}
	return nil
}

// EncryptedGroupSecrets carries the joiner secret sealed to one key
// package's init key.
type EncryptedGroupSecrets struct {
	KeyPackageRef []byte
	Ciphertext    []byte
}

// Welcome lets new members join the epoch a commit creates.
type Welcome struct {
	Ciphersuite        Ciphersuite
	Secrets            []EncryptedGroupSecrets
	EncryptedGroupInfo []byte
}

func (w *Welcome) marshalTo(b *cryptobyte.Builder) {
	b.AddUint16(uint16(w.Ciphersuite))
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, s := range w.Secrets {
			addOpaque8(b, s.KeyPackageRef)
			addOpaque16(b, s.Ciphertext)
		}
	})
	addOpaque24(b, w.EncryptedGroupInfo)
}

func (w *Welcome) unmarshal(s *cryptobyte.String) bool {
	var cs uint16
	var list cryptobyte.String
	if !s.ReadUint16(&cs) || !s.ReadUint24LengthPrefixed(&list) {
		return false
	}
	w.Ciphersuite = Ciphersuite(cs)
	w.Secrets = nil
	for !list.Empty() {
		var egs EncryptedGroupSecrets
		if !readOpaque8(&list, &egs.KeyPackageRef) || !readOpaque16(&list, &egs.Ciphertext) {
			return false
		}
		w.Secrets = append(w.Secrets, egs)
	}
	return readOpaque24(s, &w.EncryptedGroupInfo)
}

func welcomeSecret(cs Ciphersuite, joiner []byte) []byte {
	return deriveSecret(cs, extract(cs, joiner, make([]byte, cs.HashLength())), "welcome")
}

// JoinConfig configures NewGroupFromWelcome.
type JoinConfig struct {
	// KeyPackages is where the key package bundles were stored by
	// NewKeyPackage. Nil means the provider's storage.
	KeyPackages Storage
}

// NewGroupFromWelcome joins the group a welcome describes, using the first
// secret addressed to a key package found in cfg.KeyPackages. The consumed
// key package is deleted and the new group persisted to the provider's
// storage.
func NewGroupFromWelcome(ctx context.Context, provider Provider, cfg JoinConfig, w *Welcome) (*Group, error) {
	cs := w.Ciphersuite
	if !cs.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCiphersuite, cs)
	}
	kpStore := cfg.KeyPackages
	if kpStore == nil {
		kpStore = provider.Storage()
	}

	var (
		bundle  *KeyPackageBundle
		sealed  []byte
		matched []byte
	)
	for _, s := range w.Secrets {
		b, err := kpStore.KeyPackage(ctx, s.KeyPackageRef)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read key package: %w", err)
		}
		bundle, sealed, matched = b, s.Ciphertext, s.KeyPackageRef
		break
	}
	if bundle == nil {
		return nil, ErrNoMatchingKeyPackage
	}
	if bundle.KeyPackage.Ciphersuite != cs {
		return nil, fmt.Errorf("%w: key package suite %s", ErrUnsupportedCiphersuite, bundle.KeyPackage.Ciphersuite)
	}

	joiner, err := open(bundle.InitPrivate, sealed)
	if err != nil {
		return nil, fmt.Errorf("open group secrets: %w", err)
	}
	key, nonce := welcomeKeyNonce(cs, welcomeSecret(cs, joiner))
	giBytes, err := aeadOpen(key, nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("open group info: %w", err)
	}
	gi := new(GroupInfo)
	giStr := cryptobyte.String(giBytes)
	if !gi.unmarshal(&giStr) || !giStr.Empty() {
		return nil, fmt.Errorf("%w: group info", ErrMalformedMessage)
	}
	if gi.Context.Ciphersuite != cs {
		return nil, fmt.Errorf("%w: group info suite %s", ErrUnsupportedCiphersuite, gi.Context.Ciphersuite)
	}
	if err := gi.Verify(); err != nil {
		return nil, err
	}

	own, ok := findLeaf(gi.Members, bundle.KeyPackage.LeafNode.EncryptionKey)
	if !ok {
		return nil, fmt.Errorf("%w: own leaf missing from group info", ErrNoMatchingKeyPackage)
	}

	secrets, _ := keySchedule(cs, joiner, &gi.Context)
	if err := verifyConfirmationTag(cs, secrets.ConfirmationKey, gi.Context.ConfirmedTranscriptHash, gi.ConfirmationTag); err != nil {
		return nil, err
	}

	g := &Group{
		suite: cs,
		state: &GroupStateRecord{
			Context:  gi.Context,
			Members:  gi.Members,
			OwnIndex: own,
		},
		secrets: secrets,
		ownLeaf: &EncryptionKeyPair{
			Public:  bundle.KeyPackage.LeafNode.EncryptionKey,
			Private: bundle.EncryptionPrivate,
		},
	}
	if err := g.persist(ctx, provider.Storage()); err != nil {
		return nil, err
	}
	if err := kpStore.DeleteKeyPackage(ctx, matched); err != nil {
		return nil, fmt.Errorf("delete key package: %w", err)
	}
	return g, nil
}

// newWelcome seals joiner to every added key package and encrypts gi
// under the welcome secret.
func newWelcome(provider Provider, cs Ciphersuite, joiner, welcome []byte, kps []*KeyPackage, gi *GroupInfo) (*Welcome, error) {
	w := &Welcome{Ciphersuite: cs}
	for _, kp := range kps {
		ct, err := seal(provider.Rand(), kp.InitKey, joiner)
		if err != nil {
			return nil, fmt.Errorf("seal group secrets: %w", err)
		}
		w.Secrets = append(w.Secrets, EncryptedGroupSecrets{KeyPackageRef: kp.Ref(), Ciphertext: ct})
	}
	giBytes, err := encode(gi.marshalTo)
	if err != nil {
		return nil, fmt.Errorf("encode group info: %w", err)
	}
	key, nonce := welcomeKeyNonce(cs, welcome)
	w.EncryptedGroupInfo, err = aeadSeal(key, nonce, giBytes, nil)
	if err != nil {
		return nil, err
	}
	return w, nil
}
