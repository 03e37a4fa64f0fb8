package mls

import (
	"crypto/hmac"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// GroupContext summarizes the state every member of an epoch agrees on.
type GroupContext struct {
	Ciphersuite             Ciphersuite `json:"ciphersuite"`
	GroupID                 []byte      `json:"group_id"`
	Epoch                   uint64      `json:"epoch"`
	MembersHash             []byte      `json:"members_hash"`
	ConfirmedTranscriptHash []byte      `json:"confirmed_transcript_hash"`
}

func (gc *GroupContext) marshalTo(b *cryptobyte.Builder) {
	b.AddUint16(uint16(gc.Ciphersuite))
	addOpaque8(b, gc.GroupID)
	b.AddUint64(gc.Epoch)
	addOpaque8(b, gc.MembersHash)
	addOpaque8(b, gc.ConfirmedTranscriptHash)
}

func (gc *GroupContext) unmarshal(s *cryptobyte.String) bool {
	var cs uint16
	if !s.ReadUint16(&cs) {
		return false
	}
	gc.Ciphersuite = Ciphersuite(cs)
	return readOpaque8(s, &gc.GroupID) &&
		s.ReadUint64(&gc.Epoch) &&
		readOpaque8(s, &gc.MembersHash) &&
		readOpaque8(s, &gc.ConfirmedTranscriptHash)
}

func (gc *GroupContext) bytes() []byte {
	return mustEncode(gc.marshalTo)
}

// GroupEpochSecrets holds the secrets of one epoch. InitSecret is consumed
// by the commit that ends the epoch; the others serve the epoch itself.
type GroupEpochSecrets struct {
	Suite            Ciphersuite `json:"suite"`
	InitSecret       *PPRF       `json:"init_secret"`
	ExporterSecret   []byte      `json:"exporter_secret"`
	EncryptionSecret []byte      `json:"encryption_secret"`
	ConfirmationKey  []byte      `json:"confirmation_key"`
}

// Clone returns a deep copy. The PPRF is immutable and shared.
func (s *GroupEpochSecrets) Clone() *GroupEpochSecrets {
	return &GroupEpochSecrets{
		Suite:            s.Suite,
		InitSecret:       s.InitSecret,
		ExporterSecret:   append([]byte(nil), s.ExporterSecret...),
		EncryptionSecret: append([]byte(nil), s.EncryptionSecret...),
		ConfirmationKey:  append([]byte(nil), s.ConfirmationKey...),
	}
}

// epochSecrets expands an epoch secret into the per-epoch secrets.
func epochSecrets(cs Ciphersuite, epochSecret []byte) *GroupEpochSecrets {
	return &GroupEpochSecrets{
		Suite:            cs,
		InitSecret:       NewPPRF(cs, deriveSecret(cs, epochSecret, "init")),
		ExporterSecret:   deriveSecret(cs, epochSecret, "exporter"),
		EncryptionSecret: deriveSecret(cs, epochSecret, "encryption"),
		ConfirmationKey:  deriveSecret(cs, epochSecret, "confirm"),
	}
}

// joinerSecret mixes the previous epoch's init value with a fresh commit
// secret, bound to the new group context.
func joinerSecret(cs Ciphersuite, initValue, commitSecret []byte, gc *GroupContext) []byte {
	return expandWithLabel(cs, extract(cs, initValue, commitSecret), "joiner", gc.bytes(), cs.HashLength())
}

// keySchedule derives the epoch secrets and the welcome secret from a
// joiner secret.
func keySchedule(cs Ciphersuite, joiner []byte, gc *GroupContext) (*GroupEpochSecrets, []byte) {
	member := extract(cs, joiner, make([]byte, cs.HashLength()))
	welcome := deriveSecret(cs, member, "welcome")
	epochSecret := expandWithLabel(cs, member, "epoch", gc.bytes(), cs.HashLength())
	return epochSecrets(cs, epochSecret), welcome
}

func exportSecret(cs Ciphersuite, exporter []byte, label string, context []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*cs.HashLength() {
		return nil, fmt.Errorf("export length %d out of range", length)
	}
	return expandWithLabel(cs, deriveSecret(cs, exporter, label), "exported", cs.Hash(context), length), nil
}

func confirmationTag(cs Ciphersuite, key, confirmedTranscript []byte) []byte {
	return mac(cs, key, confirmedTranscript)
}

func verifyConfirmationTag(cs Ciphersuite, key, confirmedTranscript, tag []byte) error {
	if !hmac.Equal(confirmationTag(cs, key, confirmedTranscript), tag) {
		return ErrConfirmationTagMismatch
	}
	return nil
}

// welcomeKeyNonce derives the AEAD key and nonce that protect the group
// info carried in a welcome.
func welcomeKeyNonce(cs Ciphersuite, welcomeSecret []byte) (key, nonce []byte) {
	return expandWithLabel(cs, welcomeSecret, "key", nil, 32),
		expandWithLabel(cs, welcomeSecret, "nonce", nil, 12)
}

// applicationKeyNonce derives the per-message key and nonce for one
// sender generation.
func applicationKeyNonce(cs Ciphersuite, encryptionSecret []byte, sender LeafIndex, generation uint32) (key, nonce []byte) {
	ctx := mustEncode(func(b *cryptobyte.Builder) {
		b.AddUint32(uint32(sender))
		b.AddUint32(generation)
	})
	return expandWithLabel(cs, encryptionSecret, "application key", ctx, 32),
		expandWithLabel(cs, encryptionSecret, "application nonce", ctx, 12)
}
