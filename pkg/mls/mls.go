// Package mls is a compact continuous group key agreement engine in the
// shape of MLS: signed commits, per-recipient sealed commit secrets, an
// HKDF key schedule and a puncturable init secret.
//
// Membership is a flat leaf list rather than a ratchet tree. Everything the
// epoch-forking layer relies on (staged commits, pending commits, secret
// export and the init secret carried by a staged commit) behaves like the
// real protocol.
package mls

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by Storage when a record does not exist.
	ErrNotFound = errors.New("mls: record not found")

	// ErrGroupNotFound indicates no persisted state for a group.
	ErrGroupNotFound = errors.New("mls: group not found")

	// ErrUseAfterEviction indicates an operation on an inactive group.
	ErrUseAfterEviction = errors.New("mls: group used after eviction")

	// ErrInitSecretPunctured indicates the init secret cannot be evaluated
	// for this commit because it was already consumed.
	ErrInitSecretPunctured = errors.New("mls: init secret punctured for commit")

	// ErrMissingInitSecret indicates a staged commit without init secret output.
	ErrMissingInitSecret = errors.New("mls: staged commit has no init secret")

	ErrUnsupportedCiphersuite  = errors.New("mls: unsupported ciphersuite")
	ErrWrongGroup              = errors.New("mls: message for another group")
	ErrWrongEpoch              = errors.New("mls: message for another epoch")
	ErrUnknownSender           = errors.New("mls: unknown sender")
	ErrInvalidSignature        = errors.New("mls: invalid signature")
	ErrConfirmationTagMismatch = errors.New("mls: confirmation tag mismatch")
	ErrOwnCommit               = errors.New("mls: cannot process own commit")
	ErrOwnMessage              = errors.New("mls: cannot decrypt own message")
	ErrInvalidProposal         = errors.New("mls: invalid proposal")
	ErrInvalidKeyPackage       = errors.New("mls: invalid key package")
	ErrNoMatchingKeyPackage    = errors.New("mls: no matching key package")
	ErrMissingPathSecret       = errors.New("mls: no commit secret for own leaf")
	ErrDecryptFailed           = errors.New("mls: decryption failed")
	ErrMalformedMessage        = errors.New("mls: malformed message")
	ErrPendingCommit           = errors.New("mls: group has a pending commit")
)

// Provider is the execution context for group operations.
type Provider interface {
	Storage() Storage
	Rand() io.Reader
}

// Storage persists group records. Reads return ErrNotFound on a miss;
// deletes of absent records succeed.
type Storage interface {
	WriteGroupState(ctx context.Context, groupID []byte, state *GroupStateRecord) error
	GroupState(ctx context.Context, groupID []byte) (*GroupStateRecord, error)

	WriteGroupEpochSecrets(ctx context.Context, groupID []byte, secrets *GroupEpochSecrets) error
	GroupEpochSecrets(ctx context.Context, groupID []byte) (*GroupEpochSecrets, error)

	WriteOwnLeafKey(ctx context.Context, groupID []byte, key *EncryptionKeyPair) error
	OwnLeafKey(ctx context.Context, groupID []byte) (*EncryptionKeyPair, error)

	WritePendingCommit(ctx context.Context, groupID []byte, commit *StagedCommit) error
	PendingCommit(ctx context.Context, groupID []byte) (*StagedCommit, error)
	DeletePendingCommit(ctx context.Context, groupID []byte) error

	WriteKeyPackage(ctx context.Context, ref []byte, bundle *KeyPackageBundle) error
	KeyPackage(ctx context.Context, ref []byte) (*KeyPackageBundle, error)
	DeleteKeyPackage(ctx context.Context, ref []byte) error
}
