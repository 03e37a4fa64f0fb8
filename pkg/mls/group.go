package mls

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// GroupState is the lifecycle state of a group handle.
type GroupState int

const (
	StateOperational GroupState = iota
	StatePendingCommit
	StateInactive
)

func (s GroupState) String() string {
	switch s {
	case StateOperational:
		return "operational"
	case StatePendingCommit:
		return "pending_commit"
	case StateInactive:
		return "inactive"
	default:
		return fmt.Sprintf("GroupState(%d)", int(s))
	}
}

// GroupStateRecord is the persisted public state of a group.
type GroupStateRecord struct {
	Context    GroupContext `json:"context"`
	Members    []*LeafNode  `json:"members"`
	OwnIndex   LeafIndex    `json:"own_index"`
	Generation uint32       `json:"generation"`
	Inactive   bool         `json:"inactive,omitempty"`
}

// GroupConfig configures NewGroup.
type GroupConfig struct {
	Ciphersuite Ciphersuite
	// GroupID is drawn at random when empty.
	GroupID []byte
}

// Group is a member's handle on one epoch of a group. It is not safe for
// concurrent use.
type Group struct {
	suite   Ciphersuite
	state   *GroupStateRecord
	secrets *GroupEpochSecrets
	ownLeaf *EncryptionKeyPair
	pending *StagedCommit
}

// NewGroup creates a one-member group at epoch zero and persists it.
func NewGroup(ctx context.Context, provider Provider, signer Signer, cfg GroupConfig, cred CredentialWithKey) (*Group, error) {
	cs := cfg.Ciphersuite
	if cs == 0 {
		cs = DefaultCiphersuite
	}
	if !cs.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCiphersuite, cs)
	}
	if !bytes.Equal(signer.PublicKey(), cred.SignatureKey) {
		return nil, fmt.Errorf("%w: signer does not match credential", ErrInvalidSignature)
	}
	if err := validateSignatureKey(cred.SignatureKey); err != nil {
		return nil, err
	}

	groupID := append([]byte(nil), cfg.GroupID...)
	if len(groupID) == 0 {
		var err error
		if groupID, err = randomBytes(provider.Rand(), 16); err != nil {
			return nil, err
		}
	}
	leafKey, err := GenerateEncryptionKeyPair(provider.Rand())
	if err != nil {
		return nil, err
	}
	epochSecret, err := randomBytes(provider.Rand(), cs.HashLength())
	if err != nil {
		return nil, err
	}

	members := []*LeafNode{{
		EncryptionKey: leafKey.Public,
		SignatureKey:  append([]byte(nil), cred.SignatureKey...),
		Credential:    NewBasicCredential(cred.Credential.Identity),
	}}
	g := &Group{
		suite: cs,
		state: &GroupStateRecord{
			Context: GroupContext{
				Ciphersuite: cs,
				GroupID:     groupID,
				MembersHash: membersHash(cs, members),
			},
			Members: members,
		},
		secrets: epochSecrets(cs, epochSecret),
		ownLeaf: leafKey,
	}
	if err := g.persist(ctx, provider.Storage()); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGroup rebuilds a group handle from storage. It returns
// ErrGroupNotFound when nothing is stored for groupID.
func LoadGroup(ctx context.Context, storage Storage, groupID []byte) (*Group, error) {
	state, err := storage.GroupState(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read group state: %w", err)
	}
	secrets, err := storage.GroupEpochSecrets(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("read epoch secrets: %w", err)
	}
	ownLeaf, err := storage.OwnLeafKey(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("read own leaf key: %w", err)
	}
	pending, err := storage.PendingCommit(ctx, groupID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read pending commit: %w", err)
	}
	return &Group{
		suite:   state.Context.Ciphersuite,
		state:   state,
		secrets: secrets,
		ownLeaf: ownLeaf,
		pending: pending,
	}, nil
}

func (g *Group) persist(ctx context.Context, storage Storage) error {
	gid := g.GroupID()
	if err := storage.WriteGroupState(ctx, gid, g.state); err != nil {
		return fmt.Errorf("write group state: %w", err)
	}
	if err := storage.WriteGroupEpochSecrets(ctx, gid, g.secrets); err != nil {
		return fmt.Errorf("write epoch secrets: %w", err)
	}
	if err := storage.WriteOwnLeafKey(ctx, gid, g.ownLeaf); err != nil {
		return fmt.Errorf("write own leaf key: %w", err)
	}
	return nil
}

func (g *Group) checkActive() error {
	if g.state.Inactive {
		return ErrUseAfterEviction
	}
	return nil
}

func (g *Group) ownLeafNode() *LeafNode {
	return g.state.Members[g.state.OwnIndex]
}

// GroupID returns the group identifier.
func (g *Group) GroupID() []byte { return g.state.Context.GroupID }

// Epoch returns the numeric epoch.
func (g *Group) Epoch() uint64 { return g.state.Context.Epoch }

// Ciphersuite returns the group's suite.
func (g *Group) Ciphersuite() Ciphersuite { return g.suite }

// OwnLeafIndex returns this member's leaf index.
func (g *Group) OwnLeafIndex() LeafIndex { return g.state.OwnIndex }

// Context returns a copy of the current group context.
func (g *Group) Context() GroupContext { return g.state.Context }

// IsActive reports whether the member is still in the group.
func (g *Group) IsActive() bool { return !g.state.Inactive }

// PendingCommit returns the staged self-authored commit, if any.
func (g *Group) PendingCommit() *StagedCommit { return g.pending }

// State returns the lifecycle state.
func (g *Group) State() GroupState {
	switch {
	case g.state.Inactive:
		return StateInactive
	case g.pending != nil:
		return StatePendingCommit
	default:
		return StateOperational
	}
}

// Members lists the occupied leaves.
func (g *Group) Members() []Member {
	var out []Member
	for i, m := range g.state.Members {
		if m == nil {
			continue
		}
		out = append(out, Member{
			Index:         LeafIndex(i),
			Identity:      m.Credential.Identity,
			SignatureKey:  m.SignatureKey,
			EncryptionKey: m.EncryptionKey,
		})
	}
	return out
}

// ExportSecret derives a secret from the epoch's exporter secret.
func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if err := g.checkActive(); err != nil {
		return nil, err
	}
	return exportSecret(g.suite, g.secrets.ExporterSecret, label, context, length)
}

// AddMembers commits the addition of the given key packages. The commit
// becomes the pending commit; the welcome admits the new members.
func (g *Group) AddMembers(ctx context.Context, provider Provider, signer Signer, kps []*KeyPackage) (*Message, *Welcome, *GroupInfo, error) {
	if len(kps) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no key packages", ErrInvalidProposal)
	}
	return g.commit(ctx, provider, signer, kps, nil, LeafNodeParameters{})
}

// SelfUpdate commits a fresh leaf for this member.
func (g *Group) SelfUpdate(ctx context.Context, provider Provider, signer Signer, params LeafNodeParameters) (*Message, *Welcome, *GroupInfo, error) {
	return g.commit(ctx, provider, signer, nil, nil, params)
}

// RemoveMembers commits the removal of the given leaves.
func (g *Group) RemoveMembers(ctx context.Context, provider Provider, signer Signer, leaves []LeafIndex) (*Message, *Welcome, *GroupInfo, error) {
	if len(leaves) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no leaves to remove", ErrInvalidProposal)
	}
	return g.commit(ctx, provider, signer, nil, leaves, LeafNodeParameters{})
}

// MergeStagedCommit applies sc, writing the next epoch's records to
// storage and dropping any pending commit. A commit that removes this
// member leaves the group inactive.
func (g *Group) MergeStagedCommit(ctx context.Context, storage Storage, sc *StagedCommit) error {
	if err := g.checkActive(); err != nil {
		return err
	}
	gid := g.GroupID()

	if sc.selfRemoved {
		state := *g.state
		state.Inactive = true
		if err := storage.WriteGroupState(ctx, gid, &state); err != nil {
			return fmt.Errorf("write group state: %w", err)
		}
		if err := storage.DeletePendingCommit(ctx, gid); err != nil {
			return fmt.Errorf("delete pending commit: %w", err)
		}
		g.state = &state
		g.pending = nil
		return nil
	}

	if sc.state == nil || sc.secrets == nil {
		return fmt.Errorf("%w: staged commit has no successor state", ErrMalformedMessage)
	}
	state := *sc.state
	state.Members = cloneMembers(sc.state.Members)
	ownLeaf := g.ownLeaf
	if sc.ownLeaf != nil {
		ownLeaf = sc.ownLeaf
	}

	next := &Group{suite: g.suite, state: &state, secrets: sc.secrets, ownLeaf: ownLeaf}
	if err := next.persist(ctx, storage); err != nil {
		return err
	}
	if err := storage.DeletePendingCommit(ctx, gid); err != nil {
		return fmt.Errorf("delete pending commit: %w", err)
	}
	*g = *next
	return nil
}

// MergePendingCommit merges the pending commit, if there is one.
func (g *Group) MergePendingCommit(ctx context.Context, storage Storage) error {
	if err := g.checkActive(); err != nil {
		return err
	}
	if g.pending == nil {
		return nil
	}
	return g.MergeStagedCommit(ctx, storage, g.pending)
}

// ClearPendingCommit discards the pending commit.
func (g *Group) ClearPendingCommit(ctx context.Context, storage Storage) error {
	if err := g.checkActive(); err != nil {
		return err
	}
	if err := storage.DeletePendingCommit(ctx, g.GroupID()); err != nil {
		return fmt.Errorf("delete pending commit: %w", err)
	}
	g.pending = nil
	return nil
}

// CreateMessage encrypts an application message for the current epoch.
func (g *Group) CreateMessage(ctx context.Context, provider Provider, signer Signer, data []byte) (*Message, error) {
	if err := g.checkActive(); err != nil {
		return nil, err
	}
	if !bytes.Equal(signer.PublicKey(), g.ownLeafNode().SignatureKey) {
		return nil, fmt.Errorf("%w: signer does not match own leaf", ErrInvalidSignature)
	}

	gen := g.state.Generation
	state := *g.state
	state.Generation++
	// The generation is persisted before use so a nonce is never reused.
	if err := provider.Storage().WriteGroupState(ctx, g.GroupID(), &state); err != nil {
		return nil, fmt.Errorf("write group state: %w", err)
	}
	g.state = &state

	fc := FramedContent{
		GroupID:     g.GroupID(),
		Epoch:       g.Epoch(),
		Sender:      g.state.OwnIndex,
		ContentType: ContentTypeApplication,
		Content:     data,
	}
	sig, err := signer.Sign(signedContent(&g.state.Context, &fc))
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	plaintext, err := encode(func(b *cryptobyte.Builder) {
		addOpaque24(b, data)
		addOpaque8(b, sig)
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	pm := &PrivateMessage{
		GroupID:    g.GroupID(),
		Epoch:      g.Epoch(),
		Sender:     g.state.OwnIndex,
		Generation: gen,
	}
	key, nonce := applicationKeyNonce(g.suite, g.secrets.EncryptionSecret, pm.Sender, gen)
	pm.Ciphertext, err = aeadSeal(key, nonce, plaintext, pm.aad())
	if err != nil {
		return nil, err
	}
	return &Message{WireFormat: WireFormatPrivateMessage, Private: pm}, nil
}
