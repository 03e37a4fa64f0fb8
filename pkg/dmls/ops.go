package dmls

import (
	"context"
	"errors"
	"fmt"

	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

type commitFunc func(p mls.Provider) (*mls.Message, *mls.Welcome, *mls.GroupInfo, error)

// commit runs fn under the current epoch. The commit stays pending in that
// epoch until merged; storage is not forked.
func (g *Group) commit(ctx context.Context, factory epoch.Factory, name string, fn commitFunc) (bundle *CommitBundle, err error) {
	op, ctx := startOp(ctx, g.metrics, "dmls."+name, g.GroupID())
	defer func() { endOp(op, err) }()

	id, err := g.DeriveEpochID()
	if err != nil {
		return nil, err
	}
	msg, welcome, gi, err := fn(factory.ProviderFor(id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	g.log.DebugContext(ctx, "commit pending", "op", name, "epoch", id.Short())
	return &CommitBundle{
		Message:   &MessageOut{Epoch: id, Message: msg},
		Welcome:   welcome,
		GroupInfo: gi,
	}, nil
}

// AddMembers commits the addition of the key packages' owners.
func (g *Group) AddMembers(ctx context.Context, factory epoch.Factory, signer mls.Signer, kps []*mls.KeyPackage) (*CommitBundle, error) {
	return g.commit(ctx, factory, "add_members", func(p mls.Provider) (*mls.Message, *mls.Welcome, *mls.GroupInfo, error) {
		return g.inner.AddMembers(ctx, p, signer, kps)
	})
}

// SelfUpdate commits a fresh leaf for this member.
func (g *Group) SelfUpdate(ctx context.Context, factory epoch.Factory, signer mls.Signer, params mls.LeafNodeParameters) (*CommitBundle, error) {
	return g.commit(ctx, factory, "self_update", func(p mls.Provider) (*mls.Message, *mls.Welcome, *mls.GroupInfo, error) {
		return g.inner.SelfUpdate(ctx, p, signer, params)
	})
}

// RemoveMembers commits the removal of the given leaves.
func (g *Group) RemoveMembers(ctx context.Context, factory epoch.Factory, signer mls.Signer, leaves []mls.LeafIndex) (*CommitBundle, error) {
	return g.commit(ctx, factory, "remove_members", func(p mls.Provider) (*mls.Message, *mls.Welcome, *mls.GroupInfo, error) {
		return g.inner.RemoveMembers(ctx, p, signer, leaves)
	})
}

// ClearPendingCommit discards the pending commit in the current epoch.
func (g *Group) ClearPendingCommit(ctx context.Context, factory epoch.Factory) error {
	id, err := g.DeriveEpochID()
	if err != nil {
		return err
	}
	if err := g.inner.ClearPendingCommit(ctx, factory.StoreFor(id)); err != nil {
		if errors.Is(err, mls.ErrUseAfterEviction) {
			return err
		}
		return wrapStorage("clear pending commit", id, err)
	}
	return nil
}

// CreateMessage encrypts an application message in the current epoch.
func (g *Group) CreateMessage(ctx context.Context, factory epoch.Factory, signer mls.Signer, plaintext []byte) (*MessageOut, error) {
	id, err := g.DeriveEpochID()
	if err != nil {
		return nil, err
	}
	msg, err := g.inner.CreateMessage(ctx, factory.ProviderFor(id), signer, plaintext)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &MessageOut{Epoch: id, Message: msg}, nil
}

// ProcessMessage validates an inbound message addressed to this view's
// epoch. Commits come back as *mls.StagedCommit content, to be merged with
// MergeStagedCommit.
func (g *Group) ProcessMessage(ctx context.Context, factory epoch.Factory, in *MessageIn) (pm *mls.ProcessedMessage, err error) {
	op, ctx := startOp(ctx, g.metrics, "dmls.process", g.GroupID())
	defer func() { endOp(op, err) }()

	if err := g.check(); err != nil {
		return nil, err
	}
	if in == nil || in.Message == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrIncompatibleMessageType)
	}
	switch in.Message.WireFormat {
	case mls.WireFormatPublicMessage, mls.WireFormatPrivateMessage:
	default:
		return nil, fmt.Errorf("%w: %s", ErrIncompatibleMessageType, in.Message.WireFormat)
	}

	current, err := g.DeriveEpochID()
	if err != nil {
		return nil, err
	}
	if !in.Epoch.Equal(current) {
		return nil, fmt.Errorf("%w: message for %s, view at %s", ErrEpochMismatch, in.Epoch.Short(), current.Short())
	}

	pm, err = g.inner.ProcessMessage(ctx, factory.ProviderFor(in.Epoch), in.Message)
	if errors.Is(err, mls.ErrInitSecretPunctured) {
		return nil, fmt.Errorf("%w: %w", ErrCommitAlreadyMerged, err)
	}
	if err != nil {
		return nil, err
	}
	return pm, nil
}

// MergePendingCommit merges this member's pending commit. With nothing
// pending it does nothing.
func (g *Group) MergePendingCommit(ctx context.Context, factory epoch.Factory) error {
	if err := g.check(); err != nil {
		return err
	}
	switch g.inner.State() {
	case mls.StateInactive:
		return mls.ErrUseAfterEviction
	case mls.StateOperational:
		return nil
	}
	return g.MergeStagedCommit(ctx, factory, g.inner.PendingCommit())
}

// MergeStagedCommit forks the current epoch into the commit's successor.
//
// The steps run in a fixed order: the source epoch is cloned into a
// scratch epoch, the commit is merged there, the init secret stored in the
// source epoch is punctured at the commit's point, and only then is
// scratch migrated to the successor's derived id. The source epoch stays
// readable throughout. A failure after the clone poisons the view and
// returns an *InconsistentStateError.
//
// A commit whose point is already punctured in the source epoch was merged
// before, from this or another view, and is refused with
// ErrCommitAlreadyMerged before anything is written.
//
// A commit that removes this member leaves the view inactive and creates
// no successor epoch.
func (g *Group) MergeStagedCommit(ctx context.Context, factory epoch.Factory, sc *mls.StagedCommit) (err error) {
	op, ctx := startOp(ctx, g.metrics, "dmls.merge", g.GroupID())
	defer func() { endOp(op, err) }()

	if err := g.check(); err != nil {
		return err
	}
	if !g.inner.IsActive() {
		return mls.ErrUseAfterEviction
	}
	if sc == nil {
		return fmt.Errorf("%w: nil staged commit", mls.ErrMalformedMessage)
	}

	// 1. Source epoch.
	oldID, err := g.DeriveEpochID()
	if err != nil {
		return err
	}
	oldStore := factory.StoreFor(oldID)
	log := g.log.WithEpoch("from", oldID)

	secrets, err := oldStore.GroupEpochSecrets(ctx, g.GroupID())
	if err != nil {
		return wrapStorage("read", oldID, err)
	}
	if secrets.InitSecret == nil {
		return mls.ErrMissingInitSecret
	}
	if secrets.InitSecret.Punctured(sc.Point()) {
		return fmt.Errorf("%w: %w", ErrCommitAlreadyMerged, mls.ErrInitSecretPunctured)
	}

	// 2. Fork into scratch.
	scratch, err := epoch.Random(factory.Rand(), len(oldID))
	if err != nil {
		return err
	}
	if err := oldStore.CloneInto(ctx, scratch); err != nil {
		if derr := factory.StoreFor(scratch).Delete(ctx); derr != nil {
			log.WarnContext(ctx, "scratch epoch left behind", "scratch", scratch.String(), "error", derr)
		}
		return wrapStorage("fork", oldID, err)
	}
	log.DebugContext(ctx, "forked source epoch", "scratch", scratch.Short())

	// 3. The stored init secret punctured at the commit's point. It is
	// read from storage so earlier punctures of other commits are kept.
	punctured, err := secrets.InitSecret.Puncture(sc.Point())
	if err != nil {
		return g.fail(ctx, factory, "merge", 3, oldID, scratch, err)
	}

	// 4. Merge into scratch only.
	if err := g.inner.MergeStagedCommit(ctx, factory.StoreFor(scratch), sc); err != nil {
		return g.fail(ctx, factory, "merge", 4, oldID, scratch, err)
	}

	// 5. Puncture the source epoch. A merged own commit is no longer
	// pending there.
	secrets.InitSecret = punctured
	if err := oldStore.WriteGroupEpochSecrets(ctx, g.GroupID(), secrets); err != nil {
		return g.fail(ctx, factory, "merge", 5, oldID, scratch, err)
	}
	if sc.Sender() == g.inner.OwnLeafIndex() {
		if err := oldStore.DeletePendingCommit(ctx, g.GroupID()); err != nil {
			return g.fail(ctx, factory, "merge", 5, oldID, scratch, err)
		}
	}
	log.DebugContext(ctx, "punctured source epoch")

	if sc.SelfRemoved() {
		if err := factory.StoreFor(scratch).Delete(ctx); err != nil {
			return g.fail(ctx, factory, "merge", 7, oldID, scratch, err)
		}
		log.InfoContext(ctx, "removed from group")
		return nil
	}

	// 6 and 7. Derive the successor and migrate scratch to it.
	newID, err := g.migrate(ctx, factory, "merge", oldID, scratch, 6)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "merged commit", "epoch", newID.Short(), "n", g.inner.Epoch())
	return nil
}
