package dmls

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gezibash/arc-dmls/pkg/logging"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

// updateFromBob returns a staged commit for Alice to merge at p.e1.
func updateFromBob(t *testing.T, p *pair) *mls.StagedCommit {
	t.Helper()
	ctx := context.Background()
	c, err := p.gb.SelfUpdate(ctx, p.bob.factory, p.bob.signer, mls.LeafNodeParameters{})
	require.NoError(t, err)
	pm, err := p.ga.ProcessMessage(ctx, p.alice.factory, wire(t, c.Message))
	require.NoError(t, err)
	return stagedCommit(t, pm)
}

func TestMergeForkFailureIsStorageError(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	sc := updateFromBob(t, p)

	p.alice.faults.setFailClone(func(src, dst string) bool { return true })
	err := p.ga.MergeStagedCommit(ctx, p.alice.factory, sc)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "fork", se.Op)
	require.Equal(t, p.e1, se.Epoch)
	require.ErrorIs(t, err, errInjected)
	require.NotErrorIs(t, err, ErrInconsistentEpochState)

	// Nothing changed, so the merge can be retried.
	require.Equal(t, p.e1, deriveID(t, p.ga))
	require.Equal(t, namespacesOf(p.e0, p.e1), p.alice.namespaces(t))

	p.alice.faults.setFailClone(nil)
	require.NoError(t, p.ga.MergeStagedCommit(ctx, p.alice.factory, sc))
	require.NotEqual(t, p.e1, deriveID(t, p.ga))
}

func TestMergeForkFailureReportsLeftoverScratch(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	var buf bytes.Buffer
	log := logging.New(slog.New(slog.NewJSONHandler(&buf, nil)))
	g, err := LoadForEpoch(ctx, p.alice.factory, p.e1, p.ga.GroupID(), WithLogger(log))
	require.NoError(t, err)
	sc := updateFromBob(t, p)
	oldNS := p.e1.Namespace()

	p.alice.faults.setFailClone(func(src, dst string) bool { return true })
	p.alice.faults.setFailDrop(func(ns string) bool { return ns != oldNS })
	err = g.MergeStagedCommit(ctx, p.alice.factory, sc)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "fork", se.Op)
	require.Contains(t, buf.String(), "scratch epoch left behind")
	require.Contains(t, buf.String(), `"level":"WARN"`)
	require.Equal(t, p.e1, deriveID(t, g))
}

func TestMergeMigrationFailurePoisonsView(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	sc := updateFromBob(t, p)
	oldNS := p.e1.Namespace()

	p.alice.faults.setFailClone(func(src, dst string) bool { return src != oldNS })
	err := p.ga.MergeStagedCommit(ctx, p.alice.factory, sc)

	var ie *InconsistentStateError
	require.ErrorAs(t, err, &ie)
	require.ErrorIs(t, err, ErrInconsistentEpochState)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, "merge", ie.Op)
	require.Equal(t, 7, ie.Step)
	require.Equal(t, p.e1, ie.Epoch)
	require.Nil(t, ie.Scratch, "scratch was dropped")

	// Scratch is gone and no successor exists.
	require.Equal(t, namespacesOf(p.e0, p.e1), p.alice.namespaces(t))

	// The view refuses further work.
	_, err = p.ga.DeriveEpochID()
	require.ErrorIs(t, err, ErrInconsistentEpochState)
	_, err = p.ga.ExportSecret("x", nil, 16)
	require.ErrorIs(t, err, ErrInconsistentEpochState)
	require.ErrorIs(t, p.ga.MergePendingCommit(ctx, p.alice.factory), ErrInconsistentEpochState)

	// A fresh view of the source epoch still serves other commits.
	p.alice.faults.setFailClone(nil)
	fresh := p.alice.load(t, p.e1, p.ga.GroupID())
	require.NoError(t, p.gb.ClearPendingCommit(ctx, p.bob.factory))
	c2, err := p.gb.SelfUpdate(ctx, p.bob.factory, p.bob.signer, mls.LeafNodeParameters{})
	require.NoError(t, err)
	_, err = fresh.ProcessMessage(ctx, p.alice.factory, wire(t, c2.Message))
	require.NoError(t, err)
}

func TestMergePunctureFailurePoisonsView(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	sc := updateFromBob(t, p)
	oldNS := p.e1.Namespace()

	p.alice.faults.setFailPut(func(ns, key string) bool {
		return ns == oldNS && strings.HasPrefix(key, "epoch_secrets/")
	})
	err := p.ga.MergeStagedCommit(ctx, p.alice.factory, sc)

	var ie *InconsistentStateError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, 5, ie.Step)
	require.Equal(t, namespacesOf(p.e0, p.e1), p.alice.namespaces(t))

	_, err = p.ga.CreateMessage(ctx, p.alice.factory, p.alice.signer, []byte("x"))
	require.ErrorIs(t, err, ErrInconsistentEpochState)
}

func TestCreateMigrationFailure(t *testing.T) {
	alice := newMember(t, "alice")
	alice.faults.setFailClone(func(src, dst string) bool { return true })

	_, err := Create(context.Background(), alice.factory, alice.signer, mls.GroupConfig{}, alice.cred())
	var ie *InconsistentStateError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "create", ie.Op)
	require.Equal(t, 4, ie.Step)
	require.Empty(t, ie.Epoch)
	require.Empty(t, alice.namespaces(t))
}

func TestJoinMigrationFailure(t *testing.T) {
	alice, bob := newMember(t, "alice"), newMember(t, "bob")
	ctx := context.Background()
	ga := alice.create(t)

	bundle, err := ga.AddMembers(ctx, alice.factory, alice.signer, []*mls.KeyPackage{bob.keyPackage(t)})
	require.NoError(t, err)

	bob.faults.setFailClone(func(src, dst string) bool { return true })
	_, err = JoinFromWelcome(ctx, bob.factory, mls.JoinConfig{}, bundle.Welcome)
	require.ErrorIs(t, err, ErrInconsistentEpochState)
	require.Empty(t, bob.namespaces(t))
}
