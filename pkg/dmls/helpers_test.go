package dmls

import (
	"context"
	"crypto/rand"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gezibash/arc-dmls/internal/epochstore"
	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/epochstore/physical/memory"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

var errInjected = errors.New("injected fault")

// faultyBackend fails selected operations of the wrapped backend.
type faultyBackend struct {
	physical.Backend

	mu        sync.Mutex
	failClone func(src, dst string) bool
	failPut   func(ns, key string) bool
	failDrop  func(ns string) bool
}

func (b *faultyBackend) setFailClone(fn func(src, dst string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failClone = fn
}

func (b *faultyBackend) setFailPut(fn func(ns, key string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPut = fn
}

func (b *faultyBackend) setFailDrop(fn func(ns string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDrop = fn
}

func (b *faultyBackend) Drop(ctx context.Context, ns string) error {
	b.mu.Lock()
	fail := b.failDrop != nil && b.failDrop(ns)
	b.mu.Unlock()
	if fail {
		return errInjected
	}
	return b.Backend.Drop(ctx, ns)
}

func (b *faultyBackend) Clone(ctx context.Context, src, dst string) error {
	b.mu.Lock()
	fail := b.failClone != nil && b.failClone(src, dst)
	b.mu.Unlock()
	if fail {
		return errInjected
	}
	return b.Backend.Clone(ctx, src, dst)
}

func (b *faultyBackend) Put(ctx context.Context, ns, key string, value []byte) error {
	b.mu.Lock()
	fail := b.failPut != nil && b.failPut(ns, key)
	b.mu.Unlock()
	if fail {
		return errInjected
	}
	return b.Backend.Put(ctx, ns, key, value)
}

type member struct {
	name    string
	signer  *mls.SignatureKeyPair
	factory *epochstore.Factory
	faults  *faultyBackend
}

func newMember(t *testing.T, name string) *member {
	t.Helper()
	be, err := memory.New()
	require.NoError(t, err)
	faults := &faultyBackend{Backend: be}
	f := epochstore.NewFactory(faults, epochstore.WithBackendName("memory"))
	t.Cleanup(func() { f.Close() })

	signer, err := mls.GenerateSignatureKeyPair(rand.Reader)
	require.NoError(t, err)
	return &member{name: name, signer: signer, factory: f, faults: faults}
}

func (m *member) cred() mls.CredentialWithKey {
	return mls.CredentialWithKey{
		Credential:   mls.NewBasicCredential([]byte(m.name)),
		SignatureKey: m.signer.PublicKey(),
	}
}

func (m *member) create(t *testing.T, opts ...Option) *Group {
	t.Helper()
	g, err := Create(context.Background(), m.factory, m.signer, mls.GroupConfig{}, m.cred(), opts...)
	require.NoError(t, err)
	return g
}

func (m *member) keyPackage(t *testing.T) *mls.KeyPackage {
	t.Helper()
	kp, err := NewKeyPackage(context.Background(), m.factory, mls.DefaultCiphersuite, m.signer, mls.NewBasicCredential([]byte(m.name)))
	require.NoError(t, err)
	return kp
}

func (m *member) namespaces(t *testing.T) []string {
	t.Helper()
	ns, err := m.factory.Namespaces(context.Background())
	require.NoError(t, err)
	return ns
}

// snapshot returns every record of the epoch id.
func (m *member) snapshot(t *testing.T, id epoch.ID) map[string][]byte {
	t.Helper()
	ctx := context.Background()
	keys, err := m.faults.Keys(ctx, id.Namespace())
	require.NoError(t, err)
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := m.faults.Get(ctx, id.Namespace(), k)
		require.NoError(t, err)
		out[k] = v
	}
	return out
}

func (m *member) load(t *testing.T, id epoch.ID, gid []byte) *Group {
	t.Helper()
	g, err := LoadForEpoch(context.Background(), m.factory, id, gid)
	require.NoError(t, err)
	return g
}

// wire sends an envelope through its encoding.
func wire(t *testing.T, out *MessageOut) *MessageIn {
	t.Helper()
	data, err := out.Marshal()
	require.NoError(t, err)
	in, err := UnmarshalMessageIn(data)
	require.NoError(t, err)
	return in
}

func deriveID(t *testing.T, g *Group) epoch.ID {
	t.Helper()
	id, err := g.DeriveEpochID()
	require.NoError(t, err)
	return id
}

func namespacesOf(ids ...epoch.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Namespace())
	}
	slices.Sort(out)
	return out
}

// pair is Alice and Bob in a two-member group at Alice's second epoch.
type pair struct {
	alice, bob *member
	ga, gb     *Group
	e0, e1     epoch.ID
}

func newPair(t *testing.T) *pair {
	t.Helper()
	ctx := context.Background()
	p := &pair{alice: newMember(t, "alice"), bob: newMember(t, "bob")}

	p.ga = p.alice.create(t)
	p.e0 = deriveID(t, p.ga)

	bundle, err := p.ga.AddMembers(ctx, p.alice.factory, p.alice.signer, []*mls.KeyPackage{p.bob.keyPackage(t)})
	require.NoError(t, err)
	require.NotNil(t, bundle.Welcome)
	require.NoError(t, p.ga.MergePendingCommit(ctx, p.alice.factory))
	p.e1 = deriveID(t, p.ga)

	p.gb, err = JoinFromWelcome(ctx, p.bob.factory, mls.JoinConfig{}, bundle.Welcome)
	require.NoError(t, err)
	return p
}

func stagedCommit(t *testing.T, pm *mls.ProcessedMessage) *mls.StagedCommit {
	t.Helper()
	sc, ok := pm.Content.(*mls.StagedCommit)
	require.True(t, ok, "content is %T, want *mls.StagedCommit", pm.Content)
	return sc
}
