package epochstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical/memory"
	"github.com/gezibash/arc-dmls/internal/observability"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

func newTestFactory(t *testing.T, opts ...Option) *Factory {
	t.Helper()
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	f := NewFactory(be, opts...)
	t.Cleanup(func() { f.Close() })
	return f
}

func randomID(t *testing.T) epoch.ID {
	t.Helper()
	id, err := epoch.Random(rand.Reader, 32)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func testState(gid []byte, n uint64) *mls.GroupStateRecord {
	return &mls.GroupStateRecord{
		Context: mls.GroupContext{
			Ciphersuite: mls.DefaultCiphersuite,
			GroupID:     gid,
			Epoch:       n,
		},
		Generation: 3,
	}
}

func TestStoreRecords(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	s := f.StoreFor(randomID(t))
	gid := []byte("group-1")

	if _, err := s.GroupState(ctx, gid); !errors.Is(err, mls.ErrNotFound) {
		t.Fatalf("GroupState on empty store = %v, want mls.ErrNotFound", err)
	}

	if err := s.WriteGroupState(ctx, gid, testState(gid, 4)); err != nil {
		t.Fatalf("WriteGroupState: %v", err)
	}
	got, err := s.GroupState(ctx, gid)
	if err != nil {
		t.Fatalf("GroupState: %v", err)
	}
	if got.Context.Epoch != 4 || got.Generation != 3 || !bytes.Equal(got.Context.GroupID, gid) {
		t.Fatalf("GroupState = %+v", got)
	}

	key := &mls.EncryptionKeyPair{Public: []byte{1}, Private: []byte{2}}
	if err := s.WriteOwnLeafKey(ctx, gid, key); err != nil {
		t.Fatalf("WriteOwnLeafKey: %v", err)
	}
	gotKey, err := s.OwnLeafKey(ctx, gid)
	if err != nil {
		t.Fatalf("OwnLeafKey: %v", err)
	}
	if !bytes.Equal(gotKey.Private, key.Private) {
		t.Fatal("own leaf key changed in storage")
	}

	if err := s.DeletePendingCommit(ctx, gid); err != nil {
		t.Fatalf("DeletePendingCommit on missing record: %v", err)
	}
	if _, err := s.PendingCommit(ctx, gid); !errors.Is(err, mls.ErrNotFound) {
		t.Fatalf("PendingCommit = %v, want mls.ErrNotFound", err)
	}
}

func TestEpochSecretsRoundTrip(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	s := f.StoreFor(randomID(t))
	gid := []byte("group-1")

	cs := mls.DefaultCiphersuite
	pprf, err := mls.NewPPRF(cs, bytes.Repeat([]byte{7}, cs.HashLength())).Puncture(42)
	if err != nil {
		t.Fatal(err)
	}
	secrets := &mls.GroupEpochSecrets{
		Suite:            cs,
		InitSecret:       pprf,
		ExporterSecret:   []byte("exporter"),
		EncryptionSecret: []byte("encryption"),
		ConfirmationKey:  []byte("confirm"),
	}
	if err := s.WriteGroupEpochSecrets(ctx, gid, secrets); err != nil {
		t.Fatalf("WriteGroupEpochSecrets: %v", err)
	}
	got, err := s.GroupEpochSecrets(ctx, gid)
	if err != nil {
		t.Fatalf("GroupEpochSecrets: %v", err)
	}
	if !got.InitSecret.Equal(pprf) || !got.InitSecret.Punctured(42) {
		t.Fatal("init secret changed in storage")
	}
}

func TestStoreForIsStable(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	id := randomID(t)
	gid := []byte("g")

	if err := f.StoreFor(id).WriteGroupState(ctx, gid, testState(gid, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.StoreFor(id.Clone()).GroupState(ctx, gid); err != nil {
		t.Fatalf("second handle does not see the record: %v", err)
	}
	if got := f.ProviderFor(id).Epoch(); !got.Equal(id) {
		t.Fatalf("provider epoch = %s, want %s", got, id)
	}
	if _, err := f.ProviderFor(id).Storage().GroupState(ctx, gid); err != nil {
		t.Fatalf("provider storage does not see the record: %v", err)
	}
	if _, err := f.StoreFor(randomID(t)).GroupState(ctx, gid); !errors.Is(err, mls.ErrNotFound) {
		t.Fatal("records leaked into another epoch")
	}
}

func TestCloneIntoAndDelete(t *testing.T) {
	m := observability.NewMetrics()
	f := newTestFactory(t, WithMetrics(m), WithBackendName("memory"))
	ctx := context.Background()
	src, dst := randomID(t), randomID(t)
	gid := []byte("g")

	s := f.StoreFor(src)
	if err := s.WriteGroupState(ctx, gid, testState(gid, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteOwnLeafKey(ctx, gid, &mls.EncryptionKeyPair{Public: []byte{1}, Private: []byte{2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.CloneInto(ctx, dst); err != nil {
		t.Fatalf("CloneInto: %v", err)
	}

	// Mutating the copy leaves the source alone.
	d := f.StoreFor(dst)
	if err := d.WriteGroupState(ctx, gid, testState(gid, 2)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GroupState(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Context.Epoch != 1 {
		t.Fatalf("source epoch = %d after writing the clone", got.Context.Epoch)
	}

	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GroupState(ctx, gid); !errors.Is(err, mls.ErrNotFound) {
		t.Fatal("record survived Delete")
	}
	if _, err := d.OwnLeafKey(ctx, gid); err != nil {
		t.Fatalf("clone lost a record: %v", err)
	}

	if n := testutil.ToFloat64(m.NamespaceOps.WithLabelValues("clone", "memory", "ok")); n != 1 {
		t.Errorf("clone ops = %v, want 1", n)
	}
	if n := testutil.ToFloat64(m.NamespaceOps.WithLabelValues("drop", "memory", "ok")); n != 1 {
		t.Errorf("drop ops = %v, want 1", n)
	}
	if n := testutil.ToFloat64(m.RecordsCopied); n != 2 {
		t.Errorf("records copied = %v, want 2", n)
	}
}

func TestEpochs(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()
	a, b, other := randomID(t), randomID(t), randomID(t)
	gid := []byte("g")

	for _, id := range []epoch.ID{a, b} {
		if err := f.StoreFor(id).WriteGroupState(ctx, gid, testState(gid, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.StoreFor(other).WriteGroupState(ctx, []byte("h"), testState([]byte("h"), 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.StoreFor(epoch.Bootstrap).WriteKeyPackage(ctx, []byte("ref"), &mls.KeyPackageBundle{}); err != nil {
		t.Fatal(err)
	}

	got, err := f.Epochs(ctx, gid)
	if err != nil {
		t.Fatalf("Epochs: %v", err)
	}
	want := []epoch.ID{a, b}
	slices.SortFunc(want, epoch.ID.Compare)
	slices.SortFunc(got, epoch.ID.Compare)
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("Epochs = %v, want %v", got, want)
	}

	ns, err := f.Namespaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 4 || !slices.Contains(ns, "bootstrap") {
		t.Fatalf("Namespaces = %v", ns)
	}
}

func TestNamespacePrefix(t *testing.T) {
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()
	alice := NewFactory(be, WithNamespacePrefix("alice."))
	bob := NewFactory(be, WithNamespacePrefix("bob."))
	ctx := context.Background()
	id, next := randomID(t), randomID(t)
	gid := []byte("g")

	if err := alice.StoreFor(id).WriteGroupState(ctx, gid, testState(gid, 1)); err != nil {
		t.Fatal(err)
	}
	if err := bob.StoreFor(id).WriteGroupState(ctx, gid, testState(gid, 7)); err != nil {
		t.Fatal(err)
	}
	if err := alice.StoreFor(id).CloneInto(ctx, next); err != nil {
		t.Fatalf("CloneInto: %v", err)
	}

	got, err := bob.StoreFor(id).GroupState(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if got.Context.Epoch != 7 {
		t.Fatalf("bob sees epoch %d, want 7", got.Context.Epoch)
	}
	if _, err := bob.StoreFor(next).GroupState(ctx, gid); !errors.Is(err, mls.ErrNotFound) {
		t.Fatalf("clone leaked across prefixes: %v", err)
	}

	ns, err := alice.Namespaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{id.Namespace(), next.Namespace()}
	slices.Sort(want)
	if !slices.Equal(ns, want) {
		t.Fatalf("Namespaces = %v, want %v", ns, want)
	}
	epochs, err := bob.Epochs(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 1 || !epochs[0].Equal(id) {
		t.Fatalf("Epochs = %v", epochs)
	}
}

func TestOpen(t *testing.T) {
	f, err := Open(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if f.name != "memory" {
		t.Fatalf("backend label = %q", f.name)
	}
	if _, err := Open(context.Background(), "nope", nil, nil); err == nil {
		t.Fatal("Open accepted an unknown backend")
	}
}
