// Package physicaltest provides the conformance suite every epochstore
// backend runs in its own tests.
package physicaltest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
)

// NewBackend returns a fresh, empty backend that is closed on cleanup.
type NewBackend func(t *testing.T) physical.Backend

// Run runs the full suite against backends produced by newBackend.
func Run(t *testing.T, newBackend NewBackend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, be physical.Backend)
	}{
		{"PutGet", testPutGet},
		{"GetNotFound", testGetNotFound},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"Keys", testKeys},
		{"NamespaceIsolation", testNamespaceIsolation},
		{"Clone", testClone},
		{"CloneReplacesDestination", testCloneReplaces},
		{"CloneEmptySource", testCloneEmptySource},
		{"CloneIndependence", testCloneIndependence},
		{"Drop", testDrop},
		{"Namespaces", testNamespaces},
		{"InvalidNamespace", testInvalidNamespace},
		{"Stats", testStats},
		{"ConcurrentNamespaces", testConcurrentNamespaces},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func mustPut(t *testing.T, be physical.Backend, ns, key, value string) {
	t.Helper()
	if err := be.Put(context.Background(), ns, key, []byte(value)); err != nil {
		t.Fatalf("Put(%s, %s): %v", ns, key, err)
	}
}

func mustGet(t *testing.T, be physical.Backend, ns, key, want string) {
	t.Helper()
	got, err := be.Get(context.Background(), ns, key)
	if err != nil {
		t.Fatalf("Get(%s, %s): %v", ns, key, err)
	}
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("Get(%s, %s) = %q, want %q", ns, key, got, want)
	}
}

func mustMissing(t *testing.T, be physical.Backend, ns, key string) {
	t.Helper()
	if _, err := be.Get(context.Background(), ns, key); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("Get(%s, %s) = %v, want ErrNotFound", ns, key, err)
	}
}

func mustKeys(t *testing.T, be physical.Backend, ns string, want ...string) {
	t.Helper()
	got, err := be.Keys(context.Background(), ns)
	if err != nil {
		t.Fatalf("Keys(%s): %v", ns, err)
	}
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Keys(%s) = %v, want %v", ns, got, want)
	}
}

func testPutGet(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "group_state/01", "state")
	mustGet(t, be, "aa", "group_state/01", "state")

	binary := []byte{0, 1, 2, 0xff, 0}
	if err := be.Put(context.Background(), "aa", "bin", binary); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := be.Get(context.Background(), "aa", "bin")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, binary) {
		t.Fatalf("Get = %x, want %x", got, binary)
	}
}

func testGetNotFound(t *testing.T, be physical.Backend) {
	mustMissing(t, be, "aa", "nope")
}

func testOverwrite(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "k", "v1")
	mustPut(t, be, "aa", "k", "v2")
	mustGet(t, be, "aa", "k", "v2")
}

func testDelete(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustPut(t, be, "aa", "k", "v")
	if err := be.Delete(ctx, "aa", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mustMissing(t, be, "aa", "k")
	if err := be.Delete(ctx, "aa", "k"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func testKeys(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "pending_commit/01", "p")
	mustPut(t, be, "aa", "group_state/01", "s")
	mustPut(t, be, "aa", "epoch_secrets/01", "e")
	mustKeys(t, be, "aa", "epoch_secrets/01", "group_state/01", "pending_commit/01")
	mustKeys(t, be, "bb")
}

func testNamespaceIsolation(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "k", "a")
	mustPut(t, be, "aab", "k", "b")
	mustGet(t, be, "aa", "k", "a")
	mustGet(t, be, "aab", "k", "b")
	mustKeys(t, be, "aa", "k")
}

func testClone(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "k1", "v1")
	mustPut(t, be, "aa", "k2", "v2")
	if err := be.Clone(context.Background(), "aa", "bb"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	mustGet(t, be, "bb", "k1", "v1")
	mustGet(t, be, "bb", "k2", "v2")
	mustGet(t, be, "aa", "k1", "v1")
	mustKeys(t, be, "bb", "k1", "k2")
}

func testCloneReplaces(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "k1", "new")
	mustPut(t, be, "bb", "k1", "old")
	mustPut(t, be, "bb", "stale", "x")
	if err := be.Clone(context.Background(), "aa", "bb"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	mustGet(t, be, "bb", "k1", "new")
	mustMissing(t, be, "bb", "stale")
}

func testCloneEmptySource(t *testing.T, be physical.Backend) {
	mustPut(t, be, "bb", "k", "v")
	if err := be.Clone(context.Background(), "aa", "bb"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	mustKeys(t, be, "bb")
}

func testCloneIndependence(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "k", "v1")
	if err := be.Clone(context.Background(), "aa", "bb"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	mustPut(t, be, "aa", "k", "v2")
	mustPut(t, be, "bb", "extra", "x")
	mustGet(t, be, "bb", "k", "v1")
	mustMissing(t, be, "aa", "extra")
}

func testDrop(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustPut(t, be, "aa", "k1", "v")
	mustPut(t, be, "aa", "k2", "v")
	mustPut(t, be, "bb", "k1", "v")
	if err := be.Drop(ctx, "aa"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	mustKeys(t, be, "aa")
	mustGet(t, be, "bb", "k1", "v")
	if err := be.Drop(ctx, "aa"); err != nil {
		t.Fatalf("Drop empty: %v", err)
	}
}

func testNamespaces(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	mustPut(t, be, "cc", "k", "v")
	mustPut(t, be, "aa", "k", "v")
	mustPut(t, be, "bootstrap", "k", "v")
	if err := be.Clone(ctx, "aa", "bb"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := be.Drop(ctx, "cc"); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	got, err := be.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	want := []string{"aa", "bb", "bootstrap"}
	if !slices.Equal(got, want) {
		t.Fatalf("Namespaces = %v, want %v", got, want)
	}
}

func testInvalidNamespace(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	for _, ns := range []string{"", "a/b", "a:b"} {
		if err := be.Put(ctx, ns, "k", []byte("v")); !errors.Is(err, physical.ErrInvalidNamespace) {
			t.Fatalf("Put(%q) = %v, want ErrInvalidNamespace", ns, err)
		}
	}
}

func testStats(t *testing.T, be physical.Backend) {
	mustPut(t, be, "aa", "k1", "v")
	mustPut(t, be, "aa", "k2", "v")
	mustPut(t, be, "bb", "k1", "v")
	st, err := be.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Namespaces != 2 || st.Records != 3 {
		t.Fatalf("Stats = %+v, want 2 namespaces, 3 records", st)
	}
	if st.BackendType == "" {
		t.Fatal("Stats.BackendType is empty")
	}
}

func testConcurrentNamespaces(t *testing.T, be physical.Backend) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src, dst := fmt.Sprintf("%02x", i), fmt.Sprintf("%02x", i+0x80)
			for j := range 5 {
				if err := be.Put(ctx, src, fmt.Sprintf("k%d", j), []byte{byte(i)}); err != nil {
					errs <- err
					return
				}
			}
			if err := be.Clone(ctx, src, dst); err != nil {
				errs <- err
				return
			}
			if err := be.Drop(ctx, src); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent op: %v", err)
	}

	got, err := be.Namespaces(ctx)
	if err != nil {
		t.Fatalf("Namespaces: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("Namespaces = %v, want 8 clones", got)
	}
	for i := range 8 {
		mustKeys(t, be, fmt.Sprintf("%02x", i+0x80), "k0", "k1", "k2", "k3", "k4")
	}
}

func testClosed(t *testing.T, be physical.Backend) {
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := be.Get(context.Background(), "aa", "k"); !errors.Is(err, physical.ErrClosed) {
		t.Fatalf("Get after Close = %v, want ErrClosed", err)
	}
}
