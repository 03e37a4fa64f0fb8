package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/epochstore/physical/physicaltest"
	"github.com/gezibash/arc-dmls/internal/storage"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	cfg := map[string]string{KeyPath: filepath.Join(t.TempDir(), "test.db")}
	be, err := NewFactory(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestConformance(t *testing.T) {
	physicaltest.Run(t, newTestBackend)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := map[string]string{KeyPath: filepath.Join(t.TempDir(), "test.db")}

	be, err := NewFactory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := be.Put(ctx, "aa", "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := be.Clone(ctx, "aa", "bb"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	be.Close()

	be, err = NewFactory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()
	got, err := be.Get(ctx, "bb", "k")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get = %q", got)
	}
}

func TestEmptyValue(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	if err := be.Put(ctx, "aa", "k", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := be.Get(ctx, "aa", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Get = %q, want empty", got)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]string
	}{
		{"empty path", map[string]string{KeyPath: ""}},
		{"bad busy timeout", map[string]string{KeyPath: filepath.Join(t.TempDir(), "x.db"), KeyBusyTimeout: "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(context.Background(), tt.cfg)
			var ce *storage.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("got %v, want *storage.ConfigError", err)
			}
		})
	}
}
