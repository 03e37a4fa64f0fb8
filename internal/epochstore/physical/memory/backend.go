// Package memory registers the "memory" backend: BadgerDB in in-memory
// mode, for tests and simulations whose epochs need not outlive the process.
package memory

import (
	"context"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/epochstore/physical/badger"
	"github.com/gezibash/arc-dmls/internal/storage"
)

func init() {
	physical.Register(physical.Descriptor{
		Name:     "memory",
		Summary:  "in-process BadgerDB, lost on exit",
		Factory:  NewFactory,
		Defaults: map[string]string{badger.KeyInMemory: "true"},
	})
}

// NewFactory ignores any path setting; the store is always in memory.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	forced := map[string]string{badger.KeyInMemory: "true", badger.KeyPath: ""}
	return badger.NewFactory(ctx, storage.NewOptions("memory", config, forced).Map())
}

// New returns a fresh, empty in-memory backend.
func New() (physical.Backend, error) {
	return NewFactory(context.Background(), nil)
}
