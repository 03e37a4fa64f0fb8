// Package physical provides the namespaced key/value backends that hold
// epoch state.
//
// A namespace holds the records of exactly one epoch. Clone and Drop act on
// a whole namespace and are all-or-nothing: a reader never observes a
// partially copied or partially dropped namespace.
package physical

import (
	"context"
	"fmt"
	"strings"

	arcerrors "github.com/gezibash/arc-dmls/pkg/errors"
)

var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = fmt.Errorf("record %w", arcerrors.ErrNotFound)

	// ErrClosed indicates the backend has been closed.
	ErrClosed = fmt.Errorf("backend %w", arcerrors.ErrClosed)

	// ErrInvalidNamespace indicates an empty or malformed namespace name.
	ErrInvalidNamespace = fmt.Errorf("namespace: %w", arcerrors.ErrInvalidInput)
)

// Stats contains storage statistics.
type Stats struct {
	Namespaces  int
	Records     int64
	SizeBytes   int64
	BackendType string
}

// Backend is the physical storage interface for epoch state.
// All implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Put(ctx context.Context, ns, key string, value []byte) error
	// Delete removes one record. Deleting a missing record succeeds.
	Delete(ctx context.Context, ns, key string) error
	// Keys lists the record keys of ns in ascending order.
	Keys(ctx context.Context, ns string) ([]string, error)

	// Clone replaces dst with a copy of src. Cloning an empty src leaves
	// dst empty.
	Clone(ctx context.Context, src, dst string) error
	// Drop removes every record of ns.
	Drop(ctx context.Context, ns string) error
	// Namespaces lists every non-empty namespace in ascending order.
	Namespaces(ctx context.Context) ([]string, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// ValidNamespace reports whether ns can be used as a namespace name.
// Names are lowercase hex or "bootstrap"; backends rely on them never
// containing a separator.
func ValidNamespace(ns string) bool {
	if ns == "" || len(ns) > 256 {
		return false
	}
	return !strings.ContainsAny(ns, "/:\x00 ")
}
