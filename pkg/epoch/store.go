package epoch

import (
	"context"
	"io"

	"github.com/gezibash/arc-dmls/pkg/mls"
)

// Store is the protocol core's storage scoped to exactly one epoch.
// CloneInto and Delete are all-or-nothing.
type Store interface {
	mls.Storage

	// Epoch returns the epoch this store is scoped to.
	Epoch() ID

	// CloneInto copies every record of this epoch into dst, replacing
	// whatever dst held. The source is left intact.
	CloneInto(ctx context.Context, dst ID) error

	// Delete removes every record of this epoch.
	Delete(ctx context.Context) error
}

// Provider is a protocol-core execution context bound to one epoch.
type Provider interface {
	mls.Provider
	Epoch() ID
	Store() Store
}

// Factory hands out stores and providers scoped to an epoch. StoreFor and
// ProviderFor do no I/O; two calls with the same id address the same
// namespace.
type Factory interface {
	StoreFor(id ID) Store
	ProviderFor(id ID) Provider
	Rand() io.Reader
}
