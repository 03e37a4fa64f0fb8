package epochstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/observability"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

// Factory hands out epoch-scoped stores and providers over one backend.
// It implements epoch.Factory.
type Factory struct {
	backend physical.Backend
	name    string
	prefix  string
	rand    io.Reader
	metrics *observability.Metrics
}

var _ epoch.Factory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithRand sets the randomness source handed to providers.
func WithRand(r io.Reader) Option {
	return func(f *Factory) { f.rand = r }
}

// WithMetrics records namespace clones and drops.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithBackendName sets the backend label used in metrics.
func WithBackendName(name string) Option {
	return func(f *Factory) { f.name = name }
}

// WithNamespacePrefix prefixes every namespace, so several members can
// share one backend. The prefix must itself be a valid namespace.
func WithNamespacePrefix(prefix string) Option {
	return func(f *Factory) { f.prefix = prefix }
}

// NewFactory creates a factory over backend.
func NewFactory(backend physical.Backend, opts ...Option) *Factory {
	f := &Factory{
		backend: backend,
		name:    "unknown",
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open creates the named backend and a factory over it.
func Open(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics, opts ...Option) (*Factory, error) {
	backend, err := physical.New(ctx, name, config, metrics)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithBackendName(name), WithMetrics(metrics)}, opts...)
	return NewFactory(backend, opts...), nil
}

// StoreFor returns the store of id. It does no I/O.
func (f *Factory) StoreFor(id epoch.ID) epoch.Store {
	return f.store(id)
}

func (f *Factory) store(id epoch.ID) *Store {
	id = id.Clone()
	return &Store{f: f, id: id, ns: f.namespace(id)}
}

func (f *Factory) namespace(id epoch.ID) string {
	return f.prefix + id.Namespace()
}

// ProviderFor returns a protocol execution context bound to the store of id.
func (f *Factory) ProviderFor(id epoch.ID) epoch.Provider {
	return &Provider{store: f.store(id), rand: f.rand}
}

// Rand returns the factory's randomness source.
func (f *Factory) Rand() io.Reader { return f.rand }

// Backend returns the underlying physical backend.
func (f *Factory) Backend() physical.Backend { return f.backend }

// Namespaces lists every non-empty epoch namespace under the factory's
// prefix, with the prefix removed.
func (f *Factory) Namespaces(ctx context.Context) ([]string, error) {
	all, err := f.backend.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, ns := range all {
		if rest, ok := strings.CutPrefix(ns, f.prefix); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

// Keys lists the record keys held by the epoch id.
func (f *Factory) Keys(ctx context.Context, id epoch.ID) ([]string, error) {
	return f.store(id).Keys(ctx)
}

// Epochs lists the epochs holding group state for groupID.
func (f *Factory) Epochs(ctx context.Context, groupID []byte) ([]epoch.ID, error) {
	namespaces, err := f.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	key := recordKey(KindGroupState, groupID)
	var out []epoch.ID
	for _, ns := range namespaces {
		_, err := f.backend.Get(ctx, f.prefix+ns, key)
		if errors.Is(err, physical.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ns, err)
		}
		id, err := epoch.Parse(ns)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Close closes the backend.
func (f *Factory) Close() error {
	return f.backend.Close()
}

// Provider is an epoch-scoped mls.Provider.
type Provider struct {
	store *Store
	rand  io.Reader
}

var _ epoch.Provider = (*Provider)(nil)

func (p *Provider) Storage() mls.Storage { return p.store }
func (p *Provider) Rand() io.Reader      { return p.rand }
func (p *Provider) Epoch() epoch.ID      { return p.store.Epoch() }
func (p *Provider) Store() epoch.Store   { return p.store }
