// Package dmls keeps several epochs of one group alive side by side.
//
// Every state change runs under a disposable scratch epoch, and the result
// is migrated to the epoch id derived from the new state. Merging a commit
// punctures the source epoch's init secret, so the source epoch keeps
// serving other messages while the merged commit can never be processed
// from it again.
package dmls

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-dmls/internal/observability"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/logging"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

// Option configures a Group.
type Option func(*options)

type options struct {
	logger  *logging.Logger
	metrics *observability.Metrics
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Group is one member's view of a group at one epoch. It holds the protocol
// handle and routes every operation to the storage of the current epoch.
// A Group is not safe for concurrent use, and two operations must not
// mutate the same epoch concurrently.
type Group struct {
	inner   *mls.Group
	log     *logging.Logger
	metrics *observability.Metrics

	// poisoned is set by a failed fork; every later call returns it.
	poisoned error
}

func newGroup(inner *mls.Group, opts []Option) *Group {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(nil)
	}
	return &Group{
		inner:   inner,
		log:     o.logger.WithComponent("dmls").WithGroup(inner.GroupID()),
		metrics: o.metrics,
	}
}

func startOp(ctx context.Context, m *observability.Metrics, name string, groupID []byte) (*observability.Operation, context.Context) {
	var attrs []attribute.KeyValue
	if groupID != nil {
		attrs = append(attrs, attribute.String("group", logging.FormatID(groupID)))
	}
	return observability.StartOperation(ctx, m, name, attrs...)
}

func endOp(op *observability.Operation, err error) {
	var inconsistent *InconsistentStateError
	var storageErr *StorageError
	switch {
	case err == nil:
	case errors.As(err, &inconsistent):
		op.SetErrorKind("inconsistent")
	case errors.As(err, &storageErr):
		op.SetErrorKind("storage")
	default:
		op.SetErrorKind("protocol")
	}
	op.End(err)
}

// suiteOf returns the configured suite, or the default when unset.
func suiteOf(cfg mls.GroupConfig) (mls.Ciphersuite, error) {
	cs := cfg.Ciphersuite
	if cs == 0 {
		cs = mls.DefaultCiphersuite
	}
	if !cs.Valid() {
		return 0, fmt.Errorf("%w: %s", mls.ErrUnsupportedCiphersuite, cs)
	}
	return cs, nil
}

// Create builds a new one-member group and stores it under the epoch id
// derived from its initial state.
func Create(ctx context.Context, factory epoch.Factory, signer mls.Signer, cfg mls.GroupConfig, cred mls.CredentialWithKey, opts ...Option) (g *Group, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	op, ctx := startOp(ctx, o.metrics, "dmls.create", nil)
	defer func() { endOp(op, err) }()

	cs, err := suiteOf(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Ciphersuite = cs

	scratch, err := epoch.Random(factory.Rand(), cs.HashLength())
	if err != nil {
		return nil, err
	}
	inner, err := mls.NewGroup(ctx, factory.ProviderFor(scratch), signer, cfg, cred)
	if err != nil {
		// The build may have written some records before failing.
		_ = factory.StoreFor(scratch).Delete(ctx)
		return nil, fmt.Errorf("build group: %w", err)
	}

	g = newGroup(inner, opts)
	id, err := g.migrate(ctx, factory, "create", nil, scratch, 3)
	if err != nil {
		return nil, err
	}
	g.log.InfoContext(ctx, "group created", "epoch", id.Short(), "suite", cs.String())
	return g, nil
}

// JoinFromWelcome joins a group from a welcome. Key package bundles are
// read from cfg.KeyPackages, or from the factory's bootstrap store when
// that is nil, which is where NewKeyPackage puts them.
func JoinFromWelcome(ctx context.Context, factory epoch.Factory, cfg mls.JoinConfig, welcome *mls.Welcome, opts ...Option) (g *Group, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	op, ctx := startOp(ctx, o.metrics, "dmls.join", nil)
	defer func() { endOp(op, err) }()

	if !welcome.Ciphersuite.Valid() {
		return nil, fmt.Errorf("%w: %s", mls.ErrUnsupportedCiphersuite, welcome.Ciphersuite)
	}
	if cfg.KeyPackages == nil {
		cfg.KeyPackages = factory.StoreFor(epoch.Bootstrap)
	}

	scratch, err := epoch.Random(factory.Rand(), welcome.Ciphersuite.HashLength())
	if err != nil {
		return nil, err
	}
	inner, err := mls.NewGroupFromWelcome(ctx, factory.ProviderFor(scratch), cfg, welcome)
	if err != nil {
		_ = factory.StoreFor(scratch).Delete(ctx)
		return nil, fmt.Errorf("join group: %w", err)
	}

	g = newGroup(inner, opts)
	id, err := g.migrate(ctx, factory, "join", nil, scratch, 3)
	if err != nil {
		return nil, err
	}
	g.log.InfoContext(ctx, "joined group", "epoch", id.Short(), "leaf", inner.OwnLeafIndex())
	return g, nil
}

// NewKeyPackage creates a key package whose private material is kept in
// the factory's bootstrap store, where JoinFromWelcome looks for it.
func NewKeyPackage(ctx context.Context, factory epoch.Factory, cs mls.Ciphersuite, signer mls.Signer, cred mls.Credential) (*mls.KeyPackage, error) {
	kp, err := mls.NewKeyPackage(ctx, factory.ProviderFor(epoch.Bootstrap), cs, signer, cred)
	if err != nil {
		return nil, fmt.Errorf("create key package: %w", err)
	}
	return kp, nil
}

// LoadForEpoch rebuilds the view of groupID stored under id.
func LoadForEpoch(ctx context.Context, factory epoch.Factory, id epoch.ID, groupID []byte, opts ...Option) (*Group, error) {
	inner, err := mls.LoadGroup(ctx, factory.StoreFor(id), groupID)
	if errors.Is(err, mls.ErrGroupNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id.Short())
	}
	if err != nil {
		return nil, wrapStorage("load", id, err)
	}
	g := newGroup(inner, opts)

	if inner.IsActive() {
		derived, err := g.DeriveEpochID()
		if err != nil {
			return nil, err
		}
		if !derived.Equal(id) {
			return nil, wrapStorage("load", id, fmt.Errorf("stored state belongs to epoch %s", derived.Short()))
		}
	}
	g.log.DebugContext(ctx, "loaded view", "epoch", id.Short(), "state", inner.State().String())
	return g, nil
}

func (g *Group) check() error {
	return g.poisoned
}

// DeriveEpochID exports the current epoch id from the group state.
func (g *Group) DeriveEpochID() (epoch.ID, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	id, err := g.inner.ExportSecret(epoch.Label, nil, g.inner.Ciphersuite().HashLength())
	if err != nil {
		return nil, fmt.Errorf("derive epoch id: %w", err)
	}
	return epoch.ID(id), nil
}

// migrate moves the state built under scratch to the epoch derived from
// the handle, then drops scratch. from is the epoch the fork started at,
// if any; step numbers the derivation for error reports.
func (g *Group) migrate(ctx context.Context, factory epoch.Factory, op string, from, scratch epoch.ID, step int) (epoch.ID, error) {
	id, err := g.DeriveEpochID()
	if err != nil {
		return nil, g.fail(ctx, factory, op, step, from, scratch, err)
	}
	g.log.DebugContext(ctx, "migrating scratch epoch", "op", op, "scratch", scratch.Short(), "epoch", id.Short())

	if err := factory.StoreFor(scratch).CloneInto(ctx, id); err != nil {
		return nil, g.fail(ctx, factory, op, step+1, from, scratch, err)
	}
	if err := factory.StoreFor(scratch).Delete(ctx); err != nil {
		return nil, g.fail(ctx, factory, op, step+1, from, scratch, err)
	}
	return id, nil
}

// fail drops scratch best effort, poisons the view and returns the
// inconsistent-state error.
func (g *Group) fail(ctx context.Context, factory epoch.Factory, op string, step int, from, scratch epoch.ID, cause error) error {
	e := &InconsistentStateError{Op: op, Step: step, Epoch: from.Clone(), Err: cause}
	if scratch != nil {
		if err := factory.StoreFor(scratch).Delete(ctx); err != nil {
			e.Scratch = scratch.Clone()
			g.log.WarnContext(ctx, "scratch epoch left behind", "scratch", scratch.String(), "error", err)
		}
	}
	g.poisoned = e
	g.log.ErrorContext(ctx, "fork failed, view disabled", "op", op, "step", step, "error", cause)
	return e
}

// --- Pass-through accessors ---

// GroupID returns the group identifier.
func (g *Group) GroupID() []byte { return g.inner.GroupID() }

// Epoch returns the numeric epoch.
func (g *Group) Epoch() uint64 { return g.inner.Epoch() }

// Ciphersuite returns the group's ciphersuite.
func (g *Group) Ciphersuite() mls.Ciphersuite { return g.inner.Ciphersuite() }

// OwnLeafIndex returns this member's leaf index.
func (g *Group) OwnLeafIndex() mls.LeafIndex { return g.inner.OwnLeafIndex() }

// Members lists the current members.
func (g *Group) Members() []mls.Member { return g.inner.Members() }

// State returns the lifecycle state.
func (g *Group) State() mls.GroupState { return g.inner.State() }

// PendingCommit returns the staged self-authored commit, if any.
func (g *Group) PendingCommit() *mls.StagedCommit { return g.inner.PendingCommit() }

// IsActive reports whether this member is still in the group.
func (g *Group) IsActive() bool { return g.inner.IsActive() }

// ExportSecret derives a secret from the current epoch.
func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	return g.inner.ExportSecret(label, context, length)
}
