package physical

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/gezibash/arc-dmls/internal/observability"
	"github.com/gezibash/arc-dmls/internal/storage"
)

// Factory creates a backend from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// Descriptor describes a registered backend.
type Descriptor struct {
	Name    string
	Summary string
	// Durable backends keep epoch state across process restarts.
	Durable  bool
	Factory  Factory
	Defaults map[string]string
}

var registry struct {
	sync.RWMutex
	byName map[string]Descriptor
}

// Register makes a backend available to New. It panics on an empty or
// duplicate name or a nil factory.
func Register(d Descriptor) {
	if d.Name == "" || d.Factory == nil {
		panic("epochstore backend registered without a name or factory")
	}
	registry.Lock()
	defer registry.Unlock()
	if registry.byName == nil {
		registry.byName = make(map[string]Descriptor)
	}
	if _, dup := registry.byName[d.Name]; dup {
		panic(fmt.Sprintf("epochstore backend %q already registered", d.Name))
	}
	d.Defaults = maps.Clone(d.Defaults)
	registry.byName[d.Name] = d
}

// Lookup returns the descriptor registered as name. The returned Defaults
// may be modified by the caller.
func Lookup(name string) (Descriptor, bool) {
	registry.RLock()
	defer registry.RUnlock()
	d, ok := registry.byName[name]
	d.Defaults = maps.Clone(d.Defaults)
	return d, ok
}

// Backends returns every registered descriptor ordered by name.
func Backends() []Descriptor {
	registry.RLock()
	out := make([]Descriptor, 0, len(registry.byName))
	for _, d := range registry.byName {
		d.Defaults = maps.Clone(d.Defaults)
		out = append(out, d)
	}
	registry.RUnlock()
	slices.SortFunc(out, func(a, b Descriptor) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Names returns the registered backend names in order.
func Names() []string {
	ds := Backends()
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}

// New creates the backend registered as name. config is layered over the
// backend's defaults.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (backend Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "epochstore.physical.new")
	defer func() { op.End(err) }()

	d, ok := Lookup(name)
	if !ok {
		op.SetErrorKind("config")
		return nil, &storage.ConfigError{
			Backend: name,
			Reason:  fmt.Sprintf("not registered (available: %s)", strings.Join(Names(), ", ")),
		}
	}

	backend, err = d.Factory(ctx, storage.NewOptions(name, d.Defaults, config).Map())
	if err != nil {
		op.SetErrorKind("config")
		return nil, err
	}

	slog.InfoContext(ctx, "epochstore backend created", "backend", name, "durable", d.Durable)
	return backend, nil
}
