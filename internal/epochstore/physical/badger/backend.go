// Package badger provides a BadgerDB-backed epoch state backend.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/storage"
)

// Keys are laid out as "ns/<namespace>/<record key>".
const nsPrefix = "ns/"

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

func init() {
	physical.Register(physical.Descriptor{
		Name:     "badger",
		Summary:  "embedded BadgerDB with namespaced key prefixes",
		Durable:  true,
		Factory:  NewFactory,
		Defaults: Defaults(),
	})
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc/dmls/epochs",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: "256MiB",
		KeyMemTableSize:     "64MiB",
		KeyInMemory:         "false",
	}
}

// NewFactory creates a BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	o := storage.NewOptions("badger", config)

	inMemory, err := o.Bool(KeyInMemory, false)
	if err != nil {
		return nil, err
	}
	if inMemory {
		return newInMemory(o)
	}

	path, err := o.Path(KeyPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, o.Fail(KeyPath, "create directory", err)
	}

	syncWrites, err := o.Bool(KeySyncWrites, true)
	if err != nil {
		return nil, err
	}
	valueLogFileSize, err := o.Size(KeyValueLogFileSize, 256<<20)
	if err != nil {
		return nil, err
	}
	memTableSize, err := o.Size(KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(syncWrites)
	if valueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(valueLogFileSize)
	}
	if memTableSize > 0 {
		opts = opts.WithMemTableSize(memTableSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, o.Fail(KeyPath, "open database", err)
	}

	slog.Info("badger epochstore initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db, "badger"), nil
}

func newInMemory(o storage.Options) (*Backend, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, o.Fail(KeyInMemory, "open in-memory database", err)
	}
	slog.Debug("badger epochstore initialized (in-memory)")
	return NewWithDB(db, "memory"), nil
}

// Backend is a BadgerDB implementation of physical.Backend. Clone and Drop
// each run in a single read-write transaction.
type Backend struct {
	db     *badger.DB
	name   string
	closed atomic.Bool
}

// NewWithDB wraps an open BadgerDB. name is reported in Stats.
func NewWithDB(db *badger.DB, name string) *Backend {
	return &Backend{db: db, name: name}
}

func recordKey(ns, key string) []byte {
	return []byte(nsPrefix + ns + "/" + key)
}

func nsKeyPrefix(ns string) []byte {
	return []byte(nsPrefix + ns + "/")
}

func (b *Backend) check(ns string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if !physical.ValidNamespace(ns) {
		return fmt.Errorf("%w: %q", physical.ErrInvalidNamespace, ns)
	}
	return nil
}

// Get retrieves one record.
func (b *Backend) Get(_ context.Context, ns, key string) ([]byte, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(ns, key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return data, nil
}

// Put stores one record.
func (b *Backend) Put(_ context.Context, ns, key string, value []byte) error {
	if err := b.check(ns); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(ns, key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Delete removes one record.
func (b *Backend) Delete(_ context.Context, ns, key string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(ns, key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// scan calls fn for every record of ns in key order.
func scan(txn *badger.Txn, ns string, values bool, fn func(key string, item *badger.Item) error) error {
	prefix := nsKeyPrefix(ns)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if err := fn(strings.TrimPrefix(string(item.Key()), string(prefix)), item); err != nil {
			return err
		}
	}
	return nil
}

// Keys lists the record keys of ns.
func (b *Backend) Keys(_ context.Context, ns string) ([]string, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, ns, false, func(key string, _ *badger.Item) error {
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badger keys: %w", err)
	}
	return keys, nil
}

func dropIn(txn *badger.Txn, ns string) error {
	var keys [][]byte
	err := scan(txn, ns, false, func(_ string, item *badger.Item) error {
		keys = append(keys, item.KeyCopy(nil))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Clone replaces dst with a copy of src in one transaction.
func (b *Backend) Clone(_ context.Context, src, dst string) error {
	if err := b.check(src); err != nil {
		return err
	}
	if err := b.check(dst); err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		type kv struct {
			key   string
			value []byte
		}
		var records []kv
		err := scan(txn, src, true, func(key string, item *badger.Item) error {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			records = append(records, kv{key, v})
			return nil
		})
		if err != nil {
			return err
		}
		if err := dropIn(txn, dst); err != nil {
			return err
		}
		for _, r := range records {
			if err := txn.Set(recordKey(dst, r.key), r.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger clone %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Drop removes every record of ns in one transaction.
func (b *Backend) Drop(_ context.Context, ns string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error { return dropIn(txn, ns) }); err != nil {
		return fmt.Errorf("badger drop %s: %w", ns, err)
	}
	return nil
}

// Namespaces lists every non-empty namespace.
func (b *Backend) Namespaces(_ context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(nsPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(nsPrefix)); it.ValidForPrefix([]byte(nsPrefix)); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), nsPrefix)
			ns, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			if len(out) == 0 || out[len(out)-1] != ns {
				out = append(out, ns)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger namespaces: %w", err)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	namespaces, err := b.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var records int64
	err = b.db.View(func(txn *badger.Txn) error {
		for _, ns := range namespaces {
			if err := scan(txn, ns, false, func(string, *badger.Item) error {
				records++
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger stats: %w", err)
	}

	lsm, vlog := b.db.Size()
	return &physical.Stats{
		Namespaces:  len(namespaces),
		Records:     records,
		SizeBytes:   lsm + vlog,
		BackendType: b.name,
	}, nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
