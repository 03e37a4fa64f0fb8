// Package sqlite provides a SQLite-backed epoch state backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeySynchronous = "synchronous"
)

func init() {
	physical.Register(physical.Descriptor{
		Name:     "sqlite",
		Summary:  "single SQLite file, one row per record",
		Durable:  true,
		Factory:  NewFactory,
		Defaults: Defaults(),
	})
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arc/dmls/epochs.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeySynchronous: "full",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
    ns      TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   BLOB NOT NULL,
    PRIMARY KEY (ns, key)
) WITHOUT ROWID;
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	o := storage.NewOptions("sqlite", config)

	path, err := o.Path(KeyPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, o.Fail(KeyPath, "create directory", err)
	}
	busyTimeout, err := o.Int(KeyBusyTimeout, 5000, 0)
	if err != nil {
		return nil, err
	}
	journalMode := o.String(KeyJournalMode, "wal")
	synchronous := o.String(KeySynchronous, "full")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=synchronous(%s)",
		path, journalMode, busyTimeout, synchronous)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, o.Fail(KeyPath, "open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, o.Fail(KeyPath, "initialize schema", err)
	}

	slog.Info("sqlite epochstore initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend. Clone and Drop
// each run in a single transaction.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
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
func (b *Backend) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE ns = ? AND key = ?`, ns, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return value, nil
}

// Put stores one record.
func (b *Backend) Put(ctx context.Context, ns, key string, value []byte) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (ns, key, value) VALUES (?, ?, ?)`, ns, key, value,
	); err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete removes one record.
func (b *Backend) Delete(ctx context.Context, ns, key string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE ns = ? AND key = ?`, ns, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Keys lists the record keys of ns.
func (b *Backend) Keys(ctx context.Context, ns string) ([]string, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}
	return b.queryStrings(ctx, "sqlite keys",
		`SELECT key FROM records WHERE ns = ? ORDER BY key`, ns)
}

// Clone replaces dst with a copy of src in one transaction.
func (b *Backend) Clone(ctx context.Context, src, dst string) error {
	if err := b.check(src); err != nil {
		return err
	}
	if err := b.check(dst); err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite clone: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE ns = ?`, dst); err != nil {
		return fmt.Errorf("sqlite clone: clear %s: %w", dst, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (ns, key, value) SELECT ?, key, value FROM records WHERE ns = ?`, dst, src,
	); err != nil {
		return fmt.Errorf("sqlite clone: copy %s -> %s: %w", src, dst, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite clone: commit: %w", err)
	}
	return nil
}

// Drop removes every record of ns.
func (b *Backend) Drop(ctx context.Context, ns string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE ns = ?`, ns); err != nil {
		return fmt.Errorf("sqlite drop %s: %w", ns, err)
	}
	return nil
}

// Namespaces lists every non-empty namespace.
func (b *Backend) Namespaces(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return b.queryStrings(ctx, "sqlite namespaces",
		`SELECT DISTINCT ns FROM records ORDER BY ns`)
}

func (b *Backend) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var namespaces int
	var records, size int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT ns), COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM records`,
	).Scan(&namespaces, &records, &size)
	if err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}

	return &physical.Stats{
		Namespaces:  namespaces,
		Records:     records,
		SizeBytes:   size,
		BackendType: "sqlite",
	}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
