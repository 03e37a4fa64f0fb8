// Package redis provides a Redis-backed epoch state backend. Each namespace
// is one hash; Clone and Drop are single server-side operations.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"

	scanBatchSize = 500
)

func init() {
	physical.Register(physical.Descriptor{
		Name:     "redis",
		Summary:  "Redis hashes, one per namespace",
		Durable:  true,
		Factory:  NewFactory,
		Defaults: Defaults(),
	})
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "2",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "arc:dmls:",
	}
}

// cloneScript replaces KEYS[2] with a copy of KEYS[1], or deletes KEYS[2]
// when KEYS[1] does not exist.
var cloneScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('COPY', KEYS[1], KEYS[2], 'REPLACE')
end
return redis.call('DEL', KEYS[2])
`)

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	o := storage.NewOptions("redis", config)

	addr, err := o.Required(KeyAddr)
	if err != nil {
		return nil, err
	}
	db, err := o.Int(KeyDB, 2, 0)
	if err != nil {
		return nil, err
	}
	maxRetries, err := o.Int(KeyMaxRetries, 3, -1)
	if err != nil {
		return nil, err
	}
	poolSize, err := o.Int(KeyPoolSize, 0, 0)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:       addr,
		Password:   o.String(KeyPassword, ""),
		DB:         db,
		MaxRetries: maxRetries,
		PoolSize:   poolSize,
	}
	for key, dst := range map[string]*time.Duration{
		KeyDialTimeout:  &opts.DialTimeout,
		KeyReadTimeout:  &opts.ReadTimeout,
		KeyWriteTimeout: &opts.WriteTimeout,
	} {
		if *dst, err = o.Duration(key, 5*time.Second); err != nil {
			return nil, err
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, o.Fail(KeyAddr, "ping failed", err)
	}

	keyPrefix := o.String(KeyKeyPrefix, "arc:dmls:")
	slog.Info("redis epochstore initialized", "addr", addr, "db", db, "key_prefix", keyPrefix)
	return NewWithClient(client, keyPrefix), nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a backend over an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "arc:dmls:"
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) nsKey(ns string) string {
	return b.prefix + "ns:" + ns
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
	data, err := b.client.HGet(ctx, b.nsKey(ns), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Put stores one record.
func (b *Backend) Put(ctx context.Context, ns, key string, value []byte) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if err := b.client.HSet(ctx, b.nsKey(ns), key, value).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete removes one record.
func (b *Backend) Delete(ctx context.Context, ns, key string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if err := b.client.HDel(ctx, b.nsKey(ns), key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys lists the record keys of ns.
func (b *Backend) Keys(ctx context.Context, ns string) ([]string, error) {
	if err := b.check(ns); err != nil {
		return nil, err
	}
	keys, err := b.client.HKeys(ctx, b.nsKey(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Clone replaces dst with a copy of src. Requires Redis 6.2 for COPY.
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
	if err := cloneScript.Run(ctx, b.client, []string{b.nsKey(src), b.nsKey(dst)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis clone %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Drop removes every record of ns.
func (b *Backend) Drop(ctx context.Context, ns string) error {
	if err := b.check(ns); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.nsKey(ns)).Err(); err != nil {
		return fmt.Errorf("redis drop %s: %w", ns, err)
	}
	return nil
}

// Namespaces lists every non-empty namespace.
func (b *Backend) Namespaces(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	prefix := b.nsKey("")
	var out []string
	iter := b.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis namespaces: %w", err)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	namespaces, err := b.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	pipe := b.client.Pipeline()
	lens := make([]*redis.IntCmd, len(namespaces))
	for i, ns := range namespaces {
		lens[i] = pipe.HLen(ctx, b.nsKey(ns))
	}
	if _, err := pipe.Exec(ctx); err != nil && len(namespaces) > 0 {
		return nil, fmt.Errorf("redis stats: %w", err)
	}

	var records int64
	for _, cmd := range lens {
		records += cmd.Val()
	}
	return &physical.Stats{
		Namespaces:  len(namespaces),
		Records:     records,
		BackendType: "redis",
	}, nil
}

// Close closes the Redis client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
