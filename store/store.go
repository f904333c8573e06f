// Package store provides the expiring key-value backends the item cache is
// built on. Expiry is enforced by the backend, never by callers.
package store

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds a single backend operation.
const DefaultQueryTimeout = 5 * time.Second

// Store is a networked (or local) key-value store with per-key expiry.
type Store interface {
	// SetEx stores value under key, expiring after ttl.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key. found is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// GetMany returns one slot per key, nil for absent keys.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// ExistsMany reports presence for each key, in order.
	ExistsMany(ctx context.Context, keys []string) ([]bool, error)

	// Delete removes keys. Absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

type config struct {
	queryTimeout time.Duration
	prefix       string
}

// Option configures a Store implementation.
type Option func(*config)

// WithQueryTimeout sets the per-operation timeout. Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix namespaces every key as "<prefix>:<key>".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c config) prefixKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
