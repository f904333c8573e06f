// Package cache stores upstream items in an expiring key-value store together
// with the instant they were written, and answers freshness questions about them.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// AnyAge disables the max-age check: an entry that exists is fresh.
const AnyAge time.Duration = -1

// Entry represents a cached item with its write time
type Entry struct {
	Key  string          `json:"key"`
	Body json.RawMessage `json:"body"`
	// InsertedAt is zero when the write time is unknown.
	InsertedAt time.Time `json:"inserted_at"`
}

// FreshAt reports whether the entry satisfies maxAge at now.
// With AnyAge, existence is sufficient. Otherwise an entry of unknown age is stale.
func (e *Entry) FreshAt(maxAge time.Duration, now time.Time) bool {
	if e == nil {
		return false
	}
	if maxAge < 0 {
		return true
	}
	if e.InsertedAt.IsZero() {
		return false
	}
	return e.InsertedAt.After(now.Add(-maxAge))
}

// Seconds converts an integer count of seconds into a max-age or expiry.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Reader defines the interface for reading cache entries
type Reader interface {
	// Read retrieves an entry by key. A nil entry means the key is absent,
	// unless raiseIfAbsent is set, in which case a *NotFoundError is returned.
	Read(ctx context.Context, key string, raiseIfAbsent bool) (*Entry, error)

	// ReadMany retrieves entries for keys in order, nil for absent keys.
	ReadMany(ctx context.Context, keys []string) ([]*Entry, error)

	// IsValid reports whether key exists and satisfies maxAge.
	IsValid(ctx context.Context, key string, maxAge time.Duration) (bool, error)
}

// Writer defines the interface for writing cache entries
type Writer interface {
	// Write stores payload under key. expiry <= 0 selects the default duration;
	// every expiry is clamped to the configured maximum.
	Write(ctx context.Context, key string, payload json.RawMessage, expiry time.Duration) error

	// Delete removes keys. With raiseIfAbsent, nothing is deleted unless every key exists.
	Delete(ctx context.Context, keys []string, raiseIfAbsent bool) error
}

// ReadWriter combines both cache operations
type ReadWriter interface {
	Reader
	Writer
}
