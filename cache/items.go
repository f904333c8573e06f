package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/briangreenhill/apicache/store"
)

const (
	// DefaultExpiry applies when a write carries no expiry of its own.
	DefaultExpiry = 600 * time.Second
	// MaxExpiry is the ceiling every expiry is clamped to.
	MaxExpiry = 86400 * time.Second
)

// record is the stored form of an Entry. Payload and write time share one
// key, so they always expire together.
type record struct {
	Body       []byte `msgpack:"b"`
	InsertedAt int64  `msgpack:"t,omitempty"` // unix nanoseconds, 0 = unknown
}

// Items implements ReadWriter on top of a key-value store.
type Items struct {
	kv            store.Store
	defaultExpiry time.Duration
	maxExpiry     time.Duration
	now           func() time.Time
}

var _ ReadWriter = (*Items)(nil)

type Option func(*Items)

// WithDefaultExpiry sets the expiry used when Write is called with expiry <= 0.
func WithDefaultExpiry(d time.Duration) Option {
	return func(it *Items) { it.defaultExpiry = d }
}

// WithMaxExpiry sets the expiry ceiling.
func WithMaxExpiry(d time.Duration) Option {
	return func(it *Items) { it.maxExpiry = d }
}

// WithClock overrides the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(it *Items) { it.now = now }
}

// NewItems creates an item cache over kv.
func NewItems(kv store.Store, opts ...Option) *Items {
	it := &Items{
		kv:            kv,
		defaultExpiry: DefaultExpiry,
		maxExpiry:     MaxExpiry,
		now:           time.Now,
	}
	for _, o := range opts {
		o(it)
	}
	return it
}

// EffectiveExpiry returns min(expiry or default, max).
func (it *Items) EffectiveExpiry(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		expiry = it.defaultExpiry
	}
	return min(expiry, it.maxExpiry)
}

// Write implements Writer
func (it *Items) Write(ctx context.Context, key string, payload json.RawMessage, expiry time.Duration) error {
	if !json.Valid(payload) {
		return fmt.Errorf("write %s: payload is not valid JSON", key)
	}
	data, err := msgpack.Marshal(&record{
		Body:       payload,
		InsertedAt: it.now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return it.kv.SetEx(ctx, key, data, it.EffectiveExpiry(expiry))
}

// Read implements Reader
func (it *Items) Read(ctx context.Context, key string, raiseIfAbsent bool) (*Entry, error) {
	data, found, err := it.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		if raiseIfAbsent {
			return nil, &NotFoundError{Key: key}
		}
		return nil, nil
	}
	return decode(key, data)
}

// ReadMany implements Reader
func (it *Items) ReadMany(ctx context.Context, keys []string) ([]*Entry, error) {
	vals, err := it.kv.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, len(keys))
	for i, data := range vals {
		if data == nil {
			continue
		}
		if entries[i], err = decode(keys[i], data); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// IsValid implements Reader
func (it *Items) IsValid(ctx context.Context, key string, maxAge time.Duration) (bool, error) {
	if maxAge < 0 {
		return it.kv.Exists(ctx, key)
	}
	entry, err := it.Read(ctx, key, false)
	if err != nil {
		return false, err
	}
	return entry.FreshAt(maxAge, it.now()), nil
}

// Fresh reports whether entry satisfies maxAge against this cache's clock.
func (it *Items) Fresh(entry *Entry, maxAge time.Duration) bool {
	return entry.FreshAt(maxAge, it.now())
}

// Delete implements Writer
func (it *Items) Delete(ctx context.Context, keys []string, raiseIfAbsent bool) error {
	if len(keys) == 0 {
		return nil
	}
	if raiseIfAbsent {
		exists, err := it.kv.ExistsMany(ctx, keys)
		if err != nil {
			return err
		}
		for i, ok := range exists {
			if !ok {
				return &NotFoundError{Key: keys[i]}
			}
		}
	}
	return it.kv.Delete(ctx, keys...)
}

// WriteList stores ids as a single list value under key.
func (it *Items) WriteList(ctx context.Context, key string, ids []string, expiry time.Duration) error {
	payload, err := json.Marshal(JoinIDs(ids))
	if err != nil {
		return err
	}
	return it.Write(ctx, key, payload, expiry)
}

// ReadList returns the ids stored under key by WriteList, nil if absent.
func (it *Items) ReadList(ctx context.Context, key string) ([]string, *Entry, error) {
	entry, err := it.Read(ctx, key, false)
	if err != nil || entry == nil {
		return nil, entry, err
	}
	var joined string
	if err := json.Unmarshal(entry.Body, &joined); err != nil {
		return nil, nil, &CorruptionError{Key: key, Err: err}
	}
	return SplitIDs(joined), entry, nil
}

func decode(key string, data []byte) (*Entry, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptionError{Key: key, Err: err}
	}
	if !json.Valid(rec.Body) {
		return nil, &CorruptionError{Key: key, Err: errors.New("payload is not valid JSON")}
	}
	entry := &Entry{Key: key, Body: json.RawMessage(rec.Body)}
	if rec.InsertedAt != 0 {
		entry.InsertedAt = time.Unix(0, rec.InsertedAt).UTC()
	}
	return entry, nil
}
