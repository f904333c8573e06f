// Package engine answers item lookups and recent-question queries from the
// item cache, back-filling misses from the upstream API.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/apicache/cache"
	"github.com/briangreenhill/apicache/stackexchange"
)

// Fetcher retrieves raw items from the upstream API.
type Fetcher interface {
	FetchByIDs(ctx context.Context, ids []string, apiKey, site string) ([]stackexchange.Item, error)
	FetchRecent(ctx context.Context, apiKey, site string) ([]stackexchange.Item, error)
}

// ItemStore is the subset of *cache.Items the engine relies on.
type ItemStore interface {
	cache.ReadWriter
	Fresh(entry *cache.Entry, maxAge time.Duration) bool
	WriteList(ctx context.Context, key string, ids []string, expiry time.Duration) error
	ReadList(ctx context.Context, key string) ([]string, *cache.Entry, error)
}

type Engine struct {
	items   ItemStore
	fetcher Fetcher
	log     zerolog.Logger

	// coalesces identical concurrent upstream fetches
	flights singleflight.Group
}

func New(items ItemStore, fetcher Fetcher, log zerolog.Logger) *Engine {
	return &Engine{items: items, fetcher: fetcher, log: log}
}

// GetItemSet returns the payloads of ids on site, one per distinct id in
// first-occurrence order. Cached entries satisfying maxAge are served as is;
// the rest are fetched upstream, written with expiry and re-read. Ids the
// upstream does not return are dropped. Repeated ids collapse to their
// first occurrence, so the result never echoes a duplicate.
//
// maxAge of cache.AnyAge accepts any cached entry; expiry <= 0 selects the
// default cache duration.
func (e *Engine) GetItemSet(ctx context.Context, ids []string, apiKey, site string, expiry, maxAge time.Duration) ([]json.RawMessage, error) {
	ids = dedupe(ids)
	log := e.log.With().Str("fetch_id", uuid.NewString()).Str("site", site).Logger()

	entries, err := e.items.ReadMany(ctx, cache.KeysFor(site, ids))
	if err != nil {
		return nil, fmt.Errorf("read cached items: %w", err)
	}

	found := make(map[string]json.RawMessage, len(ids))
	var required []string
	for i, id := range ids {
		if entries[i] != nil && e.items.Fresh(entries[i], maxAge) {
			found[id] = entries[i].Body
			continue
		}
		required = append(required, id)
	}
	fromCache := len(found)

	if len(required) > 0 {
		if err := e.backfill(ctx, required, apiKey, site, expiry); err != nil {
			return nil, err
		}

		refreshed, err := e.items.ReadMany(ctx, cache.KeysFor(site, required))
		if err != nil {
			return nil, fmt.Errorf("re-read fetched items: %w", err)
		}
		for i, id := range required {
			if refreshed[i] != nil {
				found[id] = refreshed[i].Body
			}
		}
	}

	out := make([]json.RawMessage, 0, len(found))
	for _, id := range ids {
		if body, ok := found[id]; ok {
			out = append(out, body)
		}
	}

	log.Debug().
		Int("requested", len(ids)).
		Int("from_cache", fromCache).
		Int("from_upstream", len(found)-fromCache).
		Msg("item set served")
	return out, nil
}

// GetRecentQuestions returns the newest questions on site. While the recent
// index satisfies maxAge its members are served through GetItemSet, which
// re-fetches any that expired on their own. Otherwise the list is fetched
// upstream, every question is cached with expiry and the index is rebuilt
// with the default expiry.
func (e *Engine) GetRecentQuestions(ctx context.Context, apiKey, site string, expiry, maxAge time.Duration) ([]json.RawMessage, error) {
	key := cache.RecentKey(site)
	ids, entry, err := e.items.ReadList(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read recent index: %w", err)
	}
	if entry != nil && e.items.Fresh(entry, maxAge) {
		e.log.Debug().Str("site", site).Int("size", len(ids)).Msg("recent index is fresh")
		return e.GetItemSet(ctx, ids, apiKey, site, expiry, maxAge)
	}

	v, err, _ := e.flights.Do(flightKey("recent", apiKey, site, expiry, nil), func() (any, error) {
		return e.rebuildRecent(context.WithoutCancel(ctx), apiKey, site, expiry)
	})
	if err != nil {
		return nil, err
	}
	return v.([]json.RawMessage), nil
}

// Invalidate removes ids on site from the cache. With strict, nothing is
// removed unless every id is cached, and a *cache.NotFoundError names the
// first missing one.
func (e *Engine) Invalidate(ctx context.Context, ids []string, site string, strict bool) error {
	return e.items.Delete(ctx, cache.KeysFor(site, ids), strict)
}

func (e *Engine) rebuildRecent(ctx context.Context, apiKey, site string, expiry time.Duration) ([]json.RawMessage, error) {
	fetched, err := e.fetcher.FetchRecent(ctx, apiKey, site)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(fetched))
	out := make([]json.RawMessage, 0, len(fetched))
	for _, it := range fetched {
		if err := e.items.Write(ctx, cache.KeyFor(site, it.ID), it.Raw, expiry); err != nil {
			return nil, fmt.Errorf("write question %s: %w", it.ID, err)
		}
		ids = append(ids, it.ID)
		out = append(out, it.Raw)
	}

	if err := e.items.WriteList(ctx, cache.RecentKey(site), ids, 0); err != nil {
		return nil, fmt.Errorf("write recent index: %w", err)
	}
	e.log.Info().Str("site", site).Int("size", len(ids)).Msg("recent index rebuilt")
	return out, nil
}

// backfill fetches ids upstream and writes whatever comes back.
func (e *Engine) backfill(ctx context.Context, ids []string, apiKey, site string, expiry time.Duration) error {
	_, err, shared := e.flights.Do(flightKey("posts", apiKey, site, expiry, ids), func() (any, error) {
		// shared with other callers, so one caller going away must not cancel it
		ctx := context.WithoutCancel(ctx)
		fetched, err := e.fetcher.FetchByIDs(ctx, ids, apiKey, site)
		if err != nil {
			return nil, err
		}
		for _, it := range fetched {
			if err := e.items.Write(ctx, cache.KeyFor(site, it.ID), it.Raw, expiry); err != nil {
				return nil, fmt.Errorf("write item %s: %w", it.ID, err)
			}
		}
		return len(fetched), nil
	})
	if shared {
		e.log.Debug().Str("site", site).Int("ids", len(ids)).Msg("joined in-flight upstream fetch")
	}
	return err
}

func flightKey(kind, apiKey, site string, expiry time.Duration, ids []string) string {
	h := xxhash.New()
	_, _ = h.WriteString(apiKey)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(expiry.String())
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(cache.JoinIDs(ids))
	return kind + ":" + site + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
