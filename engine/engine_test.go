package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/apicache/cache"
	"github.com/briangreenhill/apicache/stackexchange"
	"github.com/briangreenhill/apicache/store"
)

const site = "stackoverflow"

// fakeFetcher serves every requested id unless it is listed in missing.
type fakeFetcher struct {
	mu        sync.Mutex
	byIDCalls [][]string
	recent    int
	recentIDs []string
	missing   map[string]bool
	err       error
}

func (f *fakeFetcher) FetchByIDs(_ context.Context, ids []string, _, _ string) ([]stackexchange.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byIDCalls = append(f.byIDCalls, append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	var items []stackexchange.Item
	for _, id := range ids {
		if f.missing[id] {
			continue
		}
		items = append(items, stackexchange.Item{ID: id, Raw: payload(id, "upstream")})
	}
	return items, nil
}

func (f *fakeFetcher) FetchRecent(_ context.Context, _, _ string) ([]stackexchange.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent++
	if f.err != nil {
		return nil, f.err
	}
	var items []stackexchange.Item
	for _, id := range f.recentIDs {
		items = append(items, stackexchange.Item{ID: id, Raw: payload(id, "upstream")})
	}
	return items, nil
}

func payload(id, source string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%s,"source":%q}`, id, source))
}

type fixture struct {
	engine  *Engine
	items   *cache.Items
	fetcher *fakeFetcher
	mr      *miniredis.Miniredis
	now     time.Time
}

func (fx *fixture) advance(d time.Duration) { fx.now = fx.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fx := &fixture{
		fetcher: &fakeFetcher{missing: map[string]bool{}},
		mr:      mr,
		now:     time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	fx.items = cache.NewItems(store.NewRedis(client), cache.WithClock(func() time.Time { return fx.now }))
	fx.engine = New(fx.items, fx.fetcher, zerolog.Nop())
	return fx
}

func (fx *fixture) seed(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, fx.items.Write(context.Background(), cache.KeyFor(site, id), payload(id, "cache"), 0))
	}
}

func bodies(raws []json.RawMessage) []string {
	out := make([]string, len(raws))
	for i, r := range raws {
		out[i] = string(r)
	}
	return out
}

func TestGetItemSetUnion(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "1", "2")

	got, err := fx.engine.GetItemSet(context.Background(), []string{"1", "2", "3"}, "k", site, 0, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, []string{
		string(payload("1", "cache")),
		string(payload("2", "cache")),
		string(payload("3", "upstream")),
	}, bodies(got))
	assert.Equal(t, [][]string{{"3"}}, fx.fetcher.byIDCalls)
}

func TestGetItemSetSecondCallIsCacheHit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.engine.GetItemSet(ctx, []string{"42"}, "k", site, 0, time.Hour)
	require.NoError(t, err)
	got, err := fx.engine.GetItemSet(ctx, []string{"42"}, "k", site, 0, time.Hour)
	require.NoError(t, err)

	assert.Len(t, got, 1)
	assert.Len(t, fx.fetcher.byIDCalls, 1)
}

func TestGetItemSetPreservesRequestOrder(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "9")

	got, err := fx.engine.GetItemSet(context.Background(), []string{"5", "9", "5", "1"}, "k", site, 0, cache.AnyAge)
	require.NoError(t, err)
	assert.Equal(t, []string{
		string(payload("5", "upstream")),
		string(payload("9", "cache")),
		string(payload("1", "upstream")),
	}, bodies(got))
	assert.Equal(t, [][]string{{"5", "1"}}, fx.fetcher.byIDCalls)
}

func TestGetItemSetDropsIdsUpstreamOmits(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.missing["2"] = true

	got, err := fx.engine.GetItemSet(context.Background(), []string{"1", "2"}, "k", site, 0, cache.AnyAge)
	require.NoError(t, err)
	assert.Equal(t, []string{string(payload("1", "upstream"))}, bodies(got))
}

func TestGetItemSetRefetchesStale(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "1")
	fx.advance(2 * time.Minute)

	got, err := fx.engine.GetItemSet(context.Background(), []string{"1"}, "k", site, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{string(payload("1", "upstream"))}, bodies(got))

	// without a max age the old entry would have been served
	fx.seed(t, "2")
	fx.advance(2 * time.Minute)
	got, err = fx.engine.GetItemSet(context.Background(), []string{"2"}, "k", site, 0, cache.AnyAge)
	require.NoError(t, err)
	assert.Equal(t, []string{string(payload("2", "cache"))}, bodies(got))
	assert.Len(t, fx.fetcher.byIDCalls, 1)
}

func TestGetItemSetZeroMaxAgeAlwaysFetches(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "1")

	_, err := fx.engine.GetItemSet(context.Background(), []string{"1"}, "k", site, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1"}}, fx.fetcher.byIDCalls)
}

func TestGetItemSetAppliesExpiry(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.GetItemSet(context.Background(), []string{"1", "2"}, "k", site, 30*time.Second, cache.AnyAge)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, fx.mr.TTL(cache.KeyFor(site, "1")))
	assert.Equal(t, 30*time.Second, fx.mr.TTL(cache.KeyFor(site, "2")))
}

func TestGetItemSetUpstreamFailure(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "1")
	fx.fetcher.err = &stackexchange.UpstreamError{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"}

	got, err := fx.engine.GetItemSet(context.Background(), []string{"1", "2"}, "k", site, 0, cache.AnyAge)
	assert.Nil(t, got)
	var ue *stackexchange.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, fx.mr.Exists(cache.KeyFor(site, "2")))
}

func TestGetItemSetCorruptEntry(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.mr.Set(cache.KeyFor(site, "1"), "\xc1"))

	_, err := fx.engine.GetItemSet(context.Background(), []string{"1"}, "k", site, 0, cache.AnyAge)
	var ce *cache.CorruptionError
	assert.ErrorAs(t, err, &ce)
}

func TestGetItemSetBatchesAgainstUpstream(t *testing.T) {
	var mu sync.Mutex
	var groups []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(strings.TrimPrefix(r.URL.Path, "/posts/"), ";")
		mu.Lock()
		groups = append(groups, len(ids))
		mu.Unlock()
		items := make([]string, len(ids))
		for i, id := range ids {
			items[i] = fmt.Sprintf(`{"post_id":%s}`, id)
		}
		_, _ = fmt.Fprintf(w, `{"items":[%s]}`, strings.Join(items, ","))
	}))
	defer srv.Close()

	fx := newFixture(t)
	eng := New(fx.items, stackexchange.New(stackexchange.WithBaseURL(srv.URL)), zerolog.Nop())

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = strconv.Itoa(5000 - i)
	}
	got, err := eng.GetItemSet(context.Background(), ids, "k", site, 0, cache.AnyAge)
	require.NoError(t, err)
	require.Len(t, got, 250)
	assert.JSONEq(t, `{"post_id":5000}`, string(got[0]))
	assert.Equal(t, []int{100, 100, 50}, groups)
}

func TestGetRecentQuestionsRebuildsIndex(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.recentIDs = []string{"30", "20", "10"}
	ctx := context.Background()

	got, err := fx.engine.GetRecentQuestions(ctx, "k", site, 45*time.Second, cache.AnyAge)
	require.NoError(t, err)
	assert.Equal(t, []string{
		string(payload("30", "upstream")),
		string(payload("20", "upstream")),
		string(payload("10", "upstream")),
	}, bodies(got))

	ids, entry, err := fx.items.ReadList(ctx, cache.RecentKey(site))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []string{"30", "20", "10"}, ids)

	// items carry the call's expiry, the index keeps the default
	assert.Equal(t, 45*time.Second, fx.mr.TTL(cache.KeyFor(site, "30")))
	assert.Equal(t, cache.DefaultExpiry, fx.mr.TTL(cache.RecentKey(site)))
}

func TestGetRecentQuestionsServesFreshIndex(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.recentIDs = []string{"30", "20"}
	ctx := context.Background()

	_, err := fx.engine.GetRecentQuestions(ctx, "k", site, 0, time.Hour)
	require.NoError(t, err)
	got, err := fx.engine.GetRecentQuestions(ctx, "k", site, 0, time.Hour)
	require.NoError(t, err)

	assert.Len(t, got, 2)
	assert.Equal(t, 1, fx.fetcher.recent)
	assert.Empty(t, fx.fetcher.byIDCalls)
}

func TestGetRecentQuestionsSupplementsExpiredMembers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.items.WriteList(ctx, cache.RecentKey(site), []string{"10", "20"}, 0))
	fx.seed(t, "10")

	got, err := fx.engine.GetRecentQuestions(ctx, "k", site, 0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{
		string(payload("10", "cache")),
		string(payload("20", "upstream")),
	}, bodies(got))
	assert.Equal(t, [][]string{{"20"}}, fx.fetcher.byIDCalls)
	assert.Zero(t, fx.fetcher.recent)
}

func TestGetRecentQuestionsStaleIndex(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.recentIDs = []string{"2", "1"}
	ctx := context.Background()

	require.NoError(t, fx.items.WriteList(ctx, cache.RecentKey(site), []string{"10", "20"}, 0))
	fx.advance(10 * time.Minute)

	got, err := fx.engine.GetRecentQuestions(ctx, "k", site, 0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, fx.fetcher.recent)

	ids, _, err := fx.items.ReadList(ctx, cache.RecentKey(site))
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, ids)
}

func TestGetRecentQuestionsUpstreamFailure(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.err = &stackexchange.UpstreamError{StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}

	_, err := fx.engine.GetRecentQuestions(context.Background(), "k", site, 0, cache.AnyAge)
	var ue *stackexchange.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, fx.mr.Exists(cache.RecentKey(site)))
}

func TestInvalidate(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "1")
	ctx := context.Background()

	err := fx.engine.Invalidate(ctx, []string{"1", "2"}, site, true)
	var nf *cache.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, cache.KeyFor(site, "2"), nf.Key)
	assert.True(t, fx.mr.Exists(cache.KeyFor(site, "1")))

	require.NoError(t, fx.engine.Invalidate(ctx, []string{"1", "2"}, site, false))
	assert.False(t, fx.mr.Exists(cache.KeyFor(site, "1")))
}

func TestFlightKey(t *testing.T) {
	a := flightKey("posts", "k", site, 0, []string{"1", "2"})
	assert.Equal(t, a, flightKey("posts", "k", site, 0, []string{"1", "2"}))
	assert.NotEqual(t, a, flightKey("posts", "other", site, 0, []string{"1", "2"}))
	assert.NotEqual(t, a, flightKey("posts", "k", site, time.Minute, []string{"1", "2"}))
	assert.NotEqual(t, a, flightKey("posts", "k", site, 0, []string{"2", "1"}))
}
