package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/apicache/cache"
	"github.com/briangreenhill/apicache/internal/config"
)

func testConfig(upstream string) *config.Config {
	return &config.Config{
		DefaultCacheDuration: 600,
		MaxCacheDuration:     86400,
		LogLevel:             "debug",
		Store:                config.StoreConfig{Backend: "redis", Prefix: "apicache"},
		Upstream:             config.UpstreamConfig{BaseURL: upstream, Timeout: time.Second},
	}
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"post_id":1,"title":"hello"}]}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	got, err := a.Engine.GetItemSet(context.Background(), []string{"1"}, "k", "so", 0, cache.AnyAge)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"post_id":1,"title":"hello"}`, string(got[0]))
	assert.True(t, mr.Exists("apicache:so:1"))
}

func TestNewWithFileStore(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Store.Backend = "file"
	cfg.Store.Dir = t.TempDir()

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Items.Write(ctx, cache.KeyFor("so", "5"), json.RawMessage(`{"post_id":5}`), 0))
	got, err := a.Engine.GetItemSet(ctx, []string{"5"}, "k", "so", 0, cache.AnyAge)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewRedisUnavailable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig("")
	cfg.LogLevel = "warn"
	log := NewLogger(cfg, &buf)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
