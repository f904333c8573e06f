// Package app wires configuration into a ready-to-use cache engine.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/apicache/cache"
	"github.com/briangreenhill/apicache/engine"
	"github.com/briangreenhill/apicache/internal/config"
	"github.com/briangreenhill/apicache/stackexchange"
	"github.com/briangreenhill/apicache/store"
)

// App owns the store connection and the engine built on it.
type App struct {
	Engine *engine.Engine
	Items  *cache.Items
	Log    zerolog.Logger

	closers []io.Closer
}

// NewLogger returns the process logger at the configured level
func NewLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Logger()
}

// New connects the configured store and builds the engine.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Log: log}

	kv, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.Items = cache.NewItems(kv,
		cache.WithDefaultExpiry(cfg.DefaultExpiry()),
		cache.WithMaxExpiry(cfg.MaxExpiry()),
	)

	client := stackexchange.New(
		stackexchange.WithBaseURL(cfg.Upstream.BaseURL),
		stackexchange.WithTimeout(cfg.Upstream.Timeout),
		stackexchange.WithRetries(cfg.Upstream.Retries, 250*time.Millisecond),
		stackexchange.WithFilters(cfg.Upstream.PostsFilter, cfg.Upstream.RecentFilter),
		stackexchange.WithLogger(log.With().Str("component", "upstream").Logger()),
	)

	a.Engine = engine.New(a.Items, client, log.With().Str("component", "engine").Logger())
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		fs, err := store.NewFileStore(cfg.Store.Dir, store.WithPrefix(cfg.Store.Prefix))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		a.Log.Info().Str("dir", cfg.Store.Dir).Msg("using file store")
		return fs, nil
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, rdb)
		a.Log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis store")
		return store.NewRedis(rdb, store.WithPrefix(cfg.Store.Prefix)), nil
	}
}

// Close releases the store connection
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
