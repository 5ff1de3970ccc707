package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/staffhub/staffhub/internal/access"
	"github.com/staffhub/staffhub/internal/permcache"
	"github.com/staffhub/staffhub/internal/platform/cache"
	"github.com/staffhub/staffhub/internal/platform/db"
	"github.com/staffhub/staffhub/internal/platform/kv"
)

// Runtime holds the long lived dependencies shared by the API server, the job
// worker and the operator commands.
type Runtime struct {
	Config      *Config
	Logger      *slog.Logger
	Redis       *redis.Client
	Pool        *pgxpool.Pool
	Store       permcache.Store
	Cache       *permcache.Cache
	Broadcaster *permcache.RedisBroadcaster
	Access      *access.Service
}

// Bootstrap opens the configured cache backend and wires the permission cache
// with the backend API client. metrics may be nil.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *permcache.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	if cfg.NeedsRedis() {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		rt.Redis = client
	}

	store, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = store

	opts := []permcache.Option{
		permcache.WithTTL(cfg.CacheDefaultTTL),
		permcache.WithLogger(logger),
		permcache.WithMetrics(metrics),
	}
	if cfg.CacheBroadcast && rt.Redis != nil {
		rt.Broadcaster = permcache.NewRedisBroadcaster(rt.Redis, cfg.CacheBroadcastChannel, logger)
		opts = append(opts, permcache.WithNotifier(rt.Broadcaster))
	}
	rt.Cache = permcache.New(store, opts...)

	upstream := access.NewClient(cfg.UpstreamBaseURL, &http.Client{Timeout: cfg.UpstreamTimeout}, access.DefaultBreakerConfig(), logger)
	rt.Access = access.NewService(rt.Cache, upstream, logger)
	return rt, nil
}

// Listen starts replaying invalidations from other instances. It is a no-op
// when broadcasting is disabled.
func (rt *Runtime) Listen(ctx context.Context) error {
	if rt.Broadcaster == nil {
		return nil
	}
	if err := rt.Broadcaster.Listen(ctx, rt.Cache); err != nil {
		return fmt.Errorf("permcache broadcast: %w", err)
	}
	rt.Logger.Info("listening for cache invalidations",
		slog.String("channel", rt.Config.CacheBroadcastChannel),
		slog.String("instance", rt.Broadcaster.ID()))
	return nil
}

// Close releases the connections opened by Bootstrap.
func (rt *Runtime) Close() {
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
}

func (rt *Runtime) openStore(ctx context.Context) (permcache.Store, error) {
	cfg := rt.Config
	switch cfg.CacheBackend {
	case BackendRedis:
		return kv.NewRedis(rt.Redis, cfg.CacheKeyPrefix), nil
	case BackendPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		store := kv.NewPostgres(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case BackendFile:
		return kv.OpenFile(cfg.CacheFilePath)
	default:
		return kv.NewMemory(), nil
	}
}
