// Package backend builds the configured cache and store for the server and
// the admin CLI.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/topscores/internal/cache"
	"github.com/l0p7/topscores/internal/config"
	"github.com/l0p7/topscores/internal/store"
)

// CacheName normalises the configured cache backend.
func CacheName(cfg config.ServerCacheConfig) string {
	if name := strings.TrimSpace(strings.ToLower(cfg.Backend)); name != "" {
		return name
	}
	return "memory"
}

// StoreName normalises the configured store backend.
func StoreName(cfg config.ServerStoreConfig) string {
	if name := strings.TrimSpace(strings.ToLower(cfg.Backend)); name != "" {
		return name
	}
	return "memory"
}

// OpenCache returns the configured list cache. An unreachable redis falls
// back to an in-process cache, since cached lists can always be rebuilt.
// The returned name is the backend actually in use.
func OpenCache(logger *slog.Logger, cfg config.ServerCacheConfig) (cache.Cache, string) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch CacheName(cfg) {
	case "redis":
		c, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			Namespace: cfg.Namespace,
			TTL:       ttl,
		})
		if err != nil {
			logger.Error("redis cache initialization failed, falling back to memory", slog.Any("error", err))
			return cache.NewMemory(ttl), "memory"
		}
		logger.Info("using redis list cache", slog.String("address", cfg.Redis.Address), slog.String("namespace", cfg.Namespace))
		return c, "redis"
	default:
		logger.Info("using memory list cache", slog.Duration("ttl", ttl))
		return cache.NewMemory(ttl), "memory"
	}
}

// OpenStore returns the configured score store. Unlike the cache there is no
// fallback: scores must not silently land in process memory.
func OpenStore(ctx context.Context, logger *slog.Logger, cfg config.ServerStoreConfig) (store.Store, error) {
	switch StoreName(cfg) {
	case "memory":
		logger.Warn("using memory score store; scores are lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		st, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:         cfg.Postgres.DSN,
			Driver:      strings.TrimSpace(strings.ToLower(cfg.Postgres.Driver)),
			AutoMigrate: cfg.Postgres.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres score store",
			slog.String("driver", cfg.Postgres.Driver),
			slog.Bool("auto_migrate", cfg.Postgres.AutoMigrate),
		)
		return st, nil
	default:
		return nil, fmt.Errorf("backend: unsupported store %q", cfg.Backend)
	}
}
