// Package cache implements the optional Redis read-through cache.
//
// Failures are deliberately quiet: a broken cache degrades to direct
// database reads, it never takes the API down with it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/registry"
)

// Redis is the go-redis implementation of registry.Cache.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// New connects to Redis per config. When the cache is disabled it returns
// a Noop cache; when the backend is unreachable it degrades to Noop
// unless cache.required is set.
func New(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (registry.Cache, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		if cfg.Required {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Warn("cache unavailable, continuing without it",
			zap.String("addr", cfg.Addr()), zap.Error(err))
		_ = client.Close()
		return Noop{}, nil
	}
	return &Redis{client: client, log: log}, nil
}

// Get loads key into dest, reporting whether it was a hit.
func (r *Redis) Get(ctx context.Context, key string, dest any) bool {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		r.log.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		r.log.Warn("cache entry undecodable, dropping", zap.String("key", key), zap.Error(err))
		r.client.Del(ctx, key)
		return false
	}
	return true
}

// Set stores value under key for ttl. Errors are logged and dropped.
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		r.log.Warn("cache value unencodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		r.log.Debug("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes the given keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.log.Debug("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// DeletePattern removes every key matching pattern via SCAN, so the
// keyspace is never blocked the way KEYS would.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			r.Delete(ctx, batch...)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		r.log.Debug("cache scan failed", zap.String("pattern", pattern), zap.Error(err))
	}
	r.Delete(ctx, batch...)
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop is the cache used when Redis is disabled or unreachable.
type Noop struct{}

func (Noop) Get(context.Context, string, any) bool           { return false }
func (Noop) Set(context.Context, string, any, time.Duration) {}
func (Noop) Delete(context.Context, ...string)               {}
func (Noop) DeletePattern(context.Context, string)           {}
