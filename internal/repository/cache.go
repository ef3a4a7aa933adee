package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the subset of a key-value store the decorator needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisCache adapts a go-redis client to Cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses a redis:// URL and pings the server.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// =============================================================================
// Campaign cache decorator
// =============================================================================

var _ Repository = (*CachedRepository)(nil)

// CachedRepository serves GetCampaign from the cache and invalidates on every
// campaign write. Code and account reads always go to the inner repository;
// redemption decisions never read cached state.
type CachedRepository struct {
	Repository
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedRepository wraps inner with a campaign read-through cache.
func NewCachedRepository(inner Repository, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRepository{
		Repository: inner,
		cache:      cache,
		ttl:        ttl,
		logger:     logger,
	}
}

func campaignKey(id uuid.UUID) string {
	return fmt.Sprintf("campaign:id:%s", id)
}

func (r *CachedRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	key := campaignKey(id)

	val, err := r.cache.Get(ctx, key)
	if err == nil {
		var c domain.Campaign
		if json.Unmarshal(val, &c) == nil {
			metrics.CacheRequestsTotal.WithLabelValues("campaign", "hit").Inc()
			return &c, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		r.logger.Warn("campaign cache read failed", "campaign_id", id, "error", err)
	}

	metrics.CacheRequestsTotal.WithLabelValues("campaign", "miss").Inc()
	c, err := r.Repository.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
			r.logger.Warn("campaign cache write failed", "campaign_id", id, "error", err)
		}
	}
	return c, nil
}

func (r *CachedRepository) UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error) {
	c, err := r.Repository.UpdateCampaign(ctx, id, fn)
	r.invalidate(ctx, id)
	return c, err
}

func (r *CachedRepository) DeleteCampaign(ctx context.Context, id uuid.UUID) ([]string, error) {
	refs, err := r.Repository.DeleteCampaign(ctx, id)
	r.invalidate(ctx, id)
	return refs, err
}

func (r *CachedRepository) invalidate(ctx context.Context, id uuid.UUID) {
	if err := r.cache.Del(ctx, campaignKey(id)); err != nil {
		r.logger.Warn("campaign cache invalidation failed", "campaign_id", id, "error", err)
	}
}
