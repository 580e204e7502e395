package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/repo"
)

const (
	linkCachePrefix = "link:"
	linkCacheTTL    = 300 * time.Second
)

// LinkCache is the cache-aside store in front of the link repository.
// Implementations treat their own failures as cache misses so the caller
// never has to distinguish a broken cache from a cold one.
type LinkCache interface {
	// Get returns nil, nil on a cache miss.
	Get(ctx context.Context, slug string) (*repo.ShortLink, error)
	Set(ctx context.Context, link *repo.ShortLink) error
	Invalidate(ctx context.Context, slug string) error
}

var (
	_ LinkCache = (*RedisLinkCache)(nil)
	_ LinkCache = (*noopLinkCache)(nil)
)

// RedisLinkCache caches resolved links in Redis with a bounded TTL.
type RedisLinkCache struct {
	rdb *redis.Client
}

// NewRedisLinkCache returns a Redis-backed cache, or a no-op cache when the
// client is nil.
func NewRedisLinkCache(rdb *redis.Client) LinkCache {
	if rdb == nil {
		return &noopLinkCache{}
	}
	return &RedisLinkCache{rdb: rdb}
}

func cacheKey(slug string) string {
	return linkCachePrefix + slug
}

func (c *RedisLinkCache) Get(ctx context.Context, slug string) (*repo.ShortLink, error) {
	data, err := c.rdb.Get(ctx, cacheKey(slug)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("slug", slug).Msg("cache read failed, treating as miss")
		}
		return nil, nil
	}

	var link repo.ShortLink
	if err := json.Unmarshal(data, &link); err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("malformed cache entry, treating as miss")
		return nil, nil
	}

	return &link, nil
}

func (c *RedisLinkCache) Set(ctx context.Context, link *repo.ShortLink) error {
	data, err := json.Marshal(link)
	if err != nil {
		log.Warn().Err(err).Str("slug", link.Slug).Msg("failed to marshal link for cache")
		return nil
	}

	if err := c.rdb.Set(ctx, cacheKey(link.Slug), data, linkCacheTTL).Err(); err != nil {
		log.Warn().Err(err).Str("slug", link.Slug).Msg("failed to cache link")
	}
	return nil
}

func (c *RedisLinkCache) Invalidate(ctx context.Context, slug string) error {
	if err := c.rdb.Del(ctx, cacheKey(slug)).Err(); err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("failed to invalidate cached link")
		return err
	}
	return nil
}

type noopLinkCache struct{}

func (noopLinkCache) Get(context.Context, string) (*repo.ShortLink, error) { return nil, nil }
func (noopLinkCache) Set(context.Context, *repo.ShortLink) error           { return nil }
func (noopLinkCache) Invalidate(context.Context, string) error             { return nil }
