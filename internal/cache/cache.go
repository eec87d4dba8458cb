// Package cache is the Redis index in front of the durable store. It keeps
// three key families per link: a forward index (code to URL), a reverse index
// (URL to code, used for create-time deduplication) and an owner-attribution
// memo. Entries are advisory and TTL-bounded; every caller must keep a
// correctness-preserving store fallback.
package cache

import (
	"context"
	"errors"
	neturl "net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// OwnerGuest is the sentinel memoized for ownerless links, so anonymous
// attribution also short-circuits instead of missing repeatedly.
const OwnerGuest = "guest"

// ErrMiss reports an absent key. Absence is never authoritative.
var ErrMiss = errors.New("cache miss")

// Cache wraps a shared Redis client. Safe for concurrent use; multi-key
// sequences (forward + reverse) are not atomic as a pair and may be observed
// half-applied.
type Cache struct {
	rdb        *redis.Client
	defaultTTL time.Duration
}

func New(rdb *redis.Client, defaultTTL time.Duration) *Cache {
	return &Cache{rdb: rdb, defaultTTL: defaultTTL}
}

// DefaultTTL returns the configured default entry lifetime.
func (c *Cache) DefaultTTL() time.Duration { return c.defaultTTL }

// TTL clamps the default TTL so an entry never outlives the link it caches.
// Returns 0 when the link has already expired.
func (c *Cache) TTL(expiry *time.Time, now time.Time) time.Duration {
	if expiry == nil {
		return c.defaultTTL
	}
	remaining := expiry.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining < c.defaultTTL {
		return remaining
	}
	return c.defaultTTL
}

func forwardKey(code string) string { return "shortlink:" + code }

// Reverse keys escape the URL so arbitrary destinations cannot collide with
// key syntax.
func reverseKey(url string) string { return "longlink:" + neturl.QueryEscape(url) }

func ownerKey(code string) string { return "short_ui:" + code }

// GetDestination reads the forward index.
func (c *Cache) GetDestination(ctx context.Context, code string) (string, error) {
	val, err := c.rdb.Get(ctx, forwardKey(code)).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	return val, err
}

// HasCode reports whether the forward index holds an entry for code.
func (c *Cache) HasCode(ctx context.Context, code string) (bool, error) {
	n, err := c.rdb.Exists(ctx, forwardKey(code)).Result()
	return n > 0, err
}

// GetCode reads the reverse index.
func (c *Cache) GetCode(ctx context.Context, url string) (string, error) {
	val, err := c.rdb.Get(ctx, reverseKey(url)).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	return val, err
}

// SetMapping populates both index directions with the given TTL. A
// non-positive TTL means the link is already past its deadline and nothing is
// written.
func (c *Cache) SetMapping(ctx context.Context, code, url string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, forwardKey(code), url, ttl)
	pipe.Set(ctx, reverseKey(url), code, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetDestination populates only the forward index.
func (c *Cache) SetDestination(ctx context.Context, code, url string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, forwardKey(code), url, ttl).Err()
}

// Refresh slides the expiration of both index directions.
func (c *Cache) Refresh(ctx context.Context, code, url string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	pipe.Expire(ctx, forwardKey(code), ttl)
	pipe.Expire(ctx, reverseKey(url), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetOwner reads the owner-attribution memo.
func (c *Cache) GetOwner(ctx context.Context, code string) (string, error) {
	val, err := c.rdb.Get(ctx, ownerKey(code)).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	return val, err
}

// SetOwner memoizes owner attribution for a code. Use OwnerGuest for
// ownerless links.
func (c *Cache) SetOwner(ctx context.Context, code, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, ownerKey(code), owner, ttl).Err()
}

// Evict drops every entry for a code. url may be empty when the destination
// is unknown; the reverse entry then ages out by TTL.
func (c *Cache) Evict(ctx context.Context, code, url string) error {
	keys := []string{forwardKey(code), ownerKey(code)}
	if url != "" {
		keys = append(keys, reverseKey(url))
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// EvictReverse drops only the reverse entry for a URL, used when a link's
// destination is rewritten.
func (c *Cache) EvictReverse(ctx context.Context, url string) error {
	return c.rdb.Del(ctx, reverseKey(url)).Err()
}
