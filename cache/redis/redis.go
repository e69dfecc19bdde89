// Package redis provides a Redis-backed eligibility Cache for keyalloc.
//
// Entries are plain string keys holding the numeric Status, written with a
// TTL. Every allocator sharing the Redis instance sees the same answers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keyalloc"
)

// Cache is a Redis-backed keyalloc.Cache.
type Cache struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ keyalloc.Cache = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithKeyPrefix sets the Redis key prefix (default "keyalloc:status:").
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) { c.keyPrefix = prefix }
}

// WithTTL sets the entry lifetime (default 5s).
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New creates a new Redis-backed Cache.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Cache {
	c := &Cache{
		client:    client,
		keyPrefix: "keyalloc:status:",
		ttl:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("keyalloc/redis: ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *Cache) key(id string) string {
	return c.keyPrefix + id
}

// Get returns the cached status of a credential.
func (c *Cache) Get(ctx context.Context, id string) (keyalloc.Status, bool, error) {
	val, err := c.client.Get(ctx, c.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("keyalloc/redis: get: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("keyalloc/redis: bad entry %q: %w", val, err)
	}
	return keyalloc.Status(n), true, nil
}

// Set stores a status with the cache TTL.
func (c *Cache) Set(ctx context.Context, id string, status keyalloc.Status) error {
	if err := c.client.Set(ctx, c.key(id), int(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("keyalloc/redis: set: %w", err)
	}
	return nil
}

// Invalidate drops the entry for a credential.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("keyalloc/redis: del: %w", err)
	}
	return nil
}
