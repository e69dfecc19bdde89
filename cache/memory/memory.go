// Package memory provides an in-process eligibility Cache for keyalloc.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/keyalloc"
)

type entry struct {
	status  keyalloc.Status
	expires time.Time
}

// Cache is a TTL map guarded by a mutex.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

var _ keyalloc.Cache = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache whose entries live for ttl.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Get(_ context.Context, id string) (keyalloc.Status, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return 0, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, id)
		return 0, false, nil
	}
	return e.status, true, nil
}

func (c *Cache) Set(_ context.Context, id string, status keyalloc.Status) error {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = entry{status: status, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *Cache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	return nil
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
