//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keyalloc"
	cacheredis "github.com/ineyio/keyalloc/cache/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestCache(t *testing.T, client *goredis.Client, opts ...cacheredis.Option) *cacheredis.Cache {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	c := cacheredis.New(client, append([]cacheredis.Option{cacheredis.WithKeyPrefix(prefix)}, opts...)...)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return c
}

func TestSetGetInvalidate(t *testing.T) {
	client := newTestClient(t)
	c := newTestCache(t, client)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "k1", keyalloc.StatusCoolingDown); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if st != keyalloc.StatusCoolingDown {
		t.Fatalf("expected cooling-down, got %s", st)
	}

	if err := c.Invalidate(ctx, "k1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestEntryExpires(t *testing.T) {
	client := newTestClient(t)
	c := newTestCache(t, client, cacheredis.WithTTL(200*time.Millisecond))
	ctx := context.Background()

	if err := c.Set(ctx, "k1", keyalloc.StatusQuotaExhausted); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Fatal("expected entry to expire")
	}
}
