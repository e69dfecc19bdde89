//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/store/postgres"
	"github.com/ineyio/keyalloc/store/storetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/keyalloc_test?sslmode=disable"
	}
	pool, err := postgres.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *postgres.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test_" + strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToLower(t.Name())) + "_"
	s := postgres.New(pool, postgres.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %scredentials, %susage_log", prefix, prefix))
	})
	return s
}

func TestConformance(t *testing.T) {
	pool := newTestPool(t)
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t, pool) })
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure schema: %v", err)
	}
}

func TestPruneUsage(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	if err := s.Upsert(ctx, keyalloc.Credential{ID: "k1", Service: "gemini", Secret: "s", Rotating: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ceil := keyalloc.Ceilings{Requests: 10, Tokens: 1000}
	for _, now := range []time.Time{time.Now().Add(-48 * time.Hour), time.Now()} {
		if _, err := s.Commit(ctx, keyalloc.CommitParams{ID: "k1", Now: now.UTC(), ActualTokens: 1, Ceilings: ceil}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	n, err := s.PruneUsage(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
}

func TestTimestampsRoundTripMicroseconds(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	if err := s.Upsert(ctx, keyalloc.Credential{ID: "k1", Service: "gemini", Secret: "s", Rotating: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 123456000, time.UTC)
	c, err := s.Reserve(ctx, keyalloc.ReserveParams{ID: "k1", Now: now, Requests: 1, Ceilings: keyalloc.Ceilings{Requests: 5, Tokens: 5}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if c.LastUsed == nil || !c.LastUsed.Equal(now) {
		t.Fatalf("expected last_used=%s, got %v", now, c.LastUsed)
	}
}

func TestUsage_NewestFirstWithLimit(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	if err := s.Upsert(ctx, keyalloc.Credential{ID: "k1", Service: "gemini", Secret: "s", Rotating: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ceil := keyalloc.Ceilings{Requests: 10, Tokens: 1000}
	for i := range 3 {
		_, err := s.Commit(ctx, keyalloc.CommitParams{
			ReservationID: fmt.Sprintf("r%d", i), ID: "k1", Service: "gemini",
			Now: time.Now().UTC(), ActualTokens: 1, Success: true, Ceilings: ceil,
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	usage, err := s.Usage(ctx, keyalloc.UsageQuery{CredentialID: "k1", Limit: 2})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 2 || usage[0].ReservationID != "r2" || usage[1].ReservationID != "r1" {
		t.Fatalf("expected r2, r1; got %+v", usage)
	}

	usage, err = s.Usage(ctx, keyalloc.UsageQuery{Service: "openai"})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(usage) != 0 {
		t.Fatalf("expected no rows for openai, got %d", len(usage))
	}
}

func TestMissingSchema_IsConfigurationError(t *testing.T) {
	pool := newTestPool(t)
	s := postgres.New(pool, postgres.WithTablePrefix("test_never_migrated_"))

	_, err := s.Candidates(context.Background(), "gemini")
	if !errors.Is(err, keyalloc.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if keyalloc.IsRetryable(err) {
		t.Fatalf("missing schema must not be retryable: %v", err)
	}
}
