// Package storetest checks keyalloc.Store implementations against the
// behavior the allocator relies on.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyalloc"
)

// Store is what the suite needs from an implementation.
type Store interface {
	keyalloc.Store
	keyalloc.Provisioner
}

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) Store

var (
	t0   = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	ceil = keyalloc.Ceilings{Requests: 3, Tokens: 1000}
)

// Run runs the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CandidatesOrder", testCandidatesOrder},
		{"ReserveCharges", testReserveCharges},
		{"ReserveRejectsIneligible", testReserveRejectsIneligible},
		{"ReserveLastUsedMonotonic", testReserveLastUsedMonotonic},
		{"ReserveLease", testReserveLease},
		{"CommitChargesPositiveDelta", testCommitChargesPositiveDelta},
		{"CommitMarksExhausted", testCommitMarksExhausted},
		{"CommitRateLimited", testCommitRateLimited},
		{"CommitReleasesOwnLeaseOnly", testCommitReleasesOwnLeaseOnly},
		{"CommitNotFound", testCommitNotFound},
		{"ResetEpochIdempotent", testResetEpochIdempotent},
		{"Provisioning", testProvisioning},
		{"ConcurrentReserve", testConcurrentReserve},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func seed(t *testing.T, s Store, creds ...keyalloc.Credential) {
	t.Helper()
	for _, c := range creds {
		if c.Service == "" {
			c.Service = "gemini"
		}
		if c.Secret == "" {
			c.Secret = "secret-" + c.ID
		}
		require.NoError(t, s.Upsert(context.Background(), c))
	}
}

func reserve(s Store, id string, now time.Time) (keyalloc.Credential, error) {
	return s.Reserve(context.Background(), keyalloc.ReserveParams{ID: id, Now: now, Requests: 1, Ceilings: ceil})
}

func ids(creds []keyalloc.Credential) []string {
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = c.ID
	}
	return out
}

func testCandidatesOrder(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s,
		keyalloc.Credential{ID: "d", Rotating: true},
		keyalloc.Credential{ID: "c", Rotating: true},
		keyalloc.Credential{ID: "b", Rotating: true},
		keyalloc.Credential{ID: "a", Rotating: true, Priority: 5},
		keyalloc.Credential{ID: "retired", Rotating: false, Priority: 9},
		keyalloc.Credential{ID: "other", Service: "openai", Rotating: true},
	)
	_, err := reserve(s, "b", t0)
	require.NoError(t, err)
	_, err = reserve(s, "c", t0.Add(-time.Hour))
	require.NoError(t, err)

	got, err := s.Candidates(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "c", "b"}, ids(got))
}

func testReserveCharges(t *testing.T, s Store) {
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true, Priority: 2})

	c, err := s.Reserve(context.Background(), keyalloc.ReserveParams{
		ID: "k1", Now: t0, Requests: 1, Tokens: 250, Ceilings: ceil,
	})
	require.NoError(t, err)
	assert.Equal(t, "k1", c.ID)
	assert.Equal(t, "gemini", c.Service)
	assert.Equal(t, "secret-k1", c.Secret)
	assert.Equal(t, 2, c.Priority)
	assert.Equal(t, int64(1), c.DailyRequestCount)
	assert.Equal(t, int64(250), c.DailyTokenTotal)
	require.NotNil(t, c.LastUsed)
	assert.True(t, c.LastUsed.Equal(t0))
	assert.Nil(t, c.DisabledUntil)

	got, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func testReserveRejectsIneligible(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s,
		keyalloc.Credential{ID: "retired", Rotating: false},
		keyalloc.Credential{ID: "full", Rotating: true},
		keyalloc.Credential{ID: "cooling", Rotating: true},
	)

	for range ceil.Requests {
		_, err := reserve(s, "full", t0)
		require.NoError(t, err)
	}

	_, err := s.Commit(ctx, keyalloc.CommitParams{
		ID: "cooling", Now: t0, RateLimited: true, CooldownUntil: t0.Add(time.Minute), Ceilings: ceil,
	})
	require.NoError(t, err)

	for _, id := range []string{"retired", "full", "cooling", "missing"} {
		_, err := reserve(s, id, t0)
		assert.ErrorIs(t, err, keyalloc.ErrReservationLost, id)
	}

	// A cooldown ending exactly now no longer blocks.
	_, err = reserve(s, "cooling", t0.Add(time.Minute))
	assert.NoError(t, err)

	c, err := s.Get(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, ceil.Requests, c.DailyRequestCount)
}

func testReserveLastUsedMonotonic(t *testing.T, s Store) {
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true})

	_, err := reserve(s, "k1", t0)
	require.NoError(t, err)
	c, err := reserve(s, "k1", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, c.LastUsed.Equal(t0))
}

func testReserveLease(t *testing.T, s Store) {
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true})
	lease := t0.Add(5 * time.Minute)

	c, err := s.Reserve(context.Background(), keyalloc.ReserveParams{
		ID: "k1", Now: t0, Requests: 1, Ceilings: ceil, LeaseUntil: &lease,
	})
	require.NoError(t, err)
	require.NotNil(t, c.DisabledUntil)
	assert.True(t, c.DisabledUntil.Equal(lease))

	_, err = reserve(s, "k1", t0.Add(time.Minute))
	assert.ErrorIs(t, err, keyalloc.ErrReservationLost)
}

func testCommitChargesPositiveDelta(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true})
	_, err := s.Reserve(ctx, keyalloc.ReserveParams{ID: "k1", Now: t0, Requests: 1, Tokens: 300, Ceilings: ceil})
	require.NoError(t, err)

	c, err := s.Commit(ctx, keyalloc.CommitParams{
		ID: "k1", Service: "gemini", Mode: keyalloc.ModeReserve, Now: t0,
		PredictedTokens: 300, ActualTokens: 100, Success: true, Ceilings: ceil,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), c.DailyTokenTotal)

	c, err = s.Commit(ctx, keyalloc.CommitParams{
		ID: "k1", Service: "gemini", Mode: keyalloc.ModeReserve, Now: t0,
		PredictedTokens: 300, ActualTokens: 450, Success: true, Ceilings: ceil,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(450), c.DailyTokenTotal)
	assert.False(t, c.QuotaExhausted)
}

func testCommitMarksExhausted(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true}, keyalloc.Credential{ID: "k2", Rotating: true})

	_, err := reserve(s, "k1", t0)
	require.NoError(t, err)
	c, err := s.Commit(ctx, keyalloc.CommitParams{ID: "k1", Now: t0, ActualTokens: 1000, Success: true, Ceilings: ceil})
	require.NoError(t, err)
	assert.True(t, c.QuotaExhausted, "token ceiling")

	for range ceil.Requests {
		_, err := reserve(s, "k2", t0)
		require.NoError(t, err)
	}
	c, err = s.Commit(ctx, keyalloc.CommitParams{ID: "k2", Now: t0, Success: true, Ceilings: ceil})
	require.NoError(t, err)
	assert.True(t, c.QuotaExhausted, "request ceiling")
}

func testCommitRateLimited(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true})
	rl := func(until time.Time) keyalloc.Credential {
		t.Helper()
		c, err := s.Commit(ctx, keyalloc.CommitParams{
			ID: "k1", Now: t0, RateLimited: true, CooldownUntil: until, Ceilings: ceil,
		})
		require.NoError(t, err)
		return c
	}

	c := rl(t0.Add(2 * time.Minute))
	assert.Equal(t, 1, c.ThrottleStrikes)
	assert.True(t, c.DisabledUntil.Equal(t0.Add(2*time.Minute)))
	assert.False(t, c.QuotaExhausted)

	// A shorter cooldown never shortens an existing one.
	c = rl(t0.Add(time.Minute))
	assert.Equal(t, 2, c.ThrottleStrikes)
	assert.True(t, c.DisabledUntil.Equal(t0.Add(2*time.Minute)))

	c, err := s.Commit(ctx, keyalloc.CommitParams{ID: "k1", Now: t0, Success: true, Ceilings: ceil})
	require.NoError(t, err)
	assert.Zero(t, c.ThrottleStrikes)
	assert.True(t, c.DisabledUntil.Equal(t0.Add(2*time.Minute)))
}

func testCommitReleasesOwnLeaseOnly(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true})
	lease := t0.Add(5 * time.Minute)
	_, err := s.Reserve(ctx, keyalloc.ReserveParams{ID: "k1", Now: t0, Requests: 1, Ceilings: ceil, LeaseUntil: &lease})
	require.NoError(t, err)

	other := t0.Add(time.Minute)
	c, err := s.Commit(ctx, keyalloc.CommitParams{ID: "k1", Now: t0, Success: true, Ceilings: ceil, ReleaseLease: &other})
	require.NoError(t, err)
	require.NotNil(t, c.DisabledUntil)

	c, err = s.Commit(ctx, keyalloc.CommitParams{ID: "k1", Now: t0, Success: true, Ceilings: ceil, ReleaseLease: &lease})
	require.NoError(t, err)
	assert.Nil(t, c.DisabledUntil)
}

func testCommitNotFound(t *testing.T, s Store) {
	_, err := s.Commit(context.Background(), keyalloc.CommitParams{ID: "missing", Now: t0, Ceilings: ceil})
	assert.ErrorIs(t, err, keyalloc.ErrCredentialNotFound)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, keyalloc.ErrCredentialNotFound)
}

func testResetEpochIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true}, keyalloc.Credential{ID: "k2", Rotating: false})

	_, err := reserve(s, "k1", t0)
	require.NoError(t, err)
	_, err = s.Commit(ctx, keyalloc.CommitParams{
		ID: "k1", Now: t0, ActualTokens: 5000, RateLimited: true, CooldownUntil: t0.Add(time.Hour), Ceilings: ceil,
	})
	require.NoError(t, err)

	for range 2 {
		reset, err := s.ResetEpoch(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "k2"}, reset)

		c, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Zero(t, c.DailyRequestCount)
		assert.Zero(t, c.DailyTokenTotal)
		assert.False(t, c.QuotaExhausted)
		assert.Nil(t, c.DisabledUntil)
		assert.Zero(t, c.ThrottleStrikes)
		require.NotNil(t, c.LastUsed, "last_used survives a reset")
	}

	k2, err := s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, k2.Rotating, "reset does not re-enable retired credentials")
}

func testProvisioning(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true}, keyalloc.Credential{ID: "k2", Rotating: true})
	_, err := reserve(s, "k1", t0)
	require.NoError(t, err)

	seed(t, s, keyalloc.Credential{ID: "k1", Secret: "rotated-9999", Priority: 7, Rotating: true})
	c, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "rotated-9999", c.Secret)
	assert.Equal(t, 7, c.Priority)
	assert.Equal(t, int64(1), c.DailyRequestCount, "counters survive an upsert")

	require.NoError(t, s.Retire(ctx, "k2"))
	assert.ErrorIs(t, s.Retire(ctx, "missing"), keyalloc.ErrCredentialNotFound)

	all, err := s.List(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, ids(all))
	assert.False(t, all[1].Rotating)

	rotating, err := s.Candidates(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, ids(rotating))
}

func testConcurrentReserve(t *testing.T, s Store) {
	seed(t, s, keyalloc.Credential{ID: "k1", Rotating: true})

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reserve(s, "k1", t0)
			if err == nil {
				granted.Add(1)
				return
			}
			assert.ErrorIs(t, err, keyalloc.ErrReservationLost)
		}()
	}
	wg.Wait()

	assert.Equal(t, ceil.Requests, granted.Load())
	c, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, ceil.Requests, c.DailyRequestCount)
}
