package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/store/sqlite"
	"github.com/ineyio/keyalloc/store/storetest"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "nested", "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := sqlite.New(db, sqlite.WithTablePrefix("test_"))
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t) })
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.EnsureSchema(context.Background()))
}

func TestMissingSchema_IsConfigurationError(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := sqlite.New(db)
	ctx := context.Background()

	_, err = s.Candidates(ctx, "gemini")
	require.ErrorIs(t, err, keyalloc.ErrConfiguration)
	assert.NotErrorIs(t, err, keyalloc.ErrTransientStore)
	assert.False(t, keyalloc.IsRetryable(err))
	assert.Contains(t, err.Error(), "run migrate")

	_, err = s.Usage(ctx, keyalloc.UsageQuery{})
	assert.ErrorIs(t, err, keyalloc.ErrConfiguration)
	err = s.Upsert(ctx, keyalloc.Credential{ID: "k1", Service: "gemini"})
	assert.ErrorIs(t, err, keyalloc.ErrConfiguration)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := sqlite.Open("")
	assert.Error(t, err)
}

func TestUsageAndPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Upsert(ctx, keyalloc.Credential{ID: "k1", Service: "gemini", Secret: "s", Rotating: true}))

	ceil := keyalloc.Ceilings{Requests: 10, Tokens: 1000}
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond)
	recent := time.Now().UTC().Truncate(time.Microsecond)
	for i, now := range []time.Time{old, recent} {
		_, err := s.Commit(ctx, keyalloc.CommitParams{
			ReservationID: []string{"r-old", "r-new"}[i], ID: "k1", Service: "gemini",
			Mode: keyalloc.ModeReserve, Now: now, PredictedTokens: 50, ActualTokens: 20,
			Success: true, Ceilings: ceil,
		})
		require.NoError(t, err)
	}

	usage, err := s.Usage(ctx, keyalloc.UsageQuery{CredentialID: "k1"})
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "r-new", usage[0].ReservationID)
	assert.Equal(t, "r-old", usage[1].ReservationID)
	assert.Equal(t, keyalloc.ModeReserve, usage[1].Mode)
	assert.Equal(t, int64(-30), usage[1].DeltaTokens)
	assert.True(t, usage[1].Success)
	assert.True(t, usage[1].RecordedAt.Equal(old))

	usage, err = s.Usage(ctx, keyalloc.UsageQuery{Service: "gemini", Limit: 1})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "r-new", usage[0].ReservationID)

	usage, err = s.Usage(ctx, keyalloc.UsageQuery{Service: "openai"})
	require.NoError(t, err)
	assert.Empty(t, usage)

	n, err := s.PruneUsage(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	usage, err = s.Usage(ctx, keyalloc.UsageQuery{CredentialID: "k1"})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "r-new", usage[0].ReservationID)
}

func TestSharedFileAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	open := func() *sqlite.Store {
		db, err := sqlite.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		s := sqlite.New(db)
		require.NoError(t, s.EnsureSchema(ctx))
		return s
	}
	a, b := open(), open()

	require.NoError(t, a.Upsert(ctx, keyalloc.Credential{ID: "k1", Service: "gemini", Secret: "s", Rotating: true}))
	p := keyalloc.ReserveParams{ID: "k1", Now: time.Now().UTC(), Requests: 1, Ceilings: keyalloc.Ceilings{Requests: 1, Tokens: 10}}

	_, err := b.Reserve(ctx, p)
	require.NoError(t, err)
	_, err = a.Reserve(ctx, p)
	assert.ErrorIs(t, err, keyalloc.ErrReservationLost)
}
