package keyalloc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ka "github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/store/memory"
)

// cancelAfterResets cancels the sweep once n resets have succeeded.
type cancelAfterResets struct {
	recordingMeter
	n      int
	cancel context.CancelFunc
}

func (m *cancelAfterResets) OnReset(e ka.ResetEvent) {
	m.recordingMeter.OnReset(e)
	if e.Error != nil {
		return
	}
	m.n--
	if m.n == 0 {
		m.cancel()
	}
}

type flakyResetStore struct {
	*memory.Store
	failures int
}

func (s *flakyResetStore) ResetEpoch(ctx context.Context) ([]string, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.Join(ka.ErrTransientStore, errors.New("connection reset"))
	}
	return s.Store.ResetEpoch(ctx)
}

func TestSweeper_ResetsAtEveryMidnight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	m := &cancelAfterResets{n: 2, cancel: cancel}
	store := seededStore(t, ka.Credential{ID: "k1", DailyRequestCount: 60, QuotaExhausted: true})
	alloc, err := ka.NewAllocator(baseConfig(), store, ka.WithClock(clock), ka.WithMeter(m))
	require.NoError(t, err)

	require.NoError(t, ka.NewSweeper(alloc).Run(ctx))

	assert.Equal(t, []time.Duration{12 * time.Hour, 24 * time.Hour}, clock.Slept())
	require.Len(t, m.resets, 2)
	assert.Equal(t, 1, m.resets[0].Credentials)

	c, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, c.QuotaExhausted)
	assert.Zero(t, c.DailyRequestCount)
}

func TestSweeper_RetriesFailedReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	m := &cancelAfterResets{n: 1, cancel: cancel}
	store := &flakyResetStore{Store: seededStore(t, ka.Credential{ID: "k1"}), failures: 2}
	alloc, err := ka.NewAllocator(baseConfig(), store, ka.WithClock(clock), ka.WithMeter(m))
	require.NoError(t, err)

	sweeper := ka.NewSweeper(alloc, ka.WithRunOnStart(true), ka.WithRetryDelay(10*time.Second))
	require.NoError(t, sweeper.Run(ctx))

	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.Slept())
	require.Len(t, m.resets, 3)
	assert.Error(t, m.resets[0].Error)
	assert.Error(t, m.resets[1].Error)
	assert.NoError(t, m.resets[2].Error)
}

func TestSweeper_CustomSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	m := &cancelAfterResets{n: 3, cancel: cancel}
	alloc, err := ka.NewAllocator(baseConfig(), memory.New(), ka.WithClock(clock), ka.WithMeter(m))
	require.NoError(t, err)

	hourly := func(now time.Time) time.Time { return now.Truncate(time.Hour).Add(time.Hour) }
	require.NoError(t, ka.NewSweeper(alloc, ka.WithSchedule(hourly)).Run(ctx))

	assert.Equal(t, []time.Duration{time.Hour, time.Hour, time.Hour}, clock.Slept())
}

func TestSweeper_StartStop(t *testing.T) {
	alloc, err := ka.NewAllocator(baseConfig(), memory.New())
	require.NoError(t, err)

	s := ka.NewSweeper(alloc)
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
