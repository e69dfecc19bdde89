package keyalloc

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Sweeper runs ResetEpoch at every epoch boundary.
// Running it on several hosts is safe because ResetEpoch is idempotent.
type Sweeper struct {
	alloc      *Allocator
	next       func(now time.Time) time.Time
	runOnStart bool
	retryDelay time.Duration

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule sets the function returning the next boundary after now.
// The default is the next UTC midnight.
func WithSchedule(next func(now time.Time) time.Time) SweeperOption {
	return func(s *Sweeper) { s.next = next }
}

// WithRunOnStart resets once before waiting for the first boundary.
func WithRunOnStart(v bool) SweeperOption {
	return func(s *Sweeper) { s.runOnStart = v }
}

// WithRetryDelay sets the pause before retrying a failed reset (default 1m).
func WithRetryDelay(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retryDelay = d }
}

// NewSweeper creates a Sweeper for a.
func NewSweeper(a *Allocator, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		alloc:      a,
		next:       nextEpochUTC,
		retryDelay: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop in the background until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(ctx)
	}()
}

// Stop ends a loop started with Start and waits for it to return.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

// Run blocks, resetting at every boundary, until ctx is done. A failed reset
// is retried until it succeeds or ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.runOnStart {
		if err := s.sweepUntilDone(ctx); err != nil {
			return ignoreDone(err)
		}
	}
	for {
		now := s.alloc.clock.Now()
		if err := s.alloc.clock.Sleep(ctx, s.next(now).Sub(now)); err != nil {
			return ignoreDone(err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := s.sweepUntilDone(ctx); err != nil {
			return ignoreDone(err)
		}
	}
}

func (s *Sweeper) sweepUntilDone(ctx context.Context) error {
	for {
		n, err := s.alloc.ResetEpoch(ctx)
		if err == nil {
			s.alloc.logger.Info("epoch reset", "credentials", n)
			return nil
		}
		s.alloc.logger.Error("epoch reset failed", "error", err, "retry_in", s.retryDelay)
		if err := s.alloc.clock.Sleep(ctx, s.retryDelay); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func ignoreDone(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
