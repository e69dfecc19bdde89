// Package retry re-runs Acquire when the pool is momentarily exhausted or the
// store hiccups.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/ineyio/keyalloc"
)

// Acquirer is satisfied by *keyalloc.Allocator.
type Acquirer interface {
	Acquire(ctx context.Context, req keyalloc.AcquireRequest) (keyalloc.Grant, error)
}

// Policy configures retries of Acquire.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
}

// DefaultPolicy retries three times with exponential backoff from 1s to 30s.
var DefaultPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
	Jitter:     250 * time.Millisecond,
}

// NewRetryPolicy builds a failsafe retry policy that only handles retryable
// allocator errors. Fatal errors are returned at once.
func NewRetryPolicy(p Policy) retrypolicy.RetryPolicy[keyalloc.Grant] {
	builder := retrypolicy.NewBuilder[keyalloc.Grant]().
		HandleIf(func(_ keyalloc.Grant, err error) bool {
			return keyalloc.IsRetryable(err)
		}).
		WithMaxRetries(p.MaxRetries).
		ReturnLastFailure()
	if p.MaxDelay > p.BaseDelay && p.BaseDelay > 0 {
		builder = builder.WithBackoff(p.BaseDelay, p.MaxDelay)
	} else {
		builder = builder.WithDelay(p.BaseDelay)
	}
	if p.Jitter > 0 {
		builder = builder.WithJitter(p.Jitter)
	}
	return builder.Build()
}

// Acquire calls a.Acquire until it succeeds, fails fatally, runs out of
// retries, or ctx is done.
func Acquire(ctx context.Context, a Acquirer, req keyalloc.AcquireRequest, p Policy) (keyalloc.Grant, error) {
	rp := NewRetryPolicy(p)
	return failsafe.With(rp).WithContext(ctx).Get(func() (keyalloc.Grant, error) {
		return a.Acquire(ctx, req)
	})
}
