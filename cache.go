package keyalloc

import "context"

// Cache is an advisory mirror of eligibility answers keyed by credential id.
// A stale entry may cost a wasted reservation attempt or a skipped credential,
// never an incorrect grant.
type Cache interface {
	// Get returns the cached status. ok is false on a miss.
	Get(ctx context.Context, id string) (status Status, ok bool, err error)

	// Set stores a status with the cache's TTL.
	Set(ctx context.Context, id string, status Status) error

	// Invalidate drops the entry for id.
	Invalidate(ctx context.Context, id string) error
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (Status, bool, error) { return 0, false, nil }
func (noopCache) Set(context.Context, string, Status) error         { return nil }
func (noopCache) Invalidate(context.Context, string) error          { return nil }
