package policy

import (
	"fmt"
	"sort"

	"github.com/ineyio/keyalloc"
)

// LeastUsedPolicy spreads load by preferring the credential with the most
// headroom: fewest requests this epoch, then fewest tokens. Remaining ties
// fall back to priority/LRU order.
type LeastUsedPolicy struct{}

var _ keyalloc.Policy = (*LeastUsedPolicy)(nil)

func (p *LeastUsedPolicy) Order(candidates []keyalloc.Credential) []keyalloc.Credential {
	result := make([]keyalloc.Credential, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]

		if ci.DailyRequestCount != cj.DailyRequestCount {
			return ci.DailyRequestCount < cj.DailyRequestCount
		}
		if ci.DailyTokenTotal != cj.DailyTokenTotal {
			return ci.DailyTokenTotal < cj.DailyTokenTotal
		}
		return keyalloc.LessPriorityLRU(ci, cj)
	})

	return result
}

// ByName returns the policy registered under name: "priority-lru" (the
// default when name is empty) or "least-used".
func ByName(name string) (keyalloc.Policy, error) {
	switch name {
	case "", "priority-lru":
		return &PriorityLRUPolicy{}, nil
	case "least-used":
		return &LeastUsedPolicy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", keyalloc.ErrConfiguration, name)
	}
}
