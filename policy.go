package keyalloc

import "sort"

// Policy orders eligible candidates. The first candidate is tried first.
type Policy interface {
	Order(candidates []Credential) []Credential
}

// ThrottlePolicy decides what to do with a candidate used less than
// Throttle.MinInterval ago.
type ThrottlePolicy string

const (
	// ThrottleAuto prefers candidates that are not hot and waits only when
	// every remaining candidate is hot.
	ThrottleAuto ThrottlePolicy = "auto"
	// ThrottleSkip never waits; hot candidates are skipped.
	ThrottleSkip ThrottlePolicy = "skip"
	// ThrottleBlock takes candidates in order and waits for hot ones.
	ThrottleBlock ThrottlePolicy = "block"
)

// defaultPriorityLRUPolicy is an inline priority/LRU policy to avoid import cycles.
type defaultPriorityLRUPolicy struct{}

func (defaultPriorityLRUPolicy) Order(candidates []Credential) []Credential {
	result := make([]Credential, len(candidates))
	copy(result, candidates)
	sort.SliceStable(result, func(i, j int) bool {
		return LessPriorityLRU(result[i], result[j])
	})
	return result
}

// LessPriorityLRU orders by priority DESC, last_used ASC NULLS FIRST, id ASC.
func LessPriorityLRU(a, b Credential) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	switch {
	case a.LastUsed == nil && b.LastUsed != nil:
		return true
	case a.LastUsed != nil && b.LastUsed == nil:
		return false
	case a.LastUsed != nil && b.LastUsed != nil && !a.LastUsed.Equal(*b.LastUsed):
		return a.LastUsed.Before(*b.LastUsed)
	}
	return a.ID < b.ID
}
