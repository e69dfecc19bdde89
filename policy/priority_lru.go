package policy

import (
	"sort"

	"github.com/ineyio/keyalloc"
)

// PriorityLRUPolicy orders by priority DESC, then least recently used first.
// Never-used credentials come before any used one; ties break on id.
type PriorityLRUPolicy struct{}

var _ keyalloc.Policy = (*PriorityLRUPolicy)(nil)

func (p *PriorityLRUPolicy) Order(candidates []keyalloc.Credential) []keyalloc.Credential {
	result := make([]keyalloc.Credential, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		return keyalloc.LessPriorityLRU(result[i], result[j])
	})

	return result
}
