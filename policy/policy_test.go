package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/policy"
)

func ids(creds []keyalloc.Credential) []string {
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = c.ID
	}
	return out
}

func at(minutesAgo int) *time.Time {
	t := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC).Add(-time.Duration(minutesAgo) * time.Minute)
	return &t
}

func TestPriorityLRUPolicy(t *testing.T) {
	candidates := []keyalloc.Credential{
		{ID: "recent", LastUsed: at(1)},
		{ID: "b-never"},
		{ID: "old", LastUsed: at(60)},
		{ID: "a-never"},
		{ID: "preferred", Priority: 10, LastUsed: at(0)},
		{ID: "backup", Priority: -1},
	}

	p := &policy.PriorityLRUPolicy{}
	got := p.Order(candidates)
	assert.Equal(t, []string{"preferred", "a-never", "b-never", "old", "recent", "backup"}, ids(got))
	assert.Equal(t, "recent", candidates[0].ID, "input is not reordered")
}

func TestLeastUsedPolicy(t *testing.T) {
	candidates := []keyalloc.Credential{
		{ID: "busy", Priority: 10, DailyRequestCount: 40},
		{ID: "heavy", DailyRequestCount: 5, DailyTokenTotal: 9000},
		{ID: "light", DailyRequestCount: 5, DailyTokenTotal: 100},
		{ID: "tie-old", DailyRequestCount: 1, LastUsed: at(30)},
		{ID: "tie-new", DailyRequestCount: 1, LastUsed: at(2)},
	}

	p := &policy.LeastUsedPolicy{}
	assert.Equal(t, []string{"tie-old", "tie-new", "light", "heavy", "busy"}, ids(p.Order(candidates)))
}

func TestPolicies_Empty(t *testing.T) {
	assert.Empty(t, (&policy.PriorityLRUPolicy{}).Order(nil))
	assert.Empty(t, (&policy.LeastUsedPolicy{}).Order(nil))
}

func TestByName(t *testing.T) {
	p, err := policy.ByName("")
	require.NoError(t, err)
	assert.IsType(t, &policy.PriorityLRUPolicy{}, p)

	p, err = policy.ByName("least-used")
	require.NoError(t, err)
	assert.IsType(t, &policy.LeastUsedPolicy{}, p)

	_, err = policy.ByName("cheapest")
	assert.ErrorIs(t, err, keyalloc.ErrConfiguration)
}
