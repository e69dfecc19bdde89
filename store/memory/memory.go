// Package memory provides an in-process Store for keyalloc.
//
// Every operation runs under a single mutex, so reservations and commits are
// linearizable within the process. State does not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/keyalloc"
)

// Store is an in-memory keyalloc.Store.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*keyalloc.Credential
	usage       []keyalloc.UsageRecord
}

var (
	_ keyalloc.Store       = (*Store)(nil)
	_ keyalloc.Provisioner = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		credentials: make(map[string]*keyalloc.Credential),
	}
}

// Candidates returns the rotating credentials of a service.
func (s *Store) Candidates(_ context.Context, service string) ([]keyalloc.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []keyalloc.Credential
	for _, c := range s.credentials {
		if c.Service == service && c.Rotating {
			out = append(out, clone(*c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return keyalloc.LessPriorityLRU(out[i], out[j])
	})
	return out, nil
}

// Get returns a credential by id.
func (s *Store) Get(_ context.Context, id string) (keyalloc.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[id]
	if !ok {
		return keyalloc.Credential{}, fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, id)
	}
	return clone(*c), nil
}

// Reserve charges the credential only if it is still eligible.
func (s *Store) Reserve(_ context.Context, p keyalloc.ReserveParams) (keyalloc.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[p.ID]
	if !ok || !keyalloc.Eligible(*c, p.Now, p.Ceilings) {
		return keyalloc.Credential{}, keyalloc.ErrReservationLost
	}

	c.DailyRequestCount += p.Requests
	c.DailyTokenTotal += p.Tokens
	if c.LastUsed == nil || p.Now.After(*c.LastUsed) {
		c.LastUsed = timePtr(p.Now)
	}
	if p.LeaseUntil != nil {
		c.DisabledUntil = timePtr(*p.LeaseUntil)
	}
	return clone(*c), nil
}

// Commit records actual usage and re-evaluates exhaustion.
func (s *Store) Commit(_ context.Context, p keyalloc.CommitParams) (keyalloc.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[p.ID]
	if !ok {
		return keyalloc.Credential{}, fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, p.ID)
	}

	c.DailyTokenTotal += p.ChargeTokens()

	switch {
	case p.RateLimited:
		c.ThrottleStrikes++
		if c.DisabledUntil == nil || p.CooldownUntil.After(*c.DisabledUntil) {
			c.DisabledUntil = timePtr(p.CooldownUntil)
		}
	case p.ReleaseLease != nil && c.DisabledUntil != nil && c.DisabledUntil.Equal(*p.ReleaseLease):
		c.DisabledUntil = nil
	}
	if p.Success && !p.RateLimited {
		c.ThrottleStrikes = 0
	}

	if keyalloc.OverCeiling(*c, p.Ceilings) {
		c.QuotaExhausted = true
	}

	s.usage = append(s.usage, keyalloc.UsageRecordFrom(p))
	return clone(*c), nil
}

// ResetEpoch clears counters, exhaustion and cooldown for all credentials.
func (s *Store) ResetEpoch(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.credentials))
	for id, c := range s.credentials {
		c.DailyRequestCount = 0
		c.DailyTokenTotal = 0
		c.QuotaExhausted = false
		c.DisabledUntil = nil
		c.ThrottleStrikes = 0
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Upsert creates or updates a credential. Counters of an existing credential
// are preserved.
func (s *Store) Upsert(_ context.Context, c keyalloc.Credential) error {
	if c.ID == "" {
		return fmt.Errorf("%w: credential id is required", keyalloc.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.credentials[c.ID]; ok {
		existing.Service = c.Service
		existing.Secret = c.Secret
		existing.Priority = c.Priority
		existing.Rotating = c.Rotating
		return nil
	}
	stored := clone(c)
	s.credentials[c.ID] = &stored
	return nil
}

// Retire excludes a credential from automatic allocation.
func (s *Store) Retire(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, id)
	}
	c.Rotating = false
	return nil
}

// List returns every credential of a service.
func (s *Store) List(_ context.Context, service string) ([]keyalloc.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []keyalloc.Credential
	for _, c := range s.credentials {
		if c.Service == service {
			out = append(out, clone(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Usage returns usage log rows matching q, most recent first.
func (s *Store) Usage(_ context.Context, q keyalloc.UsageQuery) ([]keyalloc.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []keyalloc.UsageRecord
	for i := len(s.usage) - 1; i >= 0; i-- {
		r := s.usage[i]
		if q.CredentialID != "" && r.CredentialID != q.CredentialID {
			continue
		}
		if q.Service != "" && r.Service != q.Service {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// clone deep-copies the pointer fields so callers never alias stored state.
func clone(c keyalloc.Credential) keyalloc.Credential {
	if c.DisabledUntil != nil {
		c.DisabledUntil = timePtr(*c.DisabledUntil)
	}
	if c.LastUsed != nil {
		c.LastUsed = timePtr(*c.LastUsed)
	}
	return c
}

func timePtr(t time.Time) *time.Time { return &t }
