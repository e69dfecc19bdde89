package keyalloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Allocator hands out credentials from per-service pools.
type Allocator struct {
	cfg    Config
	store  Store
	cache  Cache
	policy Policy
	meter  Meter
	clock  Clock
	logger *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithCache sets the advisory eligibility cache.
func WithCache(c Cache) Option {
	return func(a *Allocator) { a.cache = c }
}

// WithPolicy sets the candidate ordering policy.
func WithPolicy(p Policy) Option {
	return func(a *Allocator) { a.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(a *Allocator) { a.meter = m }
}

// WithClock sets the clock.
func WithClock(c Clock) Option {
	return func(a *Allocator) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// NewAllocator creates an Allocator over store.
// Defaults (priority/LRU ordering, no cache, no meter, system clock) are used
// unless overridden via options.
func NewAllocator(cfg Config, store Store, opts ...Option) (*Allocator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: a store is required", ErrConfiguration)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Allocator{
		cfg:   cfg,
		store: store,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.cache == nil {
		a.cache = noopCache{}
	}
	if a.policy == nil {
		a.policy = defaultPriorityLRUPolicy{}
	}
	if a.meter == nil {
		a.meter = noopMeter{}
	}
	if a.clock == nil {
		a.clock = SystemClock{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	return a, nil
}

// Config returns the effective configuration.
func (a *Allocator) Config() Config { return a.cfg }

// now is truncated to the precision every store can round-trip.
func (a *Allocator) now() time.Time {
	return a.clock.Now().UTC().Truncate(time.Microsecond)
}

// Acquire reserves one eligible credential of req.Service.
// It returns ErrPoolExhausted (wrapped in *AllocError) when none can be reserved.
func (a *Allocator) Acquire(ctx context.Context, req AcquireRequest) (Grant, error) {
	if req.Mode == "" {
		req.Mode = ModeMarkUse
	}
	if err := req.Validate(); err != nil {
		return Grant{}, err
	}
	ceil := a.cfg.CeilingsFor(req.Service)

	ev := AcquireEvent{Service: req.Service, Mode: req.Mode, Estimated: req.EstimatedTokens}

	rows, err := a.store.Candidates(ctx, req.Service)
	if err != nil {
		return Grant{}, a.acquireFailed(ev, err)
	}

	now := a.now()
	eligible, skipped := a.filter(ctx, rows, now, ceil)
	ev.Skipped = skipped
	ordered := a.policy.Order(eligible)

	for len(ordered) > 0 {
		i, wait := a.pick(ordered, now)
		if i < 0 {
			ev.Skipped += len(ordered)
			break
		}
		c := ordered[i]
		ordered = slices.Delete(ordered, i, i+1)

		if wait > 0 {
			a.logger.Debug("throttle wait", "service", req.Service, "credential", c.ID, "wait", wait)
			if err := a.clock.Sleep(ctx, wait); err != nil {
				return Grant{}, a.acquireFailed(ev, err)
			}
			ev.Waited += wait
			now = a.now()
		}

		ev.Attempts++
		grant, err := a.reserve(ctx, req, c, ceil, now)
		if errors.Is(err, ErrReservationLost) {
			a.logger.Debug("reservation lost", "service", req.Service, "credential", c.ID)
			a.invalidate(ctx, c.ID)
			continue
		}
		if err != nil {
			ev.CredentialID = c.ID
			return Grant{}, a.acquireFailed(ev, err)
		}

		grant.Attempts = ev.Attempts
		ev.CredentialID = c.ID
		a.meter.OnAcquire(ev)
		return grant, nil
	}

	return Grant{}, a.acquireFailed(ev, ErrPoolExhausted)
}

func (a *Allocator) acquireFailed(ev AcquireEvent, err error) error {
	wrapped := &AllocError{
		Err:          err,
		Service:      ev.Service,
		CredentialID: ev.CredentialID,
		Attempts:     ev.Attempts,
	}
	ev.Error = wrapped
	a.meter.OnAcquire(ev)
	return wrapped
}

// filter drops rows that are cached or evaluated as ineligible.
func (a *Allocator) filter(ctx context.Context, rows []Credential, now time.Time, ceil Ceilings) ([]Credential, int) {
	eligible := make([]Credential, 0, len(rows))
	skipped := 0
	for _, c := range rows {
		if st, ok := a.cached(ctx, c.ID); ok && st != StatusEligible {
			skipped++
			continue
		}
		st := Evaluate(c, now, ceil)
		if st != StatusEligible {
			a.remember(ctx, c.ID, st)
			skipped++
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, skipped
}

// pick chooses the next candidate under the throttle policy. It returns -1
// when no candidate may be tried.
func (a *Allocator) pick(ordered []Credential, now time.Time) (int, time.Duration) {
	if a.cfg.Throttle.Policy == ThrottleBlock {
		return 0, a.throttleWait(ordered[0], now)
	}

	best, bestWait := -1, time.Duration(0)
	for i, c := range ordered {
		wait := a.throttleWait(c, now)
		if wait == 0 {
			return i, 0
		}
		if best < 0 || wait < bestWait {
			best, bestWait = i, wait
		}
	}
	if a.cfg.Throttle.Policy == ThrottleSkip {
		return -1, 0
	}
	return best, bestWait
}

// throttleWait returns how long c must rest before its next use.
func (a *Allocator) throttleWait(c Credential, now time.Time) time.Duration {
	interval := a.cfg.Throttle.MinInterval
	if interval <= 0 || c.LastUsed == nil {
		return 0
	}
	wait := c.LastUsed.Add(interval).Sub(now)
	if wait <= 0 {
		return 0
	}
	return min(wait, interval)
}

func (a *Allocator) reserve(ctx context.Context, req AcquireRequest, c Credential, ceil Ceilings, now time.Time) (Grant, error) {
	p := ReserveParams{
		ID:       c.ID,
		Now:      now,
		Requests: 1,
		Ceilings: ceil,
	}
	var predicted int64
	if req.Mode == ModeReserve {
		predicted = req.EstimatedTokens
		p.Tokens = predicted
	}
	if req.Lease > 0 {
		until := now.Add(req.Lease).Truncate(time.Microsecond)
		p.LeaseUntil = &until
	}

	updated, err := a.store.Reserve(ctx, p)
	if err != nil {
		return Grant{}, err
	}
	a.remember(ctx, updated.ID, Evaluate(updated, now, ceil))

	expires := nextEpochUTC(now)
	if p.LeaseUntil != nil {
		expires = *p.LeaseUntil
	}

	return Grant{
		ReservationID:   uuid.New().String(),
		CredentialID:    updated.ID,
		Service:         updated.Service,
		Secret:          updated.Secret,
		Mode:            req.Mode,
		PredictedTokens: predicted,
		LeaseUntil:      p.LeaseUntil,
		ExpiresHint:     expires,
		Credential:      updated,
	}, nil
}

// Commit records the outcome of a granted reservation and returns the
// updated credential. It must be called once per successful Acquire.
func (a *Allocator) Commit(ctx context.Context, req CommitRequest) (Credential, error) {
	if req.CredentialID == "" {
		return Credential{}, fmt.Errorf("%w: credential id is required", ErrInvalidRequest)
	}
	if req.ActualTokens < 0 || req.PredictedTokens < 0 {
		return Credential{}, fmt.Errorf("%w: token counts must not be negative", ErrInvalidRequest)
	}

	now := a.now()
	// Ceilings and the usage log follow the stored service.
	cur, err := a.store.Get(ctx, req.CredentialID)
	if err != nil {
		return Credential{}, err
	}
	if req.Service != "" && req.Service != cur.Service {
		return Credential{}, fmt.Errorf("%w: credential %q belongs to service %q, not %q",
			ErrInvalidRequest, req.CredentialID, cur.Service, req.Service)
	}
	service := cur.Service
	strikes := cur.ThrottleStrikes
	ceil := a.cfg.CeilingsFor(service)

	p := CommitParams{
		ReservationID:   req.ReservationID,
		ID:              req.CredentialID,
		Service:         service,
		Mode:            req.Mode,
		Now:             now,
		PredictedTokens: req.PredictedTokens,
		ActualTokens:    req.ActualTokens,
		Success:         req.Success,
		RateLimited:     req.RateLimited,
		Ceilings:        ceil,
	}
	if req.RateLimited {
		p.CooldownUntil = now.Add(a.cfg.Backoff.Duration(strikes)).Truncate(time.Microsecond)
	} else if req.LeaseUntil != nil {
		lease := req.LeaseUntil.UTC().Truncate(time.Microsecond)
		p.ReleaseLease = &lease
	}

	ev := CommitEvent{
		Service:         service,
		CredentialID:    req.CredentialID,
		PredictedTokens: req.PredictedTokens,
		ActualTokens:    req.ActualTokens,
		DeltaTokens:     p.DeltaTokens(),
		Success:         req.Success,
		RateLimited:     req.RateLimited,
		Ceilings:        ceil,
	}

	updated, err := a.store.Commit(ctx, p)
	if err != nil {
		a.invalidate(ctx, req.CredentialID)
		ev.Error = err
		a.meter.OnCommit(ev)
		return Credential{}, err
	}
	a.remember(ctx, updated.ID, Evaluate(updated, now, ceil))

	if req.RateLimited {
		ev.CooldownUntil = updated.DisabledUntil
	}
	ev.RequestCount = updated.DailyRequestCount
	ev.TokenTotal = updated.DailyTokenTotal
	ev.Exhausted = updated.QuotaExhausted
	a.meter.OnCommit(ev)

	return updated, nil
}

// ResetEpoch starts a new quota epoch for every credential.
// It returns the number of credentials reset.
func (a *Allocator) ResetEpoch(ctx context.Context) (int, error) {
	ids, err := a.store.ResetEpoch(ctx)
	if err != nil {
		a.meter.OnReset(ResetEvent{Error: err})
		return 0, err
	}
	for _, id := range ids {
		a.invalidate(ctx, id)
	}
	a.meter.OnReset(ResetEvent{Credentials: len(ids)})
	return len(ids), nil
}

func (a *Allocator) cached(ctx context.Context, id string) (Status, bool) {
	st, ok, err := a.cache.Get(ctx, id)
	if err != nil {
		a.logger.Warn("cache get failed", "credential", id, "error", err)
		return 0, false
	}
	return st, ok
}

func (a *Allocator) remember(ctx context.Context, id string, st Status) {
	if err := a.cache.Set(ctx, id, st); err != nil {
		a.logger.Warn("cache set failed", "credential", id, "error", err)
	}
}

func (a *Allocator) invalidate(ctx context.Context, id string) {
	if err := a.cache.Invalidate(ctx, id); err != nil {
		a.logger.Warn("cache invalidate failed", "credential", id, "error", err)
	}
}
