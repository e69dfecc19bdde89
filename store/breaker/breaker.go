// Package breaker wraps a keyalloc.Store with a circuit breaker so that a
// failing store fails fast instead of stalling every caller.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ineyio/keyalloc"
	"github.com/sony/gobreaker"
)

// Config configures the breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
	Logger           *slog.Logger
}

// Store is a keyalloc.Store guarded by a circuit breaker. Only transient
// store errors count as failures; lost reservations and missing credentials
// are ordinary answers.
type Store struct {
	inner keyalloc.Store
	cb    *gobreaker.CircuitBreaker
}

var (
	_ keyalloc.Store             = (*Store)(nil)
	_ keyalloc.Provisioner       = (*Store)(nil)
	_ keyalloc.SchemaInitializer = (*Store)(nil)
)

// New wraps inner.
func New(inner keyalloc.Store, cfg Config) *Store {
	if cfg.Name == "" {
		cfg.Name = "keyalloc-store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isSuccessful,
	}
	return &Store{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Unwrap returns the guarded store.
func (s *Store) Unwrap() keyalloc.Store { return s.inner }

// State reports the breaker state.
func (s *Store) State() gobreaker.State { return s.cb.State() }

func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, keyalloc.ErrTransientStore)
}

func execute[T any](s *Store, fn func() (T, error)) (T, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("keyalloc/breaker: %w: %w", keyalloc.ErrTransientStore, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func (s *Store) Candidates(ctx context.Context, service string) ([]keyalloc.Credential, error) {
	return execute(s, func() ([]keyalloc.Credential, error) { return s.inner.Candidates(ctx, service) })
}

func (s *Store) Get(ctx context.Context, id string) (keyalloc.Credential, error) {
	return execute(s, func() (keyalloc.Credential, error) { return s.inner.Get(ctx, id) })
}

func (s *Store) Reserve(ctx context.Context, p keyalloc.ReserveParams) (keyalloc.Credential, error) {
	return execute(s, func() (keyalloc.Credential, error) { return s.inner.Reserve(ctx, p) })
}

func (s *Store) Commit(ctx context.Context, p keyalloc.CommitParams) (keyalloc.Credential, error) {
	return execute(s, func() (keyalloc.Credential, error) { return s.inner.Commit(ctx, p) })
}

func (s *Store) ResetEpoch(ctx context.Context) ([]string, error) {
	return execute(s, func() ([]string, error) { return s.inner.ResetEpoch(ctx) })
}

// Upsert, Retire, List and EnsureSchema pass through to the inner store when
// it supports them. They bypass the breaker: they are operator actions.

func (s *Store) Upsert(ctx context.Context, c keyalloc.Credential) error {
	p, err := s.provisioner()
	if err != nil {
		return err
	}
	return p.Upsert(ctx, c)
}

func (s *Store) Retire(ctx context.Context, id string) error {
	p, err := s.provisioner()
	if err != nil {
		return err
	}
	return p.Retire(ctx, id)
}

func (s *Store) List(ctx context.Context, service string) ([]keyalloc.Credential, error) {
	p, err := s.provisioner()
	if err != nil {
		return nil, err
	}
	return p.List(ctx, service)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	si, ok := s.inner.(keyalloc.SchemaInitializer)
	if !ok {
		return nil
	}
	return si.EnsureSchema(ctx)
}

func (s *Store) provisioner() (keyalloc.Provisioner, error) {
	p, ok := s.inner.(keyalloc.Provisioner)
	if !ok {
		return nil, fmt.Errorf("%w: store does not support provisioning", keyalloc.ErrConfiguration)
	}
	return p, nil
}
