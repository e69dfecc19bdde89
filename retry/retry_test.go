package retry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/retry"
)

type scriptedAcquirer struct {
	errs  []error
	calls int
}

func (s *scriptedAcquirer) Acquire(context.Context, keyalloc.AcquireRequest) (keyalloc.Grant, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return keyalloc.Grant{}, s.errs[i]
	}
	return keyalloc.Grant{CredentialID: "k1"}, nil
}

var fast = retry.Policy{MaxRetries: 3}

func TestAcquire_RetriesPoolExhausted(t *testing.T) {
	a := &scriptedAcquirer{errs: []error{
		&keyalloc.AllocError{Err: keyalloc.ErrPoolExhausted},
		&keyalloc.AllocError{Err: keyalloc.ErrTransientStore},
	}}

	grant, err := retry.Acquire(context.Background(), a, keyalloc.AcquireRequest{Service: "gemini"}, fast)
	require.NoError(t, err)
	assert.Equal(t, "k1", grant.CredentialID)
	assert.Equal(t, 3, a.calls)
}

func TestAcquire_FatalNotRetried(t *testing.T) {
	a := &scriptedAcquirer{errs: []error{keyalloc.ErrInvalidRequest}}

	_, err := retry.Acquire(context.Background(), a, keyalloc.AcquireRequest{}, fast)
	require.ErrorIs(t, err, keyalloc.ErrInvalidRequest)
	assert.Equal(t, 1, a.calls)
}

func TestAcquire_ReturnsLastFailure(t *testing.T) {
	exhausted := &keyalloc.AllocError{Err: keyalloc.ErrPoolExhausted, Service: "gemini"}
	a := &scriptedAcquirer{errs: []error{exhausted, exhausted, exhausted, exhausted}}

	_, err := retry.Acquire(context.Background(), a, keyalloc.AcquireRequest{Service: "gemini"}, fast)
	require.ErrorIs(t, err, keyalloc.ErrPoolExhausted)

	var allocErr *keyalloc.AllocError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, "gemini", allocErr.Service)
	assert.Equal(t, 4, a.calls)
}
