package keyalloc

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrPoolExhausted      = errors.New("keyalloc: pool exhausted")
	ErrTransientStore     = errors.New("keyalloc: store unavailable")
	ErrReservationLost    = errors.New("keyalloc: reservation lost")
	ErrConfiguration      = errors.New("keyalloc: invalid configuration")
	ErrCredentialNotFound = errors.New("keyalloc: credential not found")
	ErrInvalidRequest     = errors.New("keyalloc: invalid request")
)

// AllocError wraps an error with allocation context.
type AllocError struct {
	Err          error
	Service      string
	CredentialID string
	Attempts     int
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("keyalloc: service=%s credential=%s attempts=%d: %v",
		e.Service, e.CredentialID, e.Attempts, e.Err)
}

func (e *AllocError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if retrying cannot help.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the caller should back off and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrTransientStore)
}
