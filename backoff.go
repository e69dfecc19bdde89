package keyalloc

import (
	"fmt"
	"time"
)

// BackoffMode selects how long a rate-limited credential cools down.
type BackoffMode string

const (
	// BackoffFixed always waits Base.
	BackoffFixed BackoffMode = "fixed"
	// BackoffExponential waits Base << strikes, capped at Max.
	BackoffExponential BackoffMode = "exponential"
)

// BackoffConfig configures the cooldown after a provider rate-limit signal.
type BackoffConfig struct {
	Mode BackoffMode   `yaml:"mode"`
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// Duration returns the cooldown for a credential that has already been
// rate-limited strikes times in a row.
func (b BackoffConfig) Duration(strikes int) time.Duration {
	if b.Mode != BackoffExponential || strikes <= 0 {
		return b.Base
	}
	if strikes > 20 {
		strikes = 20
	}
	delay := b.Base << strikes
	if delay > b.Max || delay <= 0 {
		return b.Max
	}
	return delay
}

func (b BackoffConfig) validate() error {
	switch b.Mode {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: backoff.mode: unknown mode %q", ErrConfiguration, b.Mode)
	}
	if b.Base <= 0 {
		return fmt.Errorf("%w: backoff.base must be positive", ErrConfiguration)
	}
	if b.Mode == BackoffExponential && b.Max < b.Base {
		return fmt.Errorf("%w: backoff.max must be >= backoff.base", ErrConfiguration)
	}
	return nil
}
