package keyalloc

import "time"

// Credential is a single API key plus its quota and cooldown state.
type Credential struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Secret   string `json:"-"`
	Priority int    `json:"priority"`
	Rotating bool   `json:"rotating"`

	DailyRequestCount int64      `json:"daily_request_count"`
	DailyTokenTotal   int64      `json:"daily_token_total"`
	QuotaExhausted    bool       `json:"quota_exhausted"`
	DisabledUntil     *time.Time `json:"disabled_until,omitempty"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
	ThrottleStrikes   int        `json:"throttle_strikes"`
}

// Ceilings are the per-epoch limits of a pool.
type Ceilings struct {
	Requests int64 `yaml:"requests" json:"requests"`
	Tokens   int64 `yaml:"tokens" json:"tokens"`
}

// Status is the outcome of evaluating a credential at a point in time.
type Status int

const (
	StatusEligible Status = iota
	StatusQuotaExhausted
	StatusCoolingDown
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusEligible:
		return "eligible"
	case StatusQuotaExhausted:
		return "quota-exhausted"
	case StatusCoolingDown:
		return "cooling-down"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Evaluate maps a credential snapshot and the current time to a Status.
// It has no side effects.
func Evaluate(c Credential, now time.Time, ceil Ceilings) Status {
	if !c.Rotating {
		return StatusDisabled
	}
	if c.QuotaExhausted || OverCeiling(c, ceil) {
		return StatusQuotaExhausted
	}
	if c.DisabledUntil != nil && now.Before(*c.DisabledUntil) {
		return StatusCoolingDown
	}
	return StatusEligible
}

// Eligible reports whether c can be reserved at now.
func Eligible(c Credential, now time.Time, ceil Ceilings) bool {
	return Evaluate(c, now, ceil) == StatusEligible
}

// CooldownRemaining returns how long c stays disabled, or zero.
func CooldownRemaining(c Credential, now time.Time) time.Duration {
	if c.DisabledUntil == nil || !now.Before(*c.DisabledUntil) {
		return 0
	}
	return c.DisabledUntil.Sub(now)
}

// OverCeiling reports whether either counter is at or over its ceiling.
func OverCeiling(c Credential, ceil Ceilings) bool {
	return c.DailyRequestCount >= ceil.Requests || c.DailyTokenTotal >= ceil.Tokens
}

// MaskSecret renders a secret for display, keeping only the last four characters.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "..." + secret[len(secret)-4:]
}
