package keyalloc

import (
	"fmt"
	"time"
)

// Mode selects how a reservation charges the credential.
type Mode string

const (
	// ModeMarkUse charges one request at acquisition.
	ModeMarkUse Mode = "mark-use"
	// ModeReserve charges one request and pre-charges the estimated tokens.
	ModeReserve Mode = "reserve"
)

// ParseMode parses a mode name. The empty string means ModeMarkUse.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMarkUse:
		return ModeMarkUse, nil
	case ModeReserve:
		return ModeReserve, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, s)
	}
}

// AcquireRequest asks for one credential of a service.
type AcquireRequest struct {
	Service         string
	EstimatedTokens int64
	Mode            Mode

	// Lease, when positive, makes the reservation exclusive for that long.
	Lease time.Duration
}

// Validate checks the request fields.
func (r AcquireRequest) Validate() error {
	if r.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidRequest)
	}
	if r.EstimatedTokens < 0 {
		return fmt.Errorf("%w: estimated tokens must not be negative", ErrInvalidRequest)
	}
	if r.Mode == ModeReserve && r.EstimatedTokens == 0 {
		return fmt.Errorf("%w: reserve mode needs estimated tokens", ErrInvalidRequest)
	}
	if r.Lease < 0 {
		return fmt.Errorf("%w: lease must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Grant is a successful reservation handed to the caller.
type Grant struct {
	ReservationID   string     `json:"reservation_id"`
	CredentialID    string     `json:"credential_id"`
	Service         string     `json:"service"`
	Secret          string     `json:"secret"`
	Mode            Mode       `json:"mode"`
	PredictedTokens int64      `json:"predicted_tokens"`
	LeaseUntil      *time.Time `json:"lease_until,omitempty"`
	ExpiresHint     time.Time  `json:"expires_hint"`
	Attempts        int        `json:"attempts"`

	// Credential is the record as it was right after the reservation.
	Credential Credential `json:"-"`
}

// Outcome is what the caller observed while using a credential.
type Outcome struct {
	ActualTokens int64
	Success      bool
	RateLimited  bool
}

// CommitRequest reports usage of a granted credential.
type CommitRequest struct {
	ReservationID   string
	CredentialID    string
	Service         string
	Mode            Mode
	PredictedTokens int64
	ActualTokens    int64
	Success         bool
	RateLimited     bool
	LeaseUntil      *time.Time
}

// CommitRequest builds the commit matching this grant.
func (g Grant) CommitRequest(o Outcome) CommitRequest {
	return CommitRequest{
		ReservationID:   g.ReservationID,
		CredentialID:    g.CredentialID,
		Service:         g.Service,
		Mode:            g.Mode,
		PredictedTokens: g.PredictedTokens,
		ActualTokens:    o.ActualTokens,
		Success:         o.Success,
		RateLimited:     o.RateLimited,
		LeaseUntil:      g.LeaseUntil,
	}
}
