package keyalloc

import (
	"context"
	"time"
)

// Store is the durable source of truth for credential records.
//
// Reserve is the only synchronization point between allocators: it must
// update the record only if the eligibility predicate still holds at update
// time, and report ErrReservationLost otherwise.
type Store interface {
	// Candidates returns the rotating credentials of a service, ordered by
	// priority DESC, last_used ASC NULLS FIRST, id ASC.
	Candidates(ctx context.Context, service string) ([]Credential, error)

	// Get returns a single credential by id.
	Get(ctx context.Context, id string) (Credential, error)

	// Reserve conditionally charges a credential. Returns the updated record.
	Reserve(ctx context.Context, p ReserveParams) (Credential, error)

	// Commit records actual usage for a reservation. Returns the updated record.
	Commit(ctx context.Context, p CommitParams) (Credential, error)

	// ResetEpoch clears counters, exhaustion and cooldown for all credentials.
	// Returns the ids that were reset.
	ResetEpoch(ctx context.Context) ([]string, error)
}

// Provisioner is implemented by stores that accept out-of-band provisioning.
type Provisioner interface {
	// Upsert creates a credential or updates its service, secret, priority
	// and rotating flag. Counters of an existing credential are preserved.
	Upsert(ctx context.Context, c Credential) error

	// Retire sets rotating=false. The record is kept.
	Retire(ctx context.Context, id string) error

	// List returns every credential of a service, rotating or not.
	List(ctx context.Context, service string) ([]Credential, error)
}

// SchemaInitializer is implemented by stores that can create their schema.
type SchemaInitializer interface {
	EnsureSchema(ctx context.Context) error
}

// UsageReader is implemented by stores that can read back the usage log.
type UsageReader interface {
	// Usage returns the matching usage log rows, most recent first.
	Usage(ctx context.Context, q UsageQuery) ([]UsageRecord, error)
}

// UsageQuery filters the usage log. Empty fields match everything and a
// non-positive Limit returns every row.
type UsageQuery struct {
	CredentialID string
	Service      string
	Limit        int
}

// ReserveParams describes a conditional reservation.
type ReserveParams struct {
	ID       string
	Now      time.Time
	Requests int64
	Tokens   int64
	Ceilings Ceilings

	// LeaseUntil, when set, is written to disabled_until in the same update.
	LeaseUntil *time.Time
}

// CommitParams describes the usage reported for a reservation.
type CommitParams struct {
	ReservationID   string
	ID              string
	Service         string
	Mode            Mode
	Now             time.Time
	PredictedTokens int64
	ActualTokens    int64
	Success         bool
	RateLimited     bool
	Ceilings        Ceilings

	// CooldownUntil is applied when RateLimited is set.
	CooldownUntil time.Time

	// ReleaseLease clears disabled_until if it still equals this value.
	ReleaseLease *time.Time
}

// ChargeTokens is the amount added to daily_token_total on commit. The
// reservation pre-charge acts as a floor so counters never decrease.
func (p CommitParams) ChargeTokens() int64 {
	if d := p.DeltaTokens(); d > 0 {
		return d
	}
	return 0
}

// DeltaTokens is actual minus predicted usage.
func (p CommitParams) DeltaTokens() int64 {
	return p.ActualTokens - p.PredictedTokens
}

// UsageRecord is one row of the usage log written on commit.
type UsageRecord struct {
	ReservationID   string    `json:"reservation_id"`
	CredentialID    string    `json:"credential_id"`
	Service         string    `json:"service"`
	Mode            Mode      `json:"mode,omitempty"`
	PredictedTokens int64     `json:"predicted_tokens"`
	ActualTokens    int64     `json:"actual_tokens"`
	DeltaTokens     int64     `json:"delta_tokens"`
	Success         bool      `json:"success"`
	RateLimited     bool      `json:"rate_limited"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// UsageRecordFrom builds the usage log row for a commit.
func UsageRecordFrom(p CommitParams) UsageRecord {
	return UsageRecord{
		ReservationID:   p.ReservationID,
		CredentialID:    p.ID,
		Service:         p.Service,
		Mode:            p.Mode,
		PredictedTokens: p.PredictedTokens,
		ActualTokens:    p.ActualTokens,
		DeltaTokens:     p.DeltaTokens(),
		Success:         p.Success,
		RateLimited:     p.RateLimited,
		RecordedAt:      p.Now,
	}
}
