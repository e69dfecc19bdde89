package keyalloc

import "time"

// Meter observes allocator events for monitoring/logging.
type Meter interface {
	// OnAcquire is called once per Acquire, successful or not.
	OnAcquire(event AcquireEvent)

	// OnCommit is called after usage has been recorded.
	OnCommit(event CommitEvent)

	// OnReset is called after an epoch reset.
	OnReset(event ResetEvent)
}

// AcquireEvent describes an allocation decision.
type AcquireEvent struct {
	Service      string
	CredentialID string
	Mode         Mode
	Estimated    int64
	Attempts     int
	Skipped      int
	Waited       time.Duration
	Error        error
}

// CommitEvent describes recorded usage.
type CommitEvent struct {
	Service         string
	CredentialID    string
	PredictedTokens int64
	ActualTokens    int64
	DeltaTokens     int64
	Success         bool
	RateLimited     bool
	CooldownUntil   *time.Time
	RequestCount    int64
	TokenTotal      int64
	Ceilings        Ceilings
	Exhausted       bool
	Error           error
}

// ResetEvent describes an epoch reset.
type ResetEvent struct {
	Credentials int
	Error       error
}

type noopMeter struct{}

func (noopMeter) OnAcquire(AcquireEvent) {}
func (noopMeter) OnCommit(CommitEvent)   {}
func (noopMeter) OnReset(ResetEvent)     {}
