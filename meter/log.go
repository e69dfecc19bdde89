package meter

import (
	"log/slog"

	"github.com/ineyio/keyalloc"
)

// LogMeter logs allocator events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ keyalloc.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAcquire(e keyalloc.AcquireEvent) {
	if e.Error == nil {
		m.Logger.Info("acquire",
			"service", e.Service,
			"credential", e.CredentialID,
			"mode", string(e.Mode),
			"estimated_tokens", e.Estimated,
			"attempts", e.Attempts,
			"skipped", e.Skipped,
			"waited_ms", e.Waited.Milliseconds(),
		)
	} else {
		m.Logger.Warn("acquire_error",
			"service", e.Service,
			"mode", string(e.Mode),
			"attempts", e.Attempts,
			"skipped", e.Skipped,
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnCommit(e keyalloc.CommitEvent) {
	if e.Error != nil {
		m.Logger.Warn("commit_error",
			"service", e.Service,
			"credential", e.CredentialID,
			"error", e.Error,
		)
		return
	}

	attrs := []any{
		"service", e.Service,
		"credential", e.CredentialID,
		"predicted_tokens", e.PredictedTokens,
		"actual_tokens", e.ActualTokens,
		"delta_tokens", e.DeltaTokens,
		"success", e.Success,
		"requests", e.RequestCount,
		"tokens", e.TokenTotal,
	}
	switch {
	case e.RateLimited:
		attrs = append(attrs, "cooldown_until", e.CooldownUntil)
		m.Logger.Warn("rate_limited", attrs...)
	case e.Exhausted:
		m.Logger.Warn("quota_exhausted", attrs...)
	default:
		m.Logger.Info("commit", attrs...)
	}
}

func (m *LogMeter) OnReset(e keyalloc.ResetEvent) {
	if e.Error != nil {
		m.Logger.Error("reset_error", "error", e.Error)
		return
	}
	m.Logger.Info("reset", "credentials", e.Credentials)
}
