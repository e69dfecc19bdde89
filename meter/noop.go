package meter

import "github.com/ineyio/keyalloc"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ keyalloc.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAcquire(keyalloc.AcquireEvent) {}
func (m *NoopMeter) OnCommit(keyalloc.CommitEvent)   {}
func (m *NoopMeter) OnReset(keyalloc.ResetEvent)     {}
