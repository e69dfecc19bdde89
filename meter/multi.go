package meter

import "github.com/ineyio/keyalloc"

// MultiMeter fans events out to several meters in order.
type MultiMeter []keyalloc.Meter

var _ keyalloc.Meter = (MultiMeter)(nil)

// Multi combines meters, dropping nils.
func Multi(meters ...keyalloc.Meter) MultiMeter {
	out := make(MultiMeter, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm MultiMeter) OnAcquire(e keyalloc.AcquireEvent) {
	for _, m := range mm {
		m.OnAcquire(e)
	}
}

func (mm MultiMeter) OnCommit(e keyalloc.CommitEvent) {
	for _, m := range mm {
		m.OnCommit(e)
	}
}

func (mm MultiMeter) OnReset(e keyalloc.ResetEvent) {
	for _, m := range mm {
		m.OnReset(e)
	}
}
