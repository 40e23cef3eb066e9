package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate*N of N events to inner using
// a deterministic 1-in-k counter rather than randomness, so low-rate
// streams still surface periodic samples.
type SamplingObserver struct {
	inner Observer
	every uint64
	seen  atomic.Uint64
}

// NewSamplingObserver clamps rate to [0, 1]. Rate 0 drops everything,
// rate 1 forwards everything.
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	return &SamplingObserver{inner: inner, every: sampleInterval(rate)}
}

func sampleInterval(rate float64) uint64 {
	if rate <= 0 {
		return 0
	}
	if rate >= 1 {
		return 1
	}
	k := uint64(math.Round(1.0 / rate))
	if k == 0 {
		k = 1
	}
	return k
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	switch s.every {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
	default:
		if s.seen.Add(1)%s.every == 0 {
			s.inner.RecordEvent(ev)
		}
	}
}
