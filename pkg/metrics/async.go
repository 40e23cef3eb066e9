package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples recording from the hot path. Events are
// handed to a buffered channel; when the buffer is full the event is
// dropped rather than stall a call goroutine.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	quit    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

const defaultAsyncBuffer = 256

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &AsyncObserver{
		inner: inner,
		quit:  make(chan struct{}),
		ch:    make(chan MetricsEvent, buffer),
	}
	go a.pump()
	return a
}

// RecordEvent never blocks: the event is buffered or counted as
// dropped.
func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were shed on a full buffer.
func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close stops the pump after flushing whatever is already buffered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.quit)
	})
}

func (a *AsyncObserver) pump() {
	for {
		select {
		case ev := <-a.ch:
			a.inner.RecordEvent(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.ch:
					a.inner.RecordEvent(ev)
				default:
					return
				}
			}
		}
	}
}
