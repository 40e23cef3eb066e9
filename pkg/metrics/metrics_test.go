package metrics

import (
	"testing"
	"time"
)

func event(name string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now()}
}

func TestSamplingIntervals(t *testing.T) {
	cases := []struct {
		rate float64
		want uint64
	}{
		{rate: 0, want: 0},
		{rate: -1, want: 0},
		{rate: 1, want: 1},
		{rate: 2, want: 1},
		{rate: 0.5, want: 2},
		{rate: 0.25, want: 4},
		{rate: 0.1, want: 10},
	}
	for _, tc := range cases {
		if got := sampleInterval(tc.rate); got != tc.want {
			t.Fatalf("sampleInterval(%v) = %d, want %d", tc.rate, got, tc.want)
		}
	}
}

func TestSamplingObserverForwardsOneInK(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25)
	for i := 0; i < 100; i++ {
		s.RecordEvent(event("tick"))
	}
	if got := len(mem.Snapshot()); got != 25 {
		t.Fatalf("forwarded %d of 100 events at rate 0.25", got)
	}

	off := NewSamplingObserver(NewMemoryObserver(), 0)
	off.RecordEvent(event("tick"))
}

func TestAsyncObserverFlushesOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 64)
	for i := 0; i < 10; i++ {
		a.RecordEvent(event("tick"))
	}
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(mem.Snapshot()) < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("flushed %d of 10 events after close", len(mem.Snapshot()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Records after close are ignored, not a panic.
	a.RecordEvent(event("late"))
	a.Close()
	if got := len(mem.Snapshot()); got != 10 {
		t.Fatalf("post-close record leaked through: %d", got)
	}
}

func TestAsyncObserverShedsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := observerFunc(func(MetricsEvent) { <-block })
	defer close(block)

	a := NewAsyncObserver(slow, 1)
	defer a.Close()
	deadline := time.Now().Add(2 * time.Second)
	for a.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("full buffer never shed an event")
		}
		a.RecordEvent(event("tick"))
	}
}

type observerFunc func(MetricsEvent)

func (f observerFunc) RecordEvent(ev MetricsEvent) { f(ev) }

func TestMemoryObserverSnapshotIsACopy(t *testing.T) {
	mem := NewMemoryObserver()
	mem.RecordEvent(event("one"))
	snap := mem.Snapshot()
	snap[0].Name = "mutated"
	if mem.Snapshot()[0].Name != "one" {
		t.Fatal("snapshot aliases the internal slice")
	}
}
