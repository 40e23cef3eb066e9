package metrics

import "sync"

// MemoryObserver retains every recorded event for later inspection.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Snapshot copies the events recorded so far.
func (m *MemoryObserver) Snapshot() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, len(m.events))
	copy(out, m.events)
	return out
}
