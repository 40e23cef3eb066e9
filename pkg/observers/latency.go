package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/metrics"
)

// LatencyObserver measures the caller-perceived response delay: the gap
// between a committed turn (or a requested greeting) and the first
// audio frame sent back on that stream. One line is logged per turn.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*turnTrace
	log    *slog.Logger
}

type turnTrace struct {
	commitAt time.Time
	traceID  string
	turnSeq  int
	awaiting bool
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*turnTrace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case "turn_commit", "greeting_requested":
		t := o.traces[streamID]
		if t == nil {
			t = &turnTrace{}
			o.traces[streamID] = t
		}
		t.commitAt = ev.Time
		t.awaiting = true
		t.turnSeq++
		if t.traceID == "" {
			t.traceID = ev.Tags["trace_id"]
		}
	case "audio_out", "pace_out":
		t := o.traces[streamID]
		if t == nil || !t.awaiting || t.commitAt.IsZero() {
			return
		}
		t.awaiting = false
		o.log.Info("latency",
			"stream_id", streamID,
			"trace_id", t.traceID,
			"turn", t.turnSeq,
			"response_ttfb_ms", ev.Time.Sub(t.commitAt).Milliseconds(),
		)
	case "bridge_closed", "call_end":
		delete(o.traces, streamID)
	}
}

var _ metrics.Observer = (*LatencyObserver)(nil)
