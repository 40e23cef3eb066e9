package observers

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tielinehq/tieline/pkg/metrics"
)

func TestLatencyObserverLogsTurnTTFB(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLatencyObserver(log)

	base := time.Now()
	tags := map[string]string{"stream_id": "MZ1", "trace_id": "tr-1"}
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_commit", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "audio_out", Time: base.Add(450 * time.Millisecond), Tags: tags})

	out := buf.String()
	if !strings.Contains(out, "response_ttfb_ms=450") {
		t.Fatalf("ttfb not logged: %s", out)
	}
	if !strings.Contains(out, "trace_id=tr-1") {
		t.Fatalf("trace id missing: %s", out)
	}

	// Later frames in the same response must not log again.
	buf.Reset()
	obs.RecordEvent(metrics.MetricsEvent{Name: "audio_out", Time: base.Add(500 * time.Millisecond), Tags: tags})
	if buf.Len() != 0 {
		t.Fatalf("duplicate latency line: %s", buf.String())
	}
}

func TestLatencyObserverTracksTurnsIndependently(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLatencyObserver(log)

	base := time.Now()
	tags := map[string]string{"stream_id": "MZ1"}
	obs.RecordEvent(metrics.MetricsEvent{Name: "greeting_requested", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "pace_out", Time: base.Add(100 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_commit", Time: base.Add(time.Second), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "audio_out", Time: base.Add(1200 * time.Millisecond), Tags: tags})

	out := buf.String()
	if !strings.Contains(out, "turn=1") || !strings.Contains(out, "turn=2") {
		t.Fatalf("both turns not logged: %s", out)
	}
	if !strings.Contains(out, "response_ttfb_ms=100") || !strings.Contains(out, "response_ttfb_ms=200") {
		t.Fatalf("per turn ttfb wrong: %s", out)
	}
}

func TestLatencyObserverCleansUpOnClose(t *testing.T) {
	obs := NewLatencyObserver(nil)
	tags := map[string]string{"stream_id": "MZ1"}
	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_commit", Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_closed", Time: time.Now(), Tags: tags})

	obs.mu.Lock()
	n := len(obs.traces)
	obs.mu.Unlock()
	if n != 0 {
		t.Fatalf("trace state leaked: %d", n)
	}
}
