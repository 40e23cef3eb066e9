package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tielinehq/tieline/pkg/metrics"
)

func TestUsageObserverAccumulatesAndFlushes(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)

	tags := map[string]string{"stream_id": "MZ1", "trace_id": "tr-1", "call_sid": "CA1"}
	// 16000 mu-law bytes at 8 kHz is two seconds on the wire.
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "audio_in", Time: time.Now(), Value: 16000,
		Tags: tags, Fields: map[string]any{"sample_rate": 8000},
	})
	// 48000 PCM16 bytes at 24 kHz, two bytes a sample, is one second.
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "audio_out", Time: time.Now(), Value: 48000,
		Tags: tags, Fields: map[string]any{"sample_rate": 24000, "bytes_per_sample": 2},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "agent_usage", Time: time.Now(), Value: 320,
		Tags: tags, Fields: map[string]any{"input_tokens": 200, "output_tokens": 120},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "agent_usage", Time: time.Now(), Value: 100,
		Tags: tags, Fields: map[string]any{"input_tokens": 60, "output_tokens": 40},
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "tr-1.usage.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var s UsageSummary
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.AudioInSec != 2 || s.AudioOutSec != 1 {
		t.Fatalf("audio seconds wrong: in=%v out=%v", s.AudioInSec, s.AudioOutSec)
	}
	if s.TotalTokens != 420 || s.InputTokens != 260 || s.OutputTokens != 160 {
		t.Fatalf("token counts wrong: %+v", s)
	}
	if s.CallSID != "CA1" {
		t.Fatalf("call sid missing: %+v", s)
	}
}

func TestUsageObserverIgnoresUntaggedEvents(t *testing.T) {
	obs := NewUsageObserver(t.TempDir())
	obs.RecordEvent(metrics.MetricsEvent{Name: "agent_usage", Time: time.Now(), Value: 100})
	obs.mu.Lock()
	n := len(obs.stats)
	obs.mu.Unlock()
	if n != 0 {
		t.Fatalf("untagged event recorded: %d", n)
	}
}

func TestUsageObserverNoopWithoutDir(t *testing.T) {
	obs := NewUsageObserver("")
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "agent_usage", Time: time.Now(), Value: 100,
		Tags: map[string]string{"stream_id": "MZ1"},
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	obs.mu.Lock()
	n := len(obs.stats)
	obs.mu.Unlock()
	if n != 0 {
		t.Fatalf("events recorded without artifacts dir: %d", n)
	}
}
