package observers

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tielinehq/tieline/pkg/metrics"
)

func audioEvent(name, stream, trace string) metrics.MetricsEvent {
	tags := map[string]string{"kind": "audio"}
	if stream != "" {
		tags["stream_id"] = stream
	}
	if trace != "" {
		tags["trace_id"] = trace
	}
	return metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags}
}

func readEvents(t *testing.T, path string) []timelineLine {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var lines []timelineLine
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var ln timelineLine
		if err := dec.Decode(&ln); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		lines = append(lines, ln)
	}
	return lines
}

func TestTimelineObserverRoutesEventsByTrace(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	defer obs.Close()

	obs.RecordEvent(audioEvent("frame_out", "stream-1", "trace-1"))
	obs.RecordEvent(audioEvent("frame_in", "stream-2", ""))
	obs.RecordEvent(audioEvent("frame_in", "", ""))

	got := readEvents(t, filepath.Join(dir, "trace-1.jsonl"))
	if len(got) != 1 || got[0].Event != "audio_out" {
		t.Fatalf("trace file events = %+v, want single audio_out", got)
	}
	if got[0].StreamID != "stream-1" || got[0].TraceID != "trace-1" {
		t.Fatalf("ids not carried: %+v", got[0])
	}

	got = readEvents(t, filepath.Join(dir, "stream-2.jsonl"))
	if len(got) != 1 || got[0].Event != "audio_in" {
		t.Fatalf("stream fallback events = %+v, want single audio_in", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("files = %d, want 2 (id-less event must be skipped)", len(entries))
	}
}

func TestTimelineObserverKeepsNonAudioNames(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	defer obs.Close()

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "turn_commit",
		Time: time.Now(),
		Tags: map[string]string{"trace_id": "trace-9"},
	})

	got := readEvents(t, filepath.Join(dir, "trace-9.jsonl"))
	if len(got) != 1 || got[0].Event != "turn_commit" {
		t.Fatalf("events = %+v, want turn_commit unrenamed", got)
	}
}

func TestTimelineObserverSanitizesHostileIDs(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	defer obs.Close()

	obs.RecordEvent(audioEvent("frame_in", "../escape/attempt", ""))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("files = %d, want exactly one inside the artifact dir", len(entries))
	}
	name := entries[0].Name()
	if filepath.Dir(filepath.Join(dir, name)) != filepath.Clean(dir) {
		t.Fatalf("file %q escaped the artifact dir", name)
	}
}

func TestTimelineObserverReopensAfterClose(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(audioEvent("frame_out", "s", "trace-2"))
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	obs.RecordEvent(audioEvent("frame_out", "s", "trace-2"))
	defer obs.Close()

	got := readEvents(t, filepath.Join(dir, "trace-2.jsonl"))
	if len(got) != 2 {
		t.Fatalf("events after reopen = %d, want 2", len(got))
	}
}
