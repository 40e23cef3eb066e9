package observers

import (
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/metrics"
	"github.com/tielinehq/tieline/pkg/redact"
)

// TimelineObserver appends one JSON line per event to a file named
// after the call's trace id, falling back to the stream id before the
// first turn opens a trace. Events carrying neither id are skipped.
type TimelineObserver struct {
	dir string

	mu   sync.Mutex
	open map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, open: make(map[string]*os.File)}
}

type timelineLine struct {
	Time     time.Time         `json:"time"`
	Event    string            `json:"event"`
	StreamID string            `json:"stream_id,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	stream := ev.Tags["stream_id"]
	trace := ev.Tags["trace_id"]
	id := trace
	if id == "" {
		id = stream
	}
	if id == "" {
		return
	}
	line := timelineLine{
		Time:     ev.Time.UTC(),
		Event:    displayName(ev),
		StreamID: stream,
		TraceID:  trace,
		Tags:     maps.Clone(ev.Tags),
		Fields:   scrubFields(ev.Fields),
	}
	buf, err := json.Marshal(line)
	if err != nil {
		return
	}
	f := o.fileFor(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(buf, '\n'))
}

// Close closes every per-call file. The observer stays usable; the
// next event reopens its file in append mode.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs error
	for _, f := range o.open {
		errs = errors.Join(errs, f.Close())
	}
	o.open = make(map[string]*os.File)
	return errs
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	name := sanitizeID(id)
	if name == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.open[name]; ok {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, name+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.open[name] = f
	return f
}

// displayName folds the generic frame events into the audio-specific
// names a timeline reader expects.
func displayName(ev metrics.MetricsEvent) string {
	if ev.Tags["kind"] != "audio" {
		return ev.Name
	}
	switch ev.Name {
	case "frame_in":
		return "audio_in"
	case "frame_out":
		return "audio_out"
	}
	return ev.Name
}

// sanitizeID restricts an id to filename-safe characters so a hostile
// stream id cannot escape the artifact directory.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(id))
}

// scrubFields runs PII redaction over string fields. Base64 audio
// payloads pass through untouched so traces stay replayable.
func scrubFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || strings.Contains(k, "payload_b64") || strings.Contains(k, "audio_b64") {
			out[k] = v
			continue
		}
		out[k] = redact.Text(s)
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
