package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/metrics"
)

// UsageSummary is the per-call consumption record written at shutdown:
// audio seconds on each leg plus the agent's token counts.
type UsageSummary struct {
	TraceID       string  `json:"trace_id,omitempty"`
	StreamID      string  `json:"stream_id,omitempty"`
	CallSID       string  `json:"call_sid,omitempty"`
	AudioInSec    float64 `json:"audio_in_seconds"`
	AudioOutSec   float64 `json:"audio_out_seconds"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// callIdentity carries the ids an event was tagged with. Summaries key
// on trace id, falling back to stream id for events emitted before the
// trace is known.
type callIdentity struct {
	key      string
	streamID string
	traceID  string
	callSID  string
}

func identityFrom(tags map[string]string) (callIdentity, bool) {
	ident := callIdentity{
		streamID: tags["stream_id"],
		traceID:  tags["trace_id"],
		callSID:  tags["call_sid"],
	}
	ident.key = ident.traceID
	if ident.key == "" {
		ident.key = ident.streamID
	}
	return ident, ident.key != ""
}

// UsageObserver accumulates audio_in/audio_out byte counts and
// agent_usage token events, one summary per call, flushed as JSON files
// under dir on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) disabled() bool { return strings.TrimSpace(o.dir) == "" }

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if o.disabled() {
		return
	}
	ident, ok := identityFrom(ev.Tags)
	if !ok {
		return
	}
	switch ev.Name {
	case "audio_in":
		o.addAudio(ident, ev, false)
	case "audio_out":
		o.addAudio(ident, ev, true)
	case "agent_usage":
		o.addTokens(ident, ev)
	}
}

func (o *UsageObserver) addAudio(ident callIdentity, ev metrics.MetricsEvent, outbound bool) {
	sec := audioSeconds(ev.Value, ev.Fields)
	if sec <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.summaryFor(ident)
	if outbound {
		stat.AudioOutSec += sec
	} else {
		stat.AudioInSec += sec
	}
}

func (o *UsageObserver) addTokens(ident callIdentity, ev metrics.MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.summaryFor(ident)
	stat.TotalTokens += int(ev.Value)
	stat.InputTokens += intField(ev.Fields, "input_tokens")
	stat.OutputTokens += intField(ev.Fields, "output_tokens")
}

// summaryFor returns the record for ident, creating it on first use.
// Early events may arrive before Twilio reports the call sid, so the
// first event that has one backfills it. Callers hold o.mu.
func (o *UsageObserver) summaryFor(ident callIdentity) *UsageSummary {
	stat := o.stats[ident.key]
	if stat == nil {
		stat = &UsageSummary{TraceID: ident.traceID, StreamID: ident.streamID, CallSID: ident.callSID}
		o.stats[ident.key] = stat
	}
	if stat.CallSID == "" && ident.callSID != "" {
		stat.CallSID = ident.callSID
	}
	return stat
}

// Close writes one summary file per call.
func (o *UsageObserver) Close() error {
	if o.disabled() {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = stamp
		errOut = errors.Join(errOut, writeSummary(o.dir, id, stat))
	}
	return errOut
}

func writeSummary(dir, id string, stat *UsageSummary) error {
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, sanitizeID(id)+".usage.json"), b, 0o644)
}

// audioSeconds derives wall-clock seconds from a byte count. The wire
// legs are single-channel G.711, one byte per sample, so bytes over the
// sample rate is the duration. PCM legs declare two bytes per sample.
func audioSeconds(byteCount float64, fields map[string]any) float64 {
	if byteCount <= 0 {
		return 0
	}
	rate := intField(fields, "sample_rate")
	if rate <= 0 {
		rate = 8000
	}
	width := intField(fields, "bytes_per_sample")
	if width <= 0 {
		width = 1
	}
	return byteCount / float64(rate*width)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*UsageObserver)(nil)
