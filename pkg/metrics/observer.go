// Package metrics defines the event stream the engine and its sessions
// publish, plus composable observers for consuming it.
package metrics

import (
	"log/slog"
	"maps"
	"slices"
	"time"
)

// MetricsEvent is one observation: a named value at a point in time
// with routing tags and free-form detail fields.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer consumes events. Implementations must tolerate concurrent
// RecordEvent calls from many call goroutines.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// NoopObserver drops every event.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// EventAttrs flattens an event into slog attrs: the fixed columns
// first, then tags and fields with keys sorted so log lines diff
// cleanly between runs.
func EventAttrs(ev MetricsEvent) []slog.Attr {
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs,
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value))
	for _, k := range slices.Sorted(maps.Keys(ev.Tags)) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	return attrs
}
