package observers

import (
	"context"
	"log/slog"

	"github.com/tielinehq/tieline/pkg/metrics"
)

// LoggerObserver mirrors every event onto the application logger at
// debug level. At the default log level it costs one Enabled check
// per event.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	if !o.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", metrics.EventAttrs(ev)...)
}

// MultiObserver fans a single event out to several observers in order.
type MultiObserver struct {
	targets []metrics.Observer
}

func NewMultiObserver(targets ...metrics.Observer) *MultiObserver {
	return &MultiObserver{targets: targets}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, t := range m.targets {
		if t != nil {
			t.RecordEvent(ev)
		}
	}
}
