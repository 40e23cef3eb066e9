package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver renders each event as one JSON line via slog, for
// shipping a metrics firehose to a file or pipe.
type JSONLObserver struct {
	out *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{out: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.out.LogAttrs(context.Background(), slog.LevelInfo, "metrics", EventAttrs(ev)...)
}
