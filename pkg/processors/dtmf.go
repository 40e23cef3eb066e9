package processors

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/pipeline"
)

type DTMFConfig struct {
	Window     time.Duration
	PreferDTMF bool
}

// DTMFProcessor tracks keypad input per stream. Spoken digit-only
// transcripts arriving shortly after a keypad press are duplicates of
// the tone the transcriber heard; they get marked, or dropped when
// keypad input is preferred.
type DTMFProcessor struct {
	cfg     DTMFConfig
	mu      sync.Mutex
	lastKey map[string]time.Time
}

var digitOnly = regexp.MustCompile(`^[0-9*#]+$`)

func NewDTMFProcessor(cfg DTMFConfig) *DTMFProcessor {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	return &DTMFProcessor{
		cfg:     cfg,
		lastKey: make(map[string]time.Time),
	}
}

func (d *DTMFProcessor) Name() string { return "dtmf_processor" }

func (d *DTMFProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		d.onSystem(f.(frames.SystemFrame))
	case frames.KindControl:
		d.onControl(f.(frames.ControlFrame))
	case frames.KindText:
		return d.onText(f.(frames.TextFrame)), nil
	}
	return pass(f), nil
}

func (d *DTMFProcessor) onSystem(sf frames.SystemFrame) {
	if sf.Name() != "call_end" {
		return
	}
	if id := sf.Meta()[frames.MetaStreamID]; id != "" {
		d.mu.Lock()
		delete(d.lastKey, id)
		d.mu.Unlock()
	}
}

func (d *DTMFProcessor) onControl(cf frames.ControlFrame) {
	if cf.Code() != frames.ControlDTMF {
		return
	}
	id := cf.Meta()[frames.MetaStreamID]
	if id == "" {
		return
	}
	d.mu.Lock()
	d.lastKey[id] = time.Now()
	d.mu.Unlock()
	slog.Debug("dtmf_received",
		slog.String("stream_id", id),
		slog.String("digit", cf.Meta()[frames.MetaDTMFDigit]))
}

func (d *DTMFProcessor) onText(tf frames.TextFrame) []frames.Frame {
	meta := tf.Meta()
	id := meta[frames.MetaStreamID]
	if id == "" || meta[frames.MetaSource] != "transcriber" {
		return pass(tf)
	}
	text := strings.TrimSpace(tf.Text())
	if text == "" || !digitOnly.MatchString(text) {
		return pass(tf)
	}
	if !d.recentKeypad(id) {
		return pass(tf)
	}
	if d.cfg.PreferDTMF {
		return nil
	}
	meta[frames.MetaDTMFPriority] = "true"
	return []frames.Frame{frames.NewTextFrame(id, tf.PTS(), tf.Text(), meta)}
}

func (d *DTMFProcessor) recentKeypad(id string) bool {
	d.mu.Lock()
	last, ok := d.lastKey[id]
	d.mu.Unlock()
	return ok && time.Since(last) <= d.cfg.Window
}

var _ pipeline.FrameProcessor = (*DTMFProcessor)(nil)
