// Package frames defines the unit of work flowing through the engine:
// audio, text, control and system frames, all carrying a stream id and
// free-form metadata. Frames are immutable values; Meta returns a copy
// so downstream stages can annotate without racing each other.
package frames

import (
	"maps"
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

// ControlCode names an in-band control action.
type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlFallback          ControlCode = "fallback"
	ControlDTMF              ControlCode = "dtmf"
	ControlMark              ControlCode = "mark"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// header carries what every frame kind shares.
type header struct {
	pts  int64
	meta map[string]string
}

func newHeader(streamID string, pts int64, meta map[string]string) header {
	merged := make(map[string]string, len(meta)+1)
	if streamID != "" {
		merged[MetaStreamID] = streamID
	}
	maps.Copy(merged, meta)
	return header{pts: pts, meta: merged}
}

func (h header) PTS() int64 { return h.pts }

// Meta returns a copy, never nil, so callers may annotate it freely.
func (h header) Meta() map[string]string {
	out := make(map[string]string, len(h.meta))
	maps.Copy(out, h.meta)
	return out
}

type AudioFrame struct {
	header
	data   []byte
	rate   int
	ch     int
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		header: newHeader(streamID, pts, meta),
		data:   data,
		rate:   rate,
		ch:     ch,
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Pair with
// ReleaseAudioFrame once the frame has left the pipeline.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := acquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		header: newHeader(streamID, pts, meta),
		data:   buf,
		rate:   rate,
		ch:     ch,
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind { return KindAudio }

// Data returns a copy of the payload. Hot paths that promise not to
// mutate or retain it should use RawPayload instead.
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }

// ReleaseAudioFrame returns a pooled payload to the pool. Reports
// whether a buffer was actually released; frames built over caller
// memory are left alone.
func ReleaseAudioFrame(f Frame) bool {
	var af AudioFrame
	switch v := f.(type) {
	case AudioFrame:
		af = v
	case *AudioFrame:
		af = *v
	default:
		return false
	}
	if !af.pooled {
		return false
	}
	releaseAudioBuf(af.data)
	return true
}

type TextFrame struct {
	header
	text string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{header: newHeader(streamID, pts, meta), text: text}
}

func (t TextFrame) Kind() Kind   { return KindText }
func (t TextFrame) Text() string { return t.text }

type ControlFrame struct {
	header
	code ControlCode
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{header: newHeader(streamID, pts, meta), code: code}
}

func (c ControlFrame) Kind() Kind        { return KindControl }
func (c ControlFrame) Code() ControlCode { return c.code }

type SystemFrame struct {
	header
	name string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{header: newHeader(streamID, pts, meta), name: name}
}

func (s SystemFrame) Kind() Kind   { return KindSystem }
func (s SystemFrame) Name() string { return s.name }

// PTSGen issues a monotonic per-stream timestamp in one-millisecond
// steps, for frames synthesized inside the engine rather than read off
// the wire.
type PTSGen struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{counts: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[streamID] += time.Millisecond.Nanoseconds()
	return g.counts[streamID]
}

const minAudioBuf = 4096

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, minAudioBuf)
	},
}

func acquireAudioBuf(size int) []byte {
	if b := audioBufPool.Get().([]byte); cap(b) >= size {
		return b[:size]
	}
	return make([]byte, size)
}

func releaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}
