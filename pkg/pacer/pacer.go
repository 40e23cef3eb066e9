package pacer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tielinehq/tieline/pkg/audio"
	"github.com/tielinehq/tieline/pkg/metrics"
)

const (
	defaultInterval  = 20 * time.Millisecond
	defaultFrameSize = 160
)

// Sink receives one wire-ready frame per tick.
type Sink func(frame []byte) error

// Config controls pacing cadence and framing.
type Config struct {
	Interval  time.Duration
	FrameSize int
	Silence   byte
	Sink      Sink
	Logger    *slog.Logger
	Observer  metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	if c.Silence == 0 {
		c.Silence = audio.SilenceByte
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Pacer drains a byte queue into fixed-size frames at a fixed cadence.
// Partial frames at the queue tail are padded with the silence byte so
// the wire always sees full frames.
type Pacer struct {
	cfg      Config
	streamID string

	mu     sync.Mutex
	queue  []byte
	closed bool

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	emitted atomic.Int64
	padded  atomic.Int64
	dropped atomic.Int64
}

// Stats is a point-in-time snapshot of pacing counters.
type Stats struct {
	Emitted int64
	Padded  int64
	Dropped int64
}

func New(streamID string, cfg Config) *Pacer {
	return &Pacer{
		cfg:      cfg.withDefaults(),
		streamID: streamID,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the tick loop. The loop exits on Stop or context cancel.
func (p *Pacer) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Pacer) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pacer) tick() {
	frame, ok := p.dequeue()
	if !ok {
		return
	}
	if err := p.cfg.Sink(frame); err != nil {
		p.dropped.Add(1)
		p.observe("pace_drop", 1)
		p.cfg.Logger.Debug("pace_drop",
			slog.String("stream_id", p.streamID),
			slog.String("error", err.Error()))
		return
	}
	p.emitted.Add(1)
	p.observe("pace_out", float64(len(frame)))
}

func (p *Pacer) dequeue() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return nil, false
	}
	size := p.cfg.FrameSize
	frame := make([]byte, size)
	n := copy(frame, p.queue)
	if n < size {
		for i := n; i < size; i++ {
			frame[i] = p.cfg.Silence
		}
		p.queue = p.queue[:0]
		p.padded.Add(1)
	} else {
		p.queue = p.queue[n:]
	}
	return frame, true
}

// Push appends bytes to the tail of the queue. Pushes after Stop are
// discarded.
func (p *Pacer) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, data...)
}

// Clear drops all queued bytes without stopping the cadence.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
}

// Pending reports the number of queued bytes.
func (p *Pacer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop halts the tick loop and discards the queue. It blocks until the
// loop has exited, so no frame is emitted after Stop returns. Safe to
// call more than once.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queue = nil
		p.mu.Unlock()
		close(p.stopCh)
	})
	if p.started.Load() {
		<-p.doneCh
	}
}

// Stats returns current counters.
func (p *Pacer) Stats() Stats {
	return Stats{
		Emitted: p.emitted.Load(),
		Padded:  p.padded.Load(),
		Dropped: p.dropped.Load(),
	}
}

func (p *Pacer) observe(name string, value float64) {
	p.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  map[string]string{"stream_id": p.streamID},
	})
}
