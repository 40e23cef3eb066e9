package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/metrics"
	"github.com/tielinehq/tieline/pkg/priority"
)

// Inbound media older than this is dropped rather than processed; a
// caller frame that sat half a second in a queue is no longer worth
// reacting to.
const maxMediaAge = 500 * time.Millisecond

// PTS values below this floor are per-stream counters, not wall-clock
// nanoseconds, and carry no age information.
const wallClockFloor = int64(1_000_000_000_000)

// sessionPipeline routes one call's frames through the stage chain.
// Control frames ride the queue's control lane so hangup and barge-in
// outrun buffered media. Results go to the sink; without a sink the
// stages act as taps and results are released once the chain finishes.
type sessionPipeline struct {
	cfg    Config
	queue  *priority.Queue
	stages []FrameProcessor

	in   chan frames.Frame
	sink func(frames.Frame)
	obs  metrics.Observer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config) Orchestrator {
	p := &sessionPipeline{
		cfg:   cfg,
		queue: priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio),
		in:    make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// SetContext rebinds the pipeline to ctx. Call before Start.
func (p *sessionPipeline) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
}

func (p *sessionPipeline) In() chan frames.Frame            { return p.in }
func (p *sessionPipeline) SetSink(sink func(frames.Frame))  { p.sink = sink }
func (p *sessionPipeline) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *sessionPipeline) AddProcessor(stage FrameProcessor) error {
	p.stages = append(p.stages, stage)
	return nil
}

func (p *sessionPipeline) Start() error {
	p.spawn(p.intake)
	if p.cfg.Async {
		p.startStageWorkers()
		return nil
	}
	p.spawn(p.dispatch)
	return nil
}

// Stop cancels the workers and waits briefly for them to wind down.
func (p *sessionPipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.cancel()
		idle := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-time.After(250 * time.Millisecond):
		}
		st := p.queue.Stats()
		slog.Debug("pipeline_queue_stats",
			"control_in", st.ControlIn,
			"control_out", st.ControlOut,
			"media_in", st.MediaIn,
			"media_out", st.MediaOut)
	})
	return nil
}

func (p *sessionPipeline) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// intake sorts arriving frames onto the queue lanes.
func (p *sessionPipeline) intake() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.in:
			p.enqueue(f)
		}
	}
}

func (p *sessionPipeline) enqueue(f frames.Frame) {
	var queued bool
	if f.Kind() == frames.KindControl {
		queued = p.queue.OfferControl(f)
	} else {
		queued = p.queue.OfferMedia(f)
	}
	if !queued {
		p.record("frame_drop", f, 0, nil)
		frames.ReleaseAudioFrame(f)
		return
	}
	p.record("frame_in", f, 0, nil)
}

// dispatch pops frames and runs the whole stage chain inline.
func (p *sessionPipeline) dispatch() {
	done := p.ctx.Done()
	for {
		f, ok := p.queue.Pop(done)
		if !ok {
			return
		}
		if p.shedStale(f) {
			continue
		}
		for _, r := range p.runStages(f) {
			p.deliver(r)
		}
	}
}

// runStages feeds one frame through every stage in order. A stage may
// swallow its input (nil result) or fan it out into several frames.
func (p *sessionPipeline) runStages(f frames.Frame) []frames.Frame {
	batch := []frames.Frame{f}
	for _, stage := range p.stages {
		var next []frames.Frame
		for _, cur := range batch {
			began := time.Now()
			results, err := stage.Process(cur)
			if err != nil || results == nil {
				frames.ReleaseAudioFrame(cur)
				continue
			}
			p.record("stage_latency_us", cur,
				float64(time.Since(began).Microseconds()),
				map[string]string{"processor": stage.Name()})
			next = append(next, results...)
		}
		if len(next) == 0 {
			return nil
		}
		batch = next
	}
	return batch
}

// startStageWorkers links the stages with buffered channels and runs
// each on its own goroutine.
func (p *sessionPipeline) startStageWorkers() {
	links := make([]chan frames.Frame, len(p.stages)+1)
	for i := range links {
		links[i] = make(chan frames.Frame, p.cfg.StageBuffer)
	}
	for i, stage := range p.stages {
		in, out := links[i], links[i+1]
		stage := stage
		p.spawn(func() { p.runStageWorker(stage, in, out) })
	}
	p.spawn(func() {
		done := p.ctx.Done()
		for {
			f, ok := p.queue.Pop(done)
			if !ok {
				return
			}
			if p.shedStale(f) {
				continue
			}
			p.forward(links[0], f)
		}
	})
	p.spawn(func() {
		tail := links[len(links)-1]
		for {
			select {
			case <-p.ctx.Done():
				return
			case f := <-tail:
				p.deliver(f)
			}
		}
	})
}

func (p *sessionPipeline) runStageWorker(stage FrameProcessor, in <-chan frames.Frame, out chan frames.Frame) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-in:
			began := time.Now()
			results, err := stage.Process(f)
			if err != nil || results == nil {
				frames.ReleaseAudioFrame(f)
				continue
			}
			p.record("stage_latency_us", f,
				float64(time.Since(began).Microseconds()),
				map[string]string{"processor": stage.Name()})
			for _, r := range results {
				p.forward(out, r)
			}
		}
	}
}

func (p *sessionPipeline) deliver(f frames.Frame) {
	p.record("frame_out", f, 0, nil)
	if p.sink == nil {
		frames.ReleaseAudioFrame(f)
		return
	}
	p.sink(f)
	frames.ReleaseAudioFrame(f)
}

// forward pushes f onto ch honoring the configured backpressure mode.
func (p *sessionPipeline) forward(ch chan frames.Frame, f frames.Frame) {
	if p.shedStale(f) {
		return
	}
	if p.cfg.Backpressure == BackpressureWait {
		select {
		case ch <- f:
		case <-p.ctx.Done():
			frames.ReleaseAudioFrame(f)
		}
		return
	}
	select {
	case ch <- f:
	default:
		p.record("frame_drop", f, 0, nil)
		frames.ReleaseAudioFrame(f)
	}
}

func (p *sessionPipeline) shedStale(f frames.Frame) bool {
	if !staleMedia(f, maxMediaAge) {
		return false
	}
	p.record("frame_drop", f, 0, nil)
	frames.ReleaseAudioFrame(f)
	return true
}

func (p *sessionPipeline) record(name string, f frames.Frame, value float64, extra map[string]string) {
	if p.obs == nil {
		return
	}
	tags := frameTags(f)
	for k, v := range extra {
		tags[k] = v
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

// frameTags labels a metrics event with the routing identity of f plus
// whatever detail its kind carries.
func frameTags(f frames.Frame) map[string]string {
	tags := make(map[string]string, 6)
	if f == nil {
		return tags
	}
	meta := f.Meta()
	tags[frames.MetaStreamID] = meta[frames.MetaStreamID]
	tags[frames.MetaTraceID] = meta[frames.MetaTraceID]
	tags["kind"] = string(f.Kind())
	if source := meta[frames.MetaSource]; source != "" {
		tags["source"] = source
	}
	if ag := meta[frames.MetaAgent]; ag != "" {
		tags[frames.MetaAgent] = ag
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		tags["control_code"] = string(v.Code())
		if reason := meta[frames.MetaReason]; reason != "" {
			tags["control_reason"] = reason
		}
	case frames.SystemFrame:
		if v.Name() != "" {
			tags["system_name"] = v.Name()
		}
	}
	return tags
}

// staleMedia reports whether an audio frame has aged past maxAge.
// Inbound media is stamped with wall-clock nanos; synthetic per-stream
// counters sit far below wallClockFloor and never age out.
func staleMedia(f frames.Frame, maxAge time.Duration) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts < wallClockFloor {
		return false
	}
	return time.Since(time.Unix(0, pts)) > maxAge
}
