package processors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/pipeline"
)

type RecoveryGuardConfig struct {
	// DeadAir is the media gap that trips the guard. The telephony
	// stream delivers frames continuously on a live call, so a gap this
	// long means the stream is wedged, not quiet.
	DeadAir time.Duration
	Poll    time.Duration
}

// RecoveryGuard watches media arrival per stream and injects a fallback
// control frame when a live stream stops delivering audio entirely. The
// frame travels the normal pipeline so the session sink can apologize
// and hang up instead of holding a dead line open.
type RecoveryGuard struct {
	cfg RecoveryGuardConfig
	in  chan frames.Frame

	mu        sync.Mutex
	lastMedia map[string]time.Time
	callSIDs  map[string]string
	fired     map[string]bool

	watchOnce sync.Once
}

func NewRecoveryGuard(cfg RecoveryGuardConfig) *RecoveryGuard {
	if cfg.DeadAir <= 0 {
		cfg.DeadAir = 45 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Second
	}
	return &RecoveryGuard{
		cfg:       cfg,
		lastMedia: make(map[string]time.Time),
		callSIDs:  make(map[string]string),
		fired:     make(map[string]bool),
	}
}

func (g *RecoveryGuard) Name() string { return "recovery_guard" }

// SetInput wires the channel the guard injects fallback frames into,
// normally the owning orchestrator's input.
func (g *RecoveryGuard) SetInput(in chan frames.Frame) { g.in = in }

// SetContext starts the watch loop; the guard stops with the context.
func (g *RecoveryGuard) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	g.watchOnce.Do(func() {
		go g.watch(ctx)
	})
}

func (g *RecoveryGuard) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindAudio:
		g.touch(f)
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		switch sf.Name() {
		case "call_start":
			// The gap clock arms at start so a stream that never
			// delivers media still trips the guard.
			g.touch(f)
		case "call_end":
			g.forget(sf.Meta()[frames.MetaStreamID])
		}
	}
	return pass(f), nil
}

func (g *RecoveryGuard) touch(f frames.Frame) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		return
	}
	g.mu.Lock()
	g.lastMedia[streamID] = time.Now()
	if callSID := meta[frames.MetaCallSID]; callSID != "" {
		g.callSIDs[streamID] = callSID
	}
	g.mu.Unlock()
}

func (g *RecoveryGuard) forget(streamID string) {
	if streamID == "" {
		return
	}
	g.mu.Lock()
	delete(g.lastMedia, streamID)
	delete(g.callSIDs, streamID)
	delete(g.fired, streamID)
	g.mu.Unlock()
}

func (g *RecoveryGuard) watch(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *RecoveryGuard) sweep() {
	now := time.Now()
	type tripped struct {
		streamID string
		callSID  string
		gap      time.Duration
	}
	var hits []tripped
	g.mu.Lock()
	for streamID, last := range g.lastMedia {
		if g.fired[streamID] {
			continue
		}
		if gap := now.Sub(last); gap >= g.cfg.DeadAir {
			g.fired[streamID] = true
			hits = append(hits, tripped{streamID, g.callSIDs[streamID], gap})
		}
	}
	g.mu.Unlock()

	for _, hit := range hits {
		slog.Warn("dead_air_detected",
			slog.String("stream_id", hit.streamID),
			slog.Int64("gap_ms", hit.gap.Milliseconds()))
		if g.in == nil {
			continue
		}
		meta := map[string]string{
			frames.MetaStreamID: hit.streamID,
			frames.MetaSource:   "recovery_guard",
			frames.MetaReason:   "dead_air",
		}
		if hit.callSID != "" {
			meta[frames.MetaCallSID] = hit.callSID
		}
		cf := frames.NewControlFrame(hit.streamID, time.Now().UnixNano(), frames.ControlFallback, meta)
		select {
		case g.in <- cf:
		default:
			slog.Warn("recovery_guard_queue_full",
				slog.String("stream_id", hit.streamID))
		}
	}
}

var _ pipeline.FrameProcessor = (*RecoveryGuard)(nil)
