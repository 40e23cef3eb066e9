// Package bridge pairs one telephony media stream with one realtime
// agent session. It owns the per-call lifecycle: buffering agent audio
// until the stream starts, pacing playback, turn finalization, barge-in
// and the fallback notice when the agent side dies.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tielinehq/tieline/pkg/adapters/agent"
	"github.com/tielinehq/tieline/pkg/audio"
	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/metrics"
	"github.com/tielinehq/tieline/pkg/pacer"
	"github.com/tielinehq/tieline/pkg/turn"
)

// State tracks the lifecycle of one bridged call.
type State int32

const (
	StateAwaitingStart State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const closeReasonAgentError = "agent_error"

// SendFunc delivers one outbound frame to the telephony transport.
type SendFunc func(frames.Frame) error

// Config controls one bridged call.
type Config struct {
	StreamID string
	CallSID  string
	TraceID  string

	// Greeting is the instruction text for the opening response. Empty
	// disables the greeting.
	Greeting string

	// AgentFormat is the agent's output audio format, WireFormat the
	// telephony leg's. Agent audio is transcoded between the two.
	AgentFormat audio.Format
	WireFormat  audio.Format

	VADThreshold float64
	Strategy     turn.Strategy
	TurnOptions  turn.ManagerOptions

	PacerInterval  time.Duration
	PacerFrameSize int

	// MaxPendingBytes caps agent audio buffered before the stream
	// starts. Overflow is dropped newest-first so the reply's opening
	// is preserved.
	MaxPendingBytes int

	// AudioTap receives every caller frame accepted by the bridge, in
	// arrival order. Used for side-channel transcription.
	AudioTap func(frames.AudioFrame)

	// OnTranscript receives agent and caller transcript text.
	OnTranscript func(role, text string, final bool)

	// OnClose runs exactly once after teardown completes.
	OnClose func(reason string)

	Logger   *slog.Logger
	Observer metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.AgentFormat.Rate == 0 {
		c.AgentFormat = audio.Format{Encoding: audio.EncodingPCM16, Rate: 24000}
	}
	if c.WireFormat.Rate == 0 {
		c.WireFormat = audio.Format{Encoding: audio.EncodingMuLaw, Rate: 8000}
	}
	if c.Strategy == nil {
		c.Strategy = turn.AggressiveStrategy{}
	}
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Bridge couples the caller's media stream to one agent session. Caller
// audio is tapped for transcription, observed for silence and appended
// to the agent; agent audio is transcoded and paced back out as
// telephony frames. A bridge serves exactly one call and is discarded
// after Shutdown.
type Bridge struct {
	cfg   Config
	agent agent.StreamingAgent
	send  SendFunc

	turnMgr turn.Manager
	det     *turn.Detector
	pts     *frames.PTSGen
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	streamID         string
	callSID          string
	traceID          string
	pacer            *pacer.Pacer
	pending          [][]byte
	pendingBytes     int
	greeted          bool
	dropping         bool
	speakingNotified bool
	commitPending    bool
	startErr         error
	fallbackMark     string

	started      atomic.Bool
	responseSeq  atomic.Int64
	fallbackOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
}

// New builds a bridge around an agent session and a transport sink.
// Start must be called before Activate.
func New(sess agent.StreamingAgent, send SendFunc, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:      cfg,
		agent:    sess,
		send:     send,
		pts:      frames.NewPTSGen(),
		log:      cfg.Logger,
		state:    StateAwaitingStart,
		streamID: cfg.StreamID,
		callSID:  cfg.CallSID,
		traceID:  cfg.TraceID,
		done:     make(chan struct{}),
	}
	b.det = turn.NewDetector(cfg.VADThreshold)
	b.turnMgr = turn.NewManagerWithOptions(b.det, cfg.Strategy, bargeSink{b}, b.commitTurn, cfg.TurnOptions)
	return b
}

// Bind sets the bridge's lifecycle context. Start calls it implicitly;
// calling it beforehand lets Activate run safely while the agent dial
// is still in flight on another goroutine.
func (b *Bridge) Bind(ctx context.Context) {
	b.mu.Lock()
	if b.ctx == nil {
		b.ctx, b.cancel = context.WithCancel(ctx)
	}
	b.mu.Unlock()
}

// Start dials the agent session and launches the event and silence
// loops. A dial failure is recorded so the fallback notice can still be
// delivered once the telephony stream attaches.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	b.Bind(ctx)
	if err := b.agent.Start(b.ctx); err != nil {
		b.failStart(err)
		return err
	}
	go b.eventLoop()
	b.turnMgr.Start(b.ctx)
	return nil
}

// RefuseStart marks the session as failed without dialing, used when a
// breaker is rejecting agent dials. The caller still gets the fallback
// notice once the stream attaches.
func (b *Bridge) RefuseStart(ctx context.Context, err error) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.Bind(ctx)
	b.failStart(err)
}

func (b *Bridge) failStart(err error) {
	b.mu.Lock()
	b.startErr = err
	active := b.state == StateActive
	sid := b.streamID
	b.mu.Unlock()
	b.log.Error("agent_start_failed",
		slog.String("stream_id", sid),
		slog.String("error", err.Error()))
	close(b.done)
	if active {
		b.triggerFallback(err)
	}
}

// Activate attaches the live stream identifiers, drains audio buffered
// while the stream was pending and starts paced playback. Called once,
// when the telephony start event arrives.
func (b *Bridge) Activate(streamID, callSID, traceID string) {
	b.mu.Lock()
	if b.state != StateAwaitingStart || b.ctx == nil {
		st := b.state
		b.mu.Unlock()
		b.log.Warn("bridge_activate_ignored",
			slog.String("stream_id", streamID),
			slog.String("state", st.String()))
		return
	}
	b.streamID = streamID
	if callSID != "" {
		b.callSID = callSID
	}
	if traceID != "" {
		b.traceID = traceID
	}
	p := pacer.New(streamID, pacer.Config{
		Interval:  b.cfg.PacerInterval,
		FrameSize: b.cfg.PacerFrameSize,
		Silence:   audio.SilenceByte,
		Sink:      b.emitMedia,
		Logger:    b.cfg.Logger,
		Observer:  b.cfg.Observer,
	})
	b.pacer = p
	drained := b.pendingBytes
	for _, chunk := range b.pending {
		p.Push(chunk)
	}
	b.pending = nil
	b.pendingBytes = 0
	if drained > 0 {
		b.speakingNotified = true
	}
	b.state = StateActive
	startErr := b.startErr
	b.mu.Unlock()

	p.Start(b.ctx)
	if drained > 0 {
		b.turnMgr.OnAgentSpeechStart()
	}
	b.log.Info("bridge_active",
		slog.String("stream_id", streamID),
		slog.String("call_sid", callSID),
		slog.Int("pending_drained_bytes", drained))
	b.observe("bridge_active", 1)
	if startErr != nil {
		b.triggerFallback(startErr)
	}
}

// HandleCallerAudio forwards one caller frame to the transcription tap
// and the agent input buffer. Frames arriving before the stream is
// active or after the agent stops accepting audio are dropped.
func (b *Bridge) HandleCallerAudio(f frames.AudioFrame) {
	if b.State() != StateActive {
		return
	}
	if b.cfg.AudioTap != nil {
		b.cfg.AudioTap(f)
	}
	switch b.agent.State() {
	case agent.StateReady, agent.StateStreaming, agent.StateResponding:
	default:
		return
	}
	if err := b.agent.AppendAudio(f); err != nil {
		b.log.Warn("caller_audio_append_failed",
			slog.String("stream_id", b.currentStreamID()),
			slog.String("error", err.Error()))
	}
}

// ObserveAudio feeds decoded caller samples to the silence detector.
// Samples only count toward finalization while the agent session can
// receive the matching audio, keeping the commit and the buffer in
// step.
func (b *Bridge) ObserveAudio(samples []int16) {
	if b.State() != StateActive {
		return
	}
	switch b.agent.State() {
	case agent.StateReady, agent.StateStreaming, agent.StateResponding:
		b.turnMgr.ObserveAudio(samples)
	}
}

// HandleMark processes a playback checkpoint echoed by the telephony
// side. Ordinary marks complete the speaking phase; the fallback mark
// finishes teardown once the apology fill has played out.
func (b *Bridge) HandleMark(name string) {
	b.mu.Lock()
	fallbackMark := b.fallbackMark
	sid := b.streamID
	b.mu.Unlock()
	b.log.Debug("playback_mark",
		slog.String("stream_id", sid),
		slog.String("mark", name))
	if fallbackMark != "" && name == fallbackMark {
		b.Shutdown(closeReasonAgentError)
		return
	}
	b.turnMgr.OnAudioComplete()
}

// FlushCallerTurn commits caller audio heard since the last turn so a
// hangup does not drop the caller's final words. Runs on the stop path
// before Shutdown closes the agent socket.
func (b *Bridge) FlushCallerTurn() {
	if b.State() != StateActive {
		return
	}
	switch b.agent.State() {
	case agent.StateReady, agent.StateStreaming, agent.StateResponding:
	default:
		return
	}
	if !b.det.HasNewAudio() {
		return
	}
	b.det.MarkTurn()
	if err := b.agent.CommitTurn(); err != nil {
		b.log.Debug("final_commit_failed",
			slog.String("stream_id", b.currentStreamID()),
			slog.String("error", err.Error()))
		return
	}
	b.observe("turn_commit", 1)
	b.log.Info("caller_audio_flushed",
		slog.String("stream_id", b.currentStreamID()))
}

// Shutdown tears the call down: silence and pacer timers stop
// synchronously, the agent socket closes and the close hook fires. The
// first caller's reason wins; later calls are no-ops.
func (b *Bridge) Shutdown(reason string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosing
		sid := b.streamID
		p := b.pacer
		cancel := b.cancel
		b.mu.Unlock()
		b.log.Info("bridge_closing",
			slog.String("stream_id", sid),
			slog.String("reason", reason))
		b.turnMgr.Stop()
		if p != nil {
			p.Stop()
			st := p.Stats()
			b.log.Debug("pacer_stats",
				slog.String("stream_id", sid),
				slog.Int64("emitted", st.Emitted),
				slog.Int64("padded", st.Padded),
				slog.Int64("dropped", st.Dropped))
		}
		if err := b.agent.Close(); err != nil {
			b.log.Debug("agent_close_error",
				slog.String("stream_id", sid),
				slog.String("error", err.Error()))
		}
		if cancel != nil {
			cancel()
		}
		b.mu.Lock()
		b.state = StateClosed
		b.mu.Unlock()
		b.observe("bridge_closed", 1)
		b.log.Info("bridge_closed",
			slog.String("stream_id", sid),
			slog.String("reason", reason))
		if b.cfg.OnClose != nil {
			b.cfg.OnClose(reason)
		}
	})
}

// State returns the bridge lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the agent's event stream has been fully consumed,
// or immediately when the session never started.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// PendingBytes reports agent audio buffered while awaiting the stream
// start.
func (b *Bridge) PendingBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingBytes
}

// CallSID returns the bound call id, empty until the stream starts.
func (b *Bridge) CallSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callSID
}

func (b *Bridge) currentStreamID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamID
}

func (b *Bridge) eventLoop() {
	defer close(b.done)
	for ev := range b.agent.Events() {
		switch ev.Type {
		case agent.EventReady:
			b.handleReady()
		case agent.EventAudioDelta:
			b.routeOutbound(ev.Audio)
		case agent.EventTranscriptDelta:
			if b.cfg.OnTranscript != nil {
				b.cfg.OnTranscript(ev.Role, ev.Text, false)
			}
		case agent.EventTranscriptDone:
			if b.cfg.OnTranscript != nil {
				b.cfg.OnTranscript(ev.Role, ev.Text, true)
			}
		case agent.EventSpeechStarted:
			b.log.Debug("agent_speech_started",
				slog.String("stream_id", b.currentStreamID()))
		case agent.EventSpeechStopped:
			b.log.Debug("agent_speech_stopped",
				slog.String("stream_id", b.currentStreamID()))
		case agent.EventResponseDone:
			b.handleResponseDone()
		case agent.EventError:
			b.handleAgentError(ev.Err)
		}
	}
	// The event stream closing without a shutdown in progress means the
	// agent side died mid-call.
	if st := b.State(); st == StateAwaitingStart || st == StateActive {
		b.triggerFallback(errorsx.Wrap(errors.New("agent event stream closed"), errorsx.ReasonAgentStream))
	}
}

func (b *Bridge) handleReady() {
	b.log.Info("agent_session_ready",
		slog.String("stream_id", b.currentStreamID()))
	b.mu.Lock()
	greet := !b.greeted && b.cfg.Greeting != ""
	b.greeted = true
	b.mu.Unlock()
	if !greet {
		return
	}
	if err := b.agent.CreateResponse(b.cfg.Greeting); err != nil {
		b.log.Warn("greeting_failed",
			slog.String("stream_id", b.currentStreamID()),
			slog.String("error", err.Error()))
		return
	}
	b.observe("greeting_requested", 1)
	b.log.Info("greeting_requested",
		slog.String("stream_id", b.currentStreamID()))
}

// routeOutbound transcodes one agent audio delta to the wire format and
// either queues it for pacing or, before the stream starts, parks it in
// the pending buffer.
func (b *Bridge) routeOutbound(payload []byte) {
	if len(payload) == 0 {
		return
	}
	wire := audio.Transcode(payload, b.cfg.AgentFormat, b.cfg.WireFormat)
	b.mu.Lock()
	sid := b.streamID
	if b.dropping {
		b.mu.Unlock()
		return
	}
	switch b.state {
	case StateAwaitingStart:
		if b.pendingBytes+len(wire) > b.cfg.MaxPendingBytes {
			b.mu.Unlock()
			b.log.Warn("pending_audio_overflow",
				slog.String("stream_id", sid),
				slog.Int("dropped_bytes", len(wire)))
			b.observe("pending_overflow", float64(len(wire)))
			return
		}
		b.pending = append(b.pending, wire)
		b.pendingBytes += len(wire)
		b.mu.Unlock()
	case StateActive:
		p := b.pacer
		notify := !b.speakingNotified
		b.speakingNotified = true
		b.mu.Unlock()
		p.Push(wire)
		if notify {
			b.turnMgr.OnAgentSpeechStart()
		}
	default:
		b.mu.Unlock()
	}
}

func (b *Bridge) handleResponseDone() {
	b.mu.Lock()
	b.dropping = false
	b.speakingNotified = false
	deferred := b.commitPending
	b.commitPending = false
	active := b.state == StateActive
	sid := b.streamID
	callSID := b.callSID
	b.mu.Unlock()

	b.log.Debug("agent_response_done", slog.String("stream_id", sid))
	if deferred {
		b.commitTurn()
	} else {
		b.turnMgr.ResponseComplete()
	}
	if !active {
		return
	}
	name := fmt.Sprintf("response-%d", b.responseSeq.Add(1))
	meta := map[string]string{
		frames.MetaCallSID:  callSID,
		frames.MetaMarkName: name,
		frames.MetaSource:   "bridge",
	}
	mark := frames.NewControlFrame(sid, b.pts.Next(sid), frames.ControlMark, meta)
	if err := b.send(mark); err != nil {
		b.log.Debug("playback_mark_failed",
			slog.String("stream_id", sid),
			slog.String("error", err.Error()))
	}
}

// commitTurn closes the caller's audio turn and requests a response.
// Invoked by the silence poller; when a response is still in flight
// (greeting overlap) the commit is parked until that response settles.
func (b *Bridge) commitTurn() {
	if b.agent.State() == agent.StateResponding {
		b.mu.Lock()
		b.commitPending = true
		sid := b.streamID
		b.mu.Unlock()
		b.log.Debug("turn_commit_deferred", slog.String("stream_id", sid))
		return
	}
	if err := b.agent.CommitTurn(); err != nil {
		b.log.Warn("turn_commit_failed",
			slog.String("stream_id", b.currentStreamID()),
			slog.String("error", err.Error()))
		b.turnMgr.ResponseComplete()
		return
	}
	b.observe("turn_commit", 1)
	b.log.Info("turn_committed",
		slog.String("stream_id", b.currentStreamID()))
}

func (b *Bridge) handleAgentError(err error) {
	if b.agent.State() == agent.StateError {
		b.triggerFallback(err)
		return
	}
	// The connection survived, so treat the event as a server complaint:
	// release the turn gates and keep the call going.
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.log.Warn("agent_recoverable_error",
		slog.String("stream_id", b.currentStreamID()),
		slog.String("error", msg))
	b.mu.Lock()
	b.dropping = false
	b.commitPending = false
	b.mu.Unlock()
	b.turnMgr.ResponseComplete()
}

// triggerFallback delivers the spoken-apology notice exactly once and
// tears the call down. With a live stream the telephony side redirects
// the call to apology TwiML; when the redirect cannot be delivered the
// caller gets a short comfort fill before the line drops.
func (b *Bridge) triggerFallback(cause error) {
	b.fallbackOnce.Do(func() {
		b.mu.Lock()
		sid := b.streamID
		callSID := b.callSID
		active := b.state == StateActive
		b.mu.Unlock()
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		b.log.Error("fallback_triggered",
			slog.String("stream_id", sid),
			slog.String("call_sid", callSID),
			slog.String("error", msg))
		b.observe("fallback", 1)
		if !active {
			b.Shutdown(closeReasonAgentError)
			return
		}
		meta := map[string]string{
			frames.MetaCallSID: callSID,
			frames.MetaSource:  "bridge",
			frames.MetaReason:  closeReasonAgentError,
		}
		f := frames.NewControlFrame(sid, b.pts.Next(sid), frames.ControlFallback, meta)
		if err := b.send(f); err != nil {
			b.log.Error("fallback_redirect_failed",
				slog.String("stream_id", sid),
				slog.String("error", err.Error()))
			b.comfortClose()
			return
		}
		b.Shutdown(closeReasonAgentError)
	})
}

// comfortClose keeps the line audible for a moment when the apology
// redirect could not be delivered, closing once the fill has played out
// or after a hard deadline when the mark echo is lost.
func (b *Bridge) comfortClose() {
	b.mu.Lock()
	p := b.pacer
	b.mu.Unlock()
	if p == nil {
		b.Shutdown(closeReasonAgentError)
		return
	}
	p.Clear()
	fill := make([]byte, b.cfg.WireFormat.Rate)
	for i := range fill {
		fill[i] = audio.SilenceByte
	}
	p.Push(fill)
	name := "fallback-" + uuid.NewString()
	b.mu.Lock()
	b.fallbackMark = name
	b.mu.Unlock()
	go b.markAfterDrain(p, name)
}

func (b *Bridge) markAfterDrain(p *pacer.Pacer, name string) {
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-deadline.C:
			b.Shutdown(closeReasonAgentError)
			return
		case <-poll.C:
			if p.Pending() > 0 {
				continue
			}
			sid := b.currentStreamID()
			meta := map[string]string{
				frames.MetaMarkName: name,
				frames.MetaSource:   "bridge",
			}
			if err := b.send(frames.NewControlFrame(sid, b.pts.Next(sid), frames.ControlMark, meta)); err != nil {
				b.Shutdown(closeReasonAgentError)
				return
			}
			time.AfterFunc(5*time.Second, func() { b.Shutdown(closeReasonAgentError) })
			return
		}
	}
}

// emitMedia is the pacer sink: one wire-ready frame per tick.
func (b *Bridge) emitMedia(frame []byte) error {
	b.mu.Lock()
	sid := b.streamID
	callSID := b.callSID
	active := b.state == StateActive
	b.mu.Unlock()
	if !active {
		return nil
	}
	meta := map[string]string{
		frames.MetaCallSID:  callSID,
		frames.MetaSource:   "bridge",
		frames.MetaEncoding: "mulaw",
		frames.MetaAgent:    b.agent.Name(),
	}
	af := frames.NewAudioFrame(sid, b.pts.Next(sid), frame, b.cfg.WireFormat.Rate, 1, meta)
	return b.send(af)
}

// flushPlayback discards locally queued agent audio and tells the
// telephony side to drop whatever it has buffered.
func (b *Bridge) flushPlayback() {
	b.mu.Lock()
	p := b.pacer
	sid := b.streamID
	active := b.state == StateActive
	b.mu.Unlock()
	if !active {
		return
	}
	if p != nil {
		p.Clear()
	}
	meta := map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: "barge_in",
	}
	f := frames.NewControlFrame(sid, b.pts.Next(sid), frames.ControlFlush, meta)
	if err := b.send(f); err != nil {
		b.log.Debug("playback_clear_failed",
			slog.String("stream_id", sid),
			slog.String("error", err.Error()))
	}
	b.observe("barge_in_flush", 1)
	b.log.Info("playback_flushed",
		slog.String("stream_id", sid),
		slog.String("reason", "barge_in"))
}

// cancelResponse aborts the in-flight agent response and drops its
// remaining audio deltas until the response settles.
func (b *Bridge) cancelResponse() {
	if b.agent.State() != agent.StateResponding {
		return
	}
	b.mu.Lock()
	b.dropping = true
	sid := b.streamID
	b.mu.Unlock()
	if err := b.agent.CancelResponse(); err != nil {
		b.log.Warn("response_cancel_failed",
			slog.String("stream_id", sid),
			slog.String("error", err.Error()))
	}
	b.observe("barge_in_cancel", 1)
}

func (b *Bridge) observe(name string, value float64) {
	b.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags: map[string]string{
			"stream_id": b.currentStreamID(),
			"call_sid":  b.CallSID(),
		},
	})
}

// bargeSink adapts the bridge to the turn manager's interrupt channel.
type bargeSink struct{ b *Bridge }

func (s bargeSink) Emit(f frames.Frame) error {
	cf, ok := f.(frames.ControlFrame)
	if !ok {
		return nil
	}
	switch cf.Code() {
	case frames.ControlFlush:
		s.b.flushPlayback()
	case frames.ControlCancel:
		s.b.cancelResponse()
	case frames.ControlStartInterruption:
		s.b.flushPlayback()
		s.b.cancelResponse()
	}
	return nil
}
