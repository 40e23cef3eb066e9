package turn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tielinehq/tieline/pkg/frames"
)

type ManagerOptions struct {
	PollInterval     time.Duration
	SilenceWindow    time.Duration
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
}

type manager struct {
	mu         sync.Mutex
	sm         *stateMachine
	det        *Detector
	strategy   Strategy
	emit       InterruptEmitter
	finalize   FinalizeFunc
	opts       ManagerOptions
	awaiting   atomic.Bool
	started    atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
	flushTimer *time.Timer
	burstStart time.Time
}

func NewManager(det *Detector, strategy Strategy, emitter InterruptEmitter, finalize FinalizeFunc) Manager {
	return NewManagerWithOptions(det, strategy, emitter, finalize, ManagerOptions{})
}

func NewManagerWithOptions(det *Detector, strategy Strategy, emitter InterruptEmitter, finalize FinalizeFunc, opts ManagerOptions) Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.SilenceWindow <= 0 {
		opts.SilenceWindow = 700 * time.Millisecond
	}
	if opts.MinBargeIn <= 0 {
		opts.MinBargeIn = 300 * time.Millisecond
	}
	return &manager{
		sm:       newStateMachine(opts.BargeInThreshold, emitter),
		det:      det,
		strategy: strategy,
		emit:     emitter,
		finalize: finalize,
		opts:     opts,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the silence poller.
func (m *manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run(ctx)
}

func (m *manager) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll finalizes the caller's turn once audio has accumulated, no
// response is in flight, and the silence window has elapsed.
func (m *manager) poll() {
	if m.awaiting.Load() {
		return
	}
	if !m.det.HasNewAudio() {
		return
	}
	if m.det.SilenceFor() < m.opts.SilenceWindow {
		return
	}
	if !m.awaiting.CompareAndSwap(false, true) {
		return
	}
	m.det.MarkTurn()
	m.cancelFlushTimer()
	_ = m.sm.Transition(StateThinking, "turn finalized")
	if m.finalize != nil {
		m.finalize()
	}
}

// ObserveAudio feeds one decoded caller frame through the detector and
// drives speech-related state transitions.
func (m *manager) ObserveAudio(samples []int16) {
	obs := m.det.Observe(samples)
	if !obs.Speech {
		return
	}
	switch m.sm.State() {
	case StateIdle:
		_ = m.sm.Transition(StateListening, "caller speech")
	case StateSpeaking:
		m.onSpeechDuringPlayback(obs)
	}
}

func (m *manager) onSpeechDuringPlayback(obs Observation) {
	if m.strategy != nil && !m.strategy.BargeInEnabled() {
		return
	}
	m.sm.OnSpeechInput(obs.BurstDur)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushTimer != nil {
		return
	}
	start := time.Now()
	m.burstStart = start
	m.flushTimer = time.AfterFunc(m.opts.MinBargeIn, func() {
		m.mu.Lock()
		active := m.burstStart.Equal(start)
		m.flushTimer = nil
		m.mu.Unlock()
		if active && m.det.SilenceFor() < m.opts.MinBargeIn {
			m.emitFlush()
		}
	})
}

// ResponseComplete clears the in-flight response gate so the next turn
// can be finalized.
func (m *manager) ResponseComplete() {
	m.awaiting.Store(false)
}

// Awaiting reports whether a finalized turn is still waiting on the
// agent's response.
func (m *manager) Awaiting() bool {
	return m.awaiting.Load()
}

// OnAgentSpeechStart marks the start of agent audio playback.
func (m *manager) OnAgentSpeechStart() {
	if m.sm.State() == StateIdle {
		_ = m.sm.Transition(StateListening, "agent speech start - entering listening")
		_ = m.sm.Transition(StateThinking, "agent speech start")
	}
	_ = m.sm.Transition(StateSpeaking, "agent speech start")
}

// OnAudioComplete notifies the state machine that playback is complete.
func (m *manager) OnAudioComplete() {
	m.sm.OnAudioComplete()
}

// AddListener registers a listener for state change events.
func (m *manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}

func (m *manager) State() State {
	return m.sm.State()
}

// Stop halts the poller. It blocks until the poll loop has exited.
func (m *manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.cancelFlushTimer()
	if m.started.Load() {
		<-m.doneCh
	}
}

func (m *manager) cancelFlushTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

func (m *manager) emitFlush() {
	if m.emit == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: "barge_in",
	}
	_ = m.emit.Emit(NewFlushFrame("", time.Now().UnixNano(), meta))
	_ = m.emit.Emit(NewCancelFrame("", time.Now().UnixNano(), meta))
}
