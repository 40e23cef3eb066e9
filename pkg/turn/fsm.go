package turn

import (
	"slices"
	"sync"
	"time"
)

// StateChange describes one transition of the turn state machine.
type StateChange struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// StateListener observes turn state changes. Callbacks run on the
// goroutine that drove the transition, outside the machine's lock.
type StateListener interface {
	OnStateChange(ev StateChange)
}

// InvalidTransitionError reports a move the call flow does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine serializes the call's conversational state. A call
// starts Idle, then cycles between the caller talking (Listening),
// the agent working (Thinking) and the agent talking (Speaking).
type stateMachine struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener

	bargeInThreshold time.Duration
	emitter          InterruptEmitter
}

func newStateMachine(bargeInThreshold time.Duration, emitter InterruptEmitter) *stateMachine {
	if bargeInThreshold <= 0 {
		bargeInThreshold = 500 * time.Millisecond
	}
	return &stateMachine{
		current:          StateIdle,
		bargeInThreshold: bargeInThreshold,
		emitter:          emitter,
	}
}

func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// allowed encodes the call flow. Returning to Idle models hangup and
// is legal from any active state; skipping forward is not.
func allowed(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateListening
	case StateListening:
		return to == StateThinking || to == StateIdle
	case StateThinking:
		return to == StateSpeaking || to == StateListening || to == StateIdle
	case StateSpeaking:
		return to == StateListening || to == StateIdle
	}
	return false
}

// Transition moves the machine to a new state. Listeners fire after
// the lock is released so they may call back into the machine.
func (sm *stateMachine) Transition(to State, reason string) error {
	sm.mu.Lock()
	from := sm.current
	if !allowed(from, to) {
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	sm.current = to
	listeners := slices.Clone(sm.listeners)
	sm.mu.Unlock()

	if len(listeners) > 0 {
		ev := StateChange{From: from, To: to, At: time.Now(), Reason: reason}
		for _, l := range listeners {
			l.OnStateChange(ev)
		}
	}
	return nil
}

func (sm *stateMachine) AddListener(l StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

// OnAudioComplete hands the floor back to the caller when agent
// playback finishes. Outside of Speaking it is a no-op.
func (sm *stateMachine) OnAudioComplete() {
	if sm.State() == StateSpeaking {
		_ = sm.Transition(StateListening, "audio playback complete")
	}
}

// OnSpeechInput reacts to caller speech while the agent is talking.
// Once the burst outlasts the barge-in threshold it emits a
// start-interruption frame and returns the machine to Listening.
func (sm *stateMachine) OnSpeechInput(burst time.Duration) {
	sm.mu.RLock()
	speaking := sm.current == StateSpeaking
	threshold := sm.bargeInThreshold
	emitter := sm.emitter
	sm.mu.RUnlock()

	if !speaking || burst <= threshold {
		return
	}
	if emitter != nil {
		_ = emitter.Emit(NewInterruptFrame("", time.Now().UnixNano(), nil))
	}
	_ = sm.Transition(StateListening, "barge-in detected")
}
