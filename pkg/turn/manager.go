// Package turn decides who holds the floor on a call. It watches
// decoded caller audio for speech, finalizes the caller's turn after a
// configurable silence window, and interrupts agent playback when the
// caller barges in.
package turn

import "context"

// State is the conversational position of a call.
type State int

const (
	// StateIdle is the pre-greeting state before anyone has spoken.
	StateIdle State = iota
	// StateListening means the caller holds the floor.
	StateListening
	// StateThinking means a finalized turn is waiting on the agent.
	StateThinking
	// StateSpeaking means agent audio is playing back to the caller.
	StateSpeaking
)

var stateNames = [...]string{
	StateIdle:      "IDLE",
	StateListening: "LISTENING",
	StateThinking:  "THINKING",
	StateSpeaking:  "SPEAKING",
}

func (s State) String() string {
	if s < StateIdle || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Strategy selects how assertively the agent yields the floor.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

// FinalizeFunc runs when the silence poller decides the caller's turn
// is complete.
type FinalizeFunc func()

// Manager drives turn taking for one call.
type Manager interface {
	Start(ctx context.Context)
	Stop()
	ObserveAudio(samples []int16)
	ResponseComplete()
	Awaiting() bool
	OnAgentSpeechStart()
	OnAudioComplete()
	AddListener(listener StateListener)
	State() State
}
