package agent

import (
	"context"

	"github.com/tielinehq/tieline/pkg/frames"
)

// State tracks the lifecycle of one agent session.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateStreaming
	StateResponding
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateResponding:
		return "RESPONDING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies one event surfaced by an agent session.
type EventType string

const (
	EventReady           EventType = "ready"
	EventAudioDelta      EventType = "audio_delta"
	EventTranscriptDelta EventType = "transcript_delta"
	EventTranscriptDone  EventType = "transcript_done"
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechStopped   EventType = "speech_stopped"
	EventResponseDone    EventType = "response_done"
	EventError           EventType = "error"
)

// Event is one message from the agent session. Audio carries raw bytes
// in the session's output format. Text carries transcript deltas.
type Event struct {
	Type  EventType
	Audio []byte
	Text  string
	Role  string
	Err   error
}

// StreamingAgent defines the contract for a bidirectional speech agent
// session.
type StreamingAgent interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start dials the vendor and performs the session handshake.
	Start(ctx context.Context) error
	// Close shuts down the session.
	Close() error
	// AppendAudio streams one caller frame into the session's input buffer.
	AppendAudio(frame frames.AudioFrame) error
	// CommitTurn commits buffered caller audio and requests a response.
	CommitTurn() error
	// CreateResponse requests a spoken response with one-off instructions.
	CreateResponse(instructions string) error
	// CancelResponse cancels the in-flight response.
	CancelResponse() error
	// Events returns the session's event stream. Closed when the
	// session ends.
	Events() <-chan Event
	// State returns the current session state.
	State() State
}
