package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tielinehq/tieline/pkg/adapters/agent"
	"github.com/tielinehq/tieline/pkg/frames"
)

type AgentConfig struct {
	StreamID    string
	CallSID     string
	ReplyAudio  []byte
	ReplyText   string
	ChunkSize   int
	AutoRespond bool
	FailStart   bool
}

// Agent is a scripted conversational agent. CommitTurn and
// CreateResponse replay the configured reply; with AutoRespond off the
// test drives emission itself through EmitResponse.
type Agent struct {
	cfg   AgentConfig
	out   chan agent.Event
	state atomic.Int32

	mu           sync.Mutex
	closed       bool
	appended     [][]byte
	commits      int
	cancels      int
	responses    int
	instructions []string
}

func NewAgent(cfg AgentConfig) *Agent {
	if len(cfg.ReplyAudio) == 0 {
		cfg.ReplyAudio = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	}
	if cfg.ReplyText == "" {
		cfg.ReplyText = "mock reply"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = len(cfg.ReplyAudio)
	}
	a := &Agent{cfg: cfg, out: make(chan agent.Event, 64)}
	a.state.Store(int32(agent.StateConnecting))
	return a
}

func (a *Agent) Name() string { return "mock_agent" }

func (a *Agent) Start(ctx context.Context) error {
	_ = ctx
	if a.cfg.FailStart {
		a.state.Store(int32(agent.StateError))
		return errors.New("mock start failure")
	}
	a.state.Store(int32(agent.StateReady))
	a.push(agent.Event{Type: agent.EventReady})
	return nil
}

func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if agent.State(a.state.Load()) != agent.StateError {
		a.state.Store(int32(agent.StateClosed))
	}
	close(a.out)
	return nil
}

func (a *Agent) AppendAudio(frame frames.AudioFrame) error {
	st := agent.State(a.state.Load())
	switch st {
	case agent.StateReady:
		a.state.CompareAndSwap(int32(agent.StateReady), int32(agent.StateStreaming))
	case agent.StateStreaming, agent.StateResponding:
	default:
		return errors.New("not accepting audio")
	}
	a.mu.Lock()
	payload := make([]byte, len(frame.RawPayload()))
	copy(payload, frame.RawPayload())
	a.appended = append(a.appended, payload)
	a.mu.Unlock()
	return nil
}

func (a *Agent) CommitTurn() error {
	a.mu.Lock()
	a.commits++
	a.mu.Unlock()
	a.state.Store(int32(agent.StateResponding))
	if a.cfg.AutoRespond {
		a.EmitResponse()
	}
	return nil
}

func (a *Agent) CreateResponse(instructions string) error {
	a.mu.Lock()
	a.responses++
	a.instructions = append(a.instructions, instructions)
	a.mu.Unlock()
	a.state.Store(int32(agent.StateResponding))
	if a.cfg.AutoRespond {
		a.EmitResponse()
	}
	return nil
}

func (a *Agent) CancelResponse() error {
	a.mu.Lock()
	a.cancels++
	a.mu.Unlock()
	a.state.CompareAndSwap(int32(agent.StateResponding), int32(agent.StateStreaming))
	return nil
}

func (a *Agent) Events() <-chan agent.Event { return a.out }

func (a *Agent) State() agent.State { return agent.State(a.state.Load()) }

// EmitResponse replays the scripted reply followed by a completion
// event.
func (a *Agent) EmitResponse() {
	audio := a.cfg.ReplyAudio
	for off := 0; off < len(audio); off += a.cfg.ChunkSize {
		end := off + a.cfg.ChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		chunk := make([]byte, end-off)
		copy(chunk, audio[off:end])
		a.push(agent.Event{Type: agent.EventAudioDelta, Audio: chunk})
	}
	a.push(agent.Event{Type: agent.EventTranscriptDelta, Text: a.cfg.ReplyText, Role: "assistant"})
	a.push(agent.Event{Type: agent.EventTranscriptDone, Text: a.cfg.ReplyText, Role: "assistant"})
	a.state.CompareAndSwap(int32(agent.StateResponding), int32(agent.StateStreaming))
	a.push(agent.Event{Type: agent.EventResponseDone})
}

// PushEvent injects an arbitrary event, for error and edge case tests.
func (a *Agent) PushEvent(ev agent.Event) { a.push(ev) }

func (a *Agent) push(ev agent.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.out <- ev:
	default:
	}
}

func (a *Agent) Appended() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.appended))
	copy(out, a.appended)
	return out
}

func (a *Agent) Commits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commits
}

func (a *Agent) Cancels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancels
}

func (a *Agent) Instructions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.instructions))
	copy(out, a.instructions)
	return out
}

var _ agent.StreamingAgent = (*Agent)(nil)
