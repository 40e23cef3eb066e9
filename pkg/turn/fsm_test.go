package turn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tielinehq/tieline/pkg/frames"
)

type frameSink struct {
	mu  sync.Mutex
	out []frames.Frame
}

func (s *frameSink) Emit(f frames.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, f)
	return nil
}

func (s *frameSink) emitted() []frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frames.Frame(nil), s.out...)
}

type changeLog struct {
	mu  sync.Mutex
	evs []StateChange
}

func (c *changeLog) OnStateChange(ev StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *changeLog) changes() []StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StateChange(nil), c.evs...)
}

func drive(t *testing.T, sm *stateMachine, path ...State) {
	t.Helper()
	for _, next := range path {
		if err := sm.Transition(next, "test"); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
}

func TestStateMachineFollowsCallFlow(t *testing.T) {
	sm := newStateMachine(0, nil)
	log := &changeLog{}
	sm.AddListener(log)

	drive(t, sm, StateListening, StateThinking, StateSpeaking, StateListening, StateIdle)

	if got := sm.State(); got != StateIdle {
		t.Fatalf("final state = %s, want IDLE", got)
	}
	evs := log.changes()
	if len(evs) != 5 {
		t.Fatalf("listener saw %d changes, want 5", len(evs))
	}
	if evs[0].From != StateIdle || evs[0].To != StateListening {
		t.Fatalf("first change = %s->%s", evs[0].From, evs[0].To)
	}
	if evs[2].From != StateThinking || evs[2].To != StateSpeaking {
		t.Fatalf("third change = %s->%s", evs[2].From, evs[2].To)
	}
	if evs[0].Reason != "test" {
		t.Fatalf("reason = %q", evs[0].Reason)
	}
}

func TestStateMachineRejectsSkippingForward(t *testing.T) {
	sm := newStateMachine(0, nil)

	err := sm.Transition(StateSpeaking, "skip ahead")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if invalid.From != StateIdle || invalid.To != StateSpeaking {
		t.Fatalf("error states = %s->%s", invalid.From, invalid.To)
	}
	if sm.State() != StateIdle {
		t.Fatalf("failed transition must not move the machine, state = %s", sm.State())
	}
}

func TestStateMachineBargeIn(t *testing.T) {
	sink := &frameSink{}
	sm := newStateMachine(50*time.Millisecond, sink)
	drive(t, sm, StateListening, StateThinking, StateSpeaking)

	sm.OnSpeechInput(20 * time.Millisecond)
	if n := len(sink.emitted()); n != 0 {
		t.Fatalf("short burst emitted %d frames, want 0", n)
	}

	sm.OnSpeechInput(80 * time.Millisecond)
	out := sink.emitted()
	if len(out) != 1 {
		t.Fatalf("long burst emitted %d frames, want 1", len(out))
	}
	cf, ok := out[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlStartInterruption {
		t.Fatalf("emitted %T, want start_interruption control frame", out[0])
	}
	if sm.State() != StateListening {
		t.Fatalf("state after barge-in = %s, want LISTENING", sm.State())
	}

	// Caller speech while already listening is just the turn in
	// progress, not an interruption.
	sm.OnSpeechInput(200 * time.Millisecond)
	if n := len(sink.emitted()); n != 1 {
		t.Fatalf("speech outside SPEAKING emitted %d frames, want 1", n)
	}
}

func TestStateMachineAudioCompleteYieldsFloor(t *testing.T) {
	sm := newStateMachine(0, nil)
	drive(t, sm, StateListening, StateThinking, StateSpeaking)

	sm.OnAudioComplete()
	if sm.State() != StateListening {
		t.Fatalf("state = %s, want LISTENING after playback ends", sm.State())
	}

	sm.OnAudioComplete()
	if sm.State() != StateListening {
		t.Fatalf("OnAudioComplete outside SPEAKING must be a no-op, state = %s", sm.State())
	}
}
