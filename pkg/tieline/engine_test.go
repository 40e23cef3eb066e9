package tieline

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tielinehq/tieline/pkg/adapters/agent"
	"github.com/tielinehq/tieline/pkg/audio"
	"github.com/tielinehq/tieline/pkg/bridge"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/pipeline"
	mockagent "github.com/tielinehq/tieline/pkg/providers/mock"
	mocktransport "github.com/tielinehq/tieline/pkg/transports/mock"
)

// agentCapture collects the scripted agents an engine dials so tests
// can inspect them after the fact.
type agentCapture struct {
	mu     sync.Mutex
	agents []*mockagent.Agent
}

func (c *agentCapture) last() *mockagent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.agents) == 0 {
		return nil
	}
	return c.agents[len(c.agents)-1]
}

func (c *agentCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

func scriptedProviders(c *agentCapture, script mockagent.AgentConfig) *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterAgent("scripted", func(_ Config, sess SessionInfo) (agent.StreamingAgent, error) {
		cfg := script
		cfg.StreamID = sess.StreamID
		cfg.CallSID = sess.CallSID
		ag := mockagent.NewAgent(cfg)
		c.mu.Lock()
		c.agents = append(c.agents, ag)
		c.mu.Unlock()
		return ag, nil
	})
	return reg
}

type stubSummarizer struct {
	mu  sync.Mutex
	in  []string
	out string
	err error
}

func (s *stubSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in = append(s.in, transcript)
	return s.out, s.err
}

func (s *stubSummarizer) inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.in...)
}

func testEngineConfig() Config {
	return Config{
		Pipeline: pipeline.Config{
			StageBuffer:   128,
			HighCapacity:  256,
			LowCapacity:   512,
			FairnessRatio: 3,
			Backpressure:  pipeline.BackpressureDrop,
		},
		Engine: pipeline.EngineConfig{
			SampleRate:     8000,
			PacerFrameSize: 160,
			PacerTickMS:    5,
		},
		Transports: TransportsConfig{Provider: "mock"},
		Agent:      VendorConfig{Provider: "mock", Settings: map[string]any{"auto_respond": true}},
		Turn: TurnConfig{
			VADThreshold:       600,
			PollIntervalMS:     10,
			SilenceWindowMS:    40,
			BargeInThresholdMS: 5,
			MinBargeInMS:       10,
		},
		Dial:     DialConfig{BreakerThreshold: 3, BreakerCooldownMS: 60000},
		Greeting: "Thanks for calling, how can I help?",
		LogLevel: "error",
	}
}

func newTestEngine(t *testing.T, cfg Config, mutate func(*EngineOptions)) (*Engine, *mocktransport.Transport) {
	t.Helper()
	tr := mocktransport.New()
	opts := EngineOptions{Config: cfg, Transport: tr}
	if mutate != nil {
		mutate(&opts)
	}
	e := NewEngine(opts)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e, tr
}

func runtimeFor(e *Engine, streamID string) *callRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[streamID]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// awaitSent consumes outbound frames until one matches.
func awaitSent(t *testing.T, tr *mocktransport.Transport, match func(frames.Frame) bool) frames.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-tr.Sent():
			if !ok {
				t.Fatal("transport closed before expected frame")
				return nil
			}
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("expected outbound frame not sent")
			return nil
		}
	}
}

// replyPCM builds agent-format audio; n samples at 24kHz transcode to
// n/3 wire bytes.
func replyPCM(n int) []byte {
	buf := make([]int16, n)
	for i := range buf {
		buf[i] = 2000
	}
	return audio.LinearToPCM16(buf)
}

func openFrame(streamID string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, 0, "stream_open", nil)
}

func startFrame(oldID, streamID, callSID string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, 0, "call_start", map[string]string{
		frames.MetaOldStreamID: oldID,
		frames.MetaCallSID:     callSID,
		frames.MetaTraceID:     "tr-" + callSID,
		frames.MetaFromNumber:  "+15105550100",
		frames.MetaToNumber:    "+15105550123",
	})
}

func endFrame(streamID, reason string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, 0, "call_end", map[string]string{
		frames.MetaCallEndReason: reason,
	})
}

func mulawFrame(streamID string, n int) frames.AudioFrame {
	return frames.NewAudioFrame(streamID, 0, bytes.Repeat([]byte{audio.SilenceByte}, n), 8000, 1, map[string]string{
		frames.MetaEncoding: "mulaw",
	})
}

func TestEngineCallLifecycle(t *testing.T) {
	capture := &agentCapture{}
	providers := scriptedProviders(capture, mockagent.AgentConfig{
		ReplyAudio:  replyPCM(2400),
		ReplyText:   "good afternoon",
		AutoRespond: true,
	})
	cfg := testEngineConfig()
	cfg.Agent = VendorConfig{Provider: "scripted"}
	e, tr := newTestEngine(t, cfg, func(o *EngineOptions) { o.Providers = providers })

	tr.Push(openFrame("pending-1"))
	waitFor(t, 2*time.Second, func() bool { return e.ActiveCalls() == 1 })
	if _, ok := e.Registry().Get("pending-1"); !ok {
		t.Fatal("provisional session not registered")
	}

	// The agent dials while the stream is still pending; the greeting
	// fires once on ready.
	waitFor(t, 2*time.Second, func() bool {
		ag := capture.last()
		return ag != nil && len(ag.Instructions()) == 1
	})
	if got := capture.last().Instructions()[0]; got != cfg.Greeting {
		t.Fatalf("greeting instructions = %q, want %q", got, cfg.Greeting)
	}

	tr.Push(startFrame("pending-1", "MZ100", "CA100"))
	waitFor(t, 2*time.Second, func() bool {
		rt := runtimeFor(e, "MZ100")
		return rt != nil && rt.bridge.State() == bridge.StateActive
	})
	if _, ok := e.Registry().Get("MZ100"); !ok {
		t.Fatal("session not rekeyed to live stream id")
	}
	if _, ok := e.Registry().Get("pending-1"); ok {
		t.Fatal("provisional id still registered after rekey")
	}

	// Greeting audio buffered before the start drains out as paced
	// wire frames.
	out := awaitSent(t, tr, func(f frames.Frame) bool { return f.Kind() == frames.KindAudio })
	af := out.(frames.AudioFrame)
	if len(af.RawPayload()) != 160 || af.Rate() != 8000 {
		t.Fatalf("outbound frame = %d bytes at %d Hz, want 160 at 8000", len(af.RawPayload()), af.Rate())
	}
	if af.Meta()[frames.MetaEncoding] != "mulaw" {
		t.Fatalf("outbound encoding = %q, want mulaw", af.Meta()[frames.MetaEncoding])
	}

	tr.Push(mulawFrame("MZ100", 160))
	waitFor(t, 2*time.Second, func() bool { return len(capture.last().Appended()) > 0 })

	tr.Push(endFrame("MZ100", "caller_hangup"))
	waitFor(t, 2*time.Second, func() bool { return e.ActiveCalls() == 0 })
	waitFor(t, 2*time.Second, func() bool { return e.Registry().Count() == 0 })
	waitFor(t, 2*time.Second, func() bool { return capture.last().State() == agent.StateClosed })

	if n := capture.count(); n != 1 {
		t.Fatalf("agents dialed = %d, want 1", n)
	}
	if n := len(capture.last().Instructions()); n != 1 {
		t.Fatalf("greetings requested = %d, want 1", n)
	}
}

func TestEngineStopFlushesCallerAudio(t *testing.T) {
	capture := &agentCapture{}
	providers := scriptedProviders(capture, mockagent.AgentConfig{})
	cfg := testEngineConfig()
	cfg.Agent = VendorConfig{Provider: "scripted"}
	// A long window keeps the silence poller from finalizing the turn,
	// so the audio below is still uncommitted when the stop arrives.
	cfg.Turn.SilenceWindowMS = 60000
	e, tr := newTestEngine(t, cfg, func(o *EngineOptions) { o.Providers = providers })

	tr.Push(openFrame("pending-1"))
	tr.Push(startFrame("pending-1", "MZ700", "CA700"))
	waitFor(t, 2*time.Second, func() bool {
		rt := runtimeFor(e, "MZ700")
		return rt != nil && rt.bridge.State() == bridge.StateActive
	})
	waitFor(t, 2*time.Second, func() bool {
		ag := capture.last()
		return ag != nil && len(ag.Instructions()) == 1
	})

	tr.Push(mulawFrame("MZ700", 160))
	waitFor(t, 2*time.Second, func() bool { return len(capture.last().Appended()) == 1 })
	if got := capture.last().Commits(); got != 0 {
		t.Fatalf("commits before stop = %d, want 0", got)
	}

	// The stop must push the caller's last words into the session before
	// the agent socket closes.
	tr.Push(endFrame("MZ700", "caller_hangup"))
	waitFor(t, 2*time.Second, func() bool { return capture.last().State() == agent.StateClosed })
	if got := capture.last().Commits(); got != 1 {
		t.Fatalf("final commit on hangup = %d, want 1", got)
	}
	waitFor(t, 2*time.Second, func() bool { return e.Registry().Count() == 0 })
}

func TestEngineNotifiesAfterCall(t *testing.T) {
	capture := &agentCapture{}
	providers := scriptedProviders(capture, mockagent.AgentConfig{
		ReplyAudio:  replyPCM(240),
		ReplyText:   "the visit is booked",
		AutoRespond: true,
	})
	cfg := testEngineConfig()
	cfg.Agent = VendorConfig{Provider: "scripted"}
	cfg.Notify = NotifyConfig{
		Enabled:        true,
		From:           "+15105550000",
		To:             "+15105550001",
		AccountSID:     "AC00000000000000000000000000000000",
		AuthToken:      "secret",
		Retries:        1,
		RetryBackoffMS: 1,
	}
	stub := &stubCreator{}
	notifier := NewNotifier(cfg.Notify)
	notifier.client = stub
	summ := &stubSummarizer{out: "caller booked a tune-up"}
	e, tr := newTestEngine(t, cfg, func(o *EngineOptions) {
		o.Providers = providers
		o.Notifier = notifier
		o.Summarizer = summ
	})

	tr.Push(openFrame("pending-1"))
	tr.Push(startFrame("pending-1", "MZ200", "CA200"))
	waitFor(t, 2*time.Second, func() bool {
		rt := runtimeFor(e, "MZ200")
		return rt != nil && rt.recorder.Len() > 0
	})

	tr.Push(endFrame("MZ200", "caller_hangup"))
	waitFor(t, 2*time.Second, func() bool { return len(stub.sent()) == 1 })

	body := stub.sent()[0]
	if !strings.Contains(body, "caller booked a tune-up") {
		t.Fatalf("notification body missing summary: %q", body)
	}
	if !strings.Contains(body, "+15105550100") || !strings.Contains(body, "caller_hangup") {
		t.Fatalf("notification body missing call label: %q", body)
	}
	if in := summ.inputs(); len(in) != 1 || !strings.Contains(in[0], "assistant:") {
		t.Fatalf("summarizer transcript = %v", in)
	}

	// A duplicate end event must not produce a second notification.
	tr.Push(endFrame("MZ200", "caller_hangup"))
	time.Sleep(50 * time.Millisecond)
	if n := len(stub.sent()); n != 1 {
		t.Fatalf("notifications sent = %d, want exactly 1", n)
	}
}

func TestEngineFallbackWhenAgentDialFails(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Agent = VendorConfig{Provider: "mock", Settings: map[string]any{"fail_start": true}}
	e, tr := newTestEngine(t, cfg, nil)

	tr.Push(openFrame("pending-1"))
	tr.Push(startFrame("pending-1", "MZ300", "CA300"))

	f := awaitSent(t, tr, func(f frames.Frame) bool {
		cf, ok := f.(frames.ControlFrame)
		return ok && cf.Code() == frames.ControlFallback
	})
	meta := f.Meta()
	if meta[frames.MetaReason] != "agent_error" || meta[frames.MetaSource] != "bridge" {
		t.Fatalf("fallback meta = %v", meta)
	}
	if meta[frames.MetaStreamID] != "MZ300" {
		t.Fatalf("fallback stream = %q, want MZ300", meta[frames.MetaStreamID])
	}
	waitFor(t, 2*time.Second, func() bool { return e.ActiveCalls() == 0 })

	tr.Push(endFrame("MZ300", "transport_closed"))
	waitFor(t, 2*time.Second, func() bool { return e.Registry().Count() == 0 })
}

func TestEngineBreakerSuspendsDials(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Agent = VendorConfig{Provider: "mock", Settings: map[string]any{"fail_start": true}}
	cfg.Dial = DialConfig{BreakerThreshold: 2, BreakerCooldownMS: 60000}
	e, tr := newTestEngine(t, cfg, nil)

	for _, id := range []string{"pending-1", "pending-2"} {
		tr.Push(openFrame(id))
		waitFor(t, 2*time.Second, func() bool {
			rt := runtimeFor(e, id)
			if rt == nil {
				return false
			}
			select {
			case <-rt.bridge.Done():
				return true
			default:
				return false
			}
		})
	}
	waitFor(t, 2*time.Second, func() bool { return !e.dials.Allow() })

	// With the breaker open the next call is refused without a dial and
	// the caller still gets the fallback redirect.
	tr.Push(openFrame("pending-3"))
	tr.Push(startFrame("pending-3", "MZ400", "CA400"))
	awaitSent(t, tr, func(f frames.Frame) bool {
		cf, ok := f.(frames.ControlFrame)
		return ok && cf.Code() == frames.ControlFallback && f.Meta()[frames.MetaStreamID] == "MZ400"
	})
	waitFor(t, 2*time.Second, func() bool { return runtimeFor(e, "MZ400") == nil })
}

func TestEngineRecordsKeypadDigits(t *testing.T) {
	cfg := testEngineConfig()
	e, tr := newTestEngine(t, cfg, nil)

	tr.Push(openFrame("pending-1"))
	tr.Push(startFrame("pending-1", "MZ500", "CA500"))
	waitFor(t, 2*time.Second, func() bool {
		rt := runtimeFor(e, "MZ500")
		return rt != nil && rt.bridge.State() == bridge.StateActive
	})

	tr.Push(frames.NewControlFrame("MZ500", 0, frames.ControlDTMF, map[string]string{
		frames.MetaDTMFDigit: "5",
	}))
	waitFor(t, 2*time.Second, func() bool {
		rt := runtimeFor(e, "MZ500")
		if rt == nil {
			return false
		}
		for _, entry := range rt.recorder.Entries() {
			if entry.Text == "keypad 5" && entry.Source == "dtmf" {
				return true
			}
		}
		return false
	})
}

func TestEngineDeadAirFallback(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Greeting = ""
	cfg.Agent = VendorConfig{Provider: "mock"}
	cfg.Recovery = RecoveryConfig{DeadAirMS: 60, PollMS: 20}
	e, tr := newTestEngine(t, cfg, nil)

	tr.Push(openFrame("pending-1"))
	tr.Push(startFrame("pending-1", "MZ600", "CA600"))

	f := awaitSent(t, tr, func(f frames.Frame) bool {
		cf, ok := f.(frames.ControlFrame)
		return ok && cf.Code() == frames.ControlFallback
	})
	meta := f.Meta()
	if meta[frames.MetaSource] != "recovery_guard" || meta[frames.MetaReason] != "dead_air" {
		t.Fatalf("fallback meta = %v", meta)
	}
	if meta[frames.MetaStreamID] != "MZ600" || meta[frames.MetaCallSID] != "CA600" {
		t.Fatalf("fallback identifiers = %v", meta)
	}
	waitFor(t, 2*time.Second, func() bool { return e.ActiveCalls() == 0 })
}
