package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tielinehq/tieline/pkg/adapters/agent"
	"github.com/tielinehq/tieline/pkg/audio"
	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/metrics"
	"github.com/tielinehq/tieline/pkg/resilience"
)

const (
	defaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel = "gpt-4o-realtime-preview"
	defaultVoice         = "alloy"
	defaultTemperature   = 0.8

	keepaliveInterval = 15 * time.Second
	writeTimeout      = 10 * time.Second
)

type RealtimeConfig struct {
	APIKey          string
	Model           string
	BaseURL         string
	Voice           string
	Instructions    string
	Temperature     float64
	InputFormat     audio.Format
	OutputFormat    audio.Format
	ServerVAD       bool
	TranscribeInput bool
	StreamID        string
	CallSID         string
	TraceID         string
	Logger          *slog.Logger
	Observer        metrics.Observer
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.Model == "" {
		c.Model = defaultRealtimeModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultRealtimeURL
	}
	if c.Voice == "" {
		c.Voice = defaultVoice
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.InputFormat.Encoding == "" {
		c.InputFormat = audio.Format{Encoding: audio.EncodingMuLaw, Rate: 8000}
	}
	if c.OutputFormat.Encoding == "" {
		c.OutputFormat = audio.Format{Encoding: audio.EncodingPCM16, Rate: 24000}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// RealtimeAgent is a bidirectional speech session against the OpenAI
// realtime endpoint. Caller audio goes in as buffer appends; agent audio
// and transcripts come back on the event stream.
type RealtimeAgent struct {
	cfg    RealtimeConfig
	conn   *websocket.Conn
	out    chan agent.Event
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	state  atomic.Int32

	closeOnce sync.Once
}

func NewRealtimeAgent(cfg RealtimeConfig) *RealtimeAgent {
	a := &RealtimeAgent{
		cfg: cfg.withDefaults(),
		out: make(chan agent.Event, 256),
	}
	a.state.Store(int32(agent.StateConnecting))
	return a
}

func (a *RealtimeAgent) Name() string { return "openai_realtime" }

func (a *RealtimeAgent) State() agent.State {
	return agent.State(a.state.Load())
}

func (a *RealtimeAgent) Events() <-chan agent.Event { return a.out }

func (a *RealtimeAgent) Start(ctx context.Context) error {
	if a.cfg.APIKey == "" {
		a.state.Store(int32(agent.StateError))
		return errorsx.Wrap(errors.New("missing openai api key"), errorsx.ReasonConfigInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	endpoint := a.cfg.BaseURL + "?model=" + url.QueryEscape(a.cfg.Model)
	a.cfg.Logger.Debug("agent_connecting",
		slog.String("stream_id", a.cfg.StreamID),
		slog.String("model", a.cfg.Model))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(endpoint, http.Header{
		"Authorization": []string{"Bearer " + a.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		a.state.Store(int32(agent.StateError))
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			a.cfg.Logger.Error("agent_rate_limited",
				slog.String("stream_id", a.cfg.StreamID),
				slog.String("status", resp.Status))
			return errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: resp.Status}, errorsx.ReasonAgentRateLimit)
		}
		a.cfg.Logger.Error("agent_connect_failed",
			slog.String("stream_id", a.cfg.StreamID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	a.conn = conn

	if err := a.sendSessionUpdate(); err != nil {
		a.state.Store(int32(agent.StateError))
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonAgentHandshake)
	}

	a.cfg.Logger.Info("agent_connected",
		slog.String("stream_id", a.cfg.StreamID),
		slog.String("model", a.cfg.Model),
		slog.String("input_format", a.cfg.InputFormat.String()),
		slog.String("output_format", a.cfg.OutputFormat.String()))

	go a.readLoop()
	go a.keepaliveLoop()
	return nil
}

// keepaliveLoop pings the socket on an interval so idle stretches of a
// quiet call do not look dead to intermediaries.
func (a *RealtimeAgent) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// sendSessionUpdate pushes the one-time session configuration. With
// ServerVAD off, turn_detection is serialized as an explicit null so
// turn boundaries stay under local control.
func (a *RealtimeAgent) sendSessionUpdate() error {
	cfg := sessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      a.cfg.Instructions,
		Voice:             a.cfg.Voice,
		InputAudioFormat:  string(a.cfg.InputFormat.Encoding),
		OutputAudioFormat: string(a.cfg.OutputFormat.Encoding),
		Temperature:       a.cfg.Temperature,
	}
	if a.cfg.ServerVAD {
		cfg.TurnDetection = &turnDetectionConfig{Type: "server_vad"}
	}
	if a.cfg.TranscribeInput {
		cfg.InputAudioTranscription = &transcriptionConfig{Model: "whisper-1"}
	}
	return a.send(sessionUpdateEvent{
		clientEvent: clientEvent{Type: "session.update"},
		Session:     cfg,
	})
}

func (a *RealtimeAgent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.State() != agent.StateError {
			a.state.Store(int32(agent.StateClosed))
		}
		a.cfg.Logger.Info("agent_close",
			slog.String("stream_id", a.cfg.StreamID))
		if a.cancel != nil {
			a.cancel()
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.conn != nil {
			_ = a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = a.conn.Close()
		}
	})
	return err
}

// AppendAudio streams one caller frame into the session input buffer.
// Audio is refused until the session handshake has completed.
func (a *RealtimeAgent) AppendAudio(frame frames.AudioFrame) error {
	switch a.State() {
	case agent.StateReady:
		a.state.CompareAndSwap(int32(agent.StateReady), int32(agent.StateStreaming))
	case agent.StateStreaming, agent.StateResponding:
	default:
		return errorsx.Wrap(errors.New("session not ready for audio"), errorsx.ReasonAgentSend)
	}
	payload := frame.RawPayload()
	if len(payload) == 0 {
		return nil
	}
	err := a.send(inputAudioBufferAppendEvent{
		clientEvent: clientEvent{Type: "input_audio_buffer.append"},
		Audio:       base64.StdEncoding.EncodeToString(payload),
	})
	return errorsx.Wrap(err, errorsx.ReasonAgentSend)
}

// CommitTurn commits the buffered caller audio and asks for a response.
func (a *RealtimeAgent) CommitTurn() error {
	if err := a.send(inputAudioBufferCommitEvent{clientEvent{Type: "input_audio_buffer.commit"}}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	if err := a.send(responseCreateEvent{clientEvent: clientEvent{Type: "response.create"}}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	a.state.Store(int32(agent.StateResponding))
	return nil
}

// CreateResponse requests a spoken response with one-off instructions,
// without committing buffered audio. Used for greetings and apologies.
func (a *RealtimeAgent) CreateResponse(instructions string) error {
	ev := responseCreateEvent{clientEvent: clientEvent{Type: "response.create"}}
	if instructions != "" {
		ev.Response = &responseConfig{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		}
	}
	if err := a.send(ev); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	a.state.Store(int32(agent.StateResponding))
	return nil
}

// CancelResponse cancels the in-flight response.
func (a *RealtimeAgent) CancelResponse() error {
	err := a.send(responseCancelEvent{clientEvent{Type: "response.cancel"}})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	a.state.CompareAndSwap(int32(agent.StateResponding), int32(agent.StateStreaming))
	return nil
}

func (a *RealtimeAgent) readLoop() {
	defer close(a.out)
	for {
		select {
		case <-a.ctx.Done():
			a.cfg.Logger.Info("agent_read_loop_exit",
				slog.String("stream_id", a.cfg.StreamID),
				slog.String("reason", "context_cancelled"))
			return
		default:
			_, data, err := a.conn.ReadMessage()
			if err != nil {
				if a.State() != agent.StateClosed {
					a.state.Store(int32(agent.StateError))
					a.cfg.Logger.Error("agent_read_loop_error",
						slog.String("stream_id", a.cfg.StreamID),
						slog.String("error", err.Error()))
					a.emit(agent.Event{Type: agent.EventError, Err: errorsx.Wrap(err, errorsx.ReasonAgentStream)})
				}
				return
			}
			a.handleMessage(data)
		}
	}
}

func (a *RealtimeAgent) handleMessage(data []byte) {
	ev, err := parseServerEvent(data)
	if err != nil {
		a.cfg.Logger.Warn("agent_bad_frame",
			slog.String("stream_id", a.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}
	switch msg := ev.(type) {
	case nil:
		// Unknown event types are ignored.
	case *sessionCreatedEvent:
		if a.state.CompareAndSwap(int32(agent.StateConnecting), int32(agent.StateReady)) {
			a.cfg.Logger.Info("agent_session_ready",
				slog.String("stream_id", a.cfg.StreamID),
				slog.String("session_id", msg.Session.ID))
			a.emit(agent.Event{Type: agent.EventReady})
		}
	case *sessionUpdatedEvent:
		a.cfg.Logger.Debug("agent_session_updated",
			slog.String("stream_id", a.cfg.StreamID))
	case *speechStartedEvent:
		a.emit(agent.Event{Type: agent.EventSpeechStarted})
	case *speechStoppedEvent:
		a.emit(agent.Event{Type: agent.EventSpeechStopped})
	case *bufferCommittedEvent:
		a.cfg.Logger.Debug("agent_buffer_committed",
			slog.String("stream_id", a.cfg.StreamID),
			slog.String("item_id", msg.ItemID))
	case *audioDeltaEvent:
		raw, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			a.cfg.Logger.Error("agent_audio_decode_error",
				slog.String("stream_id", a.cfg.StreamID),
				slog.String("error", err.Error()))
			return
		}
		a.emit(agent.Event{Type: agent.EventAudioDelta, Audio: raw})
	case *audioTranscriptDeltaEvent:
		a.emit(agent.Event{Type: agent.EventTranscriptDelta, Text: msg.Delta, Role: "assistant"})
	case *audioTranscriptDoneEvent:
		a.emit(agent.Event{Type: agent.EventTranscriptDone, Text: msg.Transcript, Role: "assistant"})
	case *inputTranscriptionCompletedEvent:
		a.emit(agent.Event{Type: agent.EventTranscriptDone, Text: msg.Transcript, Role: "user"})
	case *responseDoneEvent:
		a.state.CompareAndSwap(int32(agent.StateResponding), int32(agent.StateStreaming))
		a.recordUsage(msg.Response)
		a.emit(agent.Event{Type: agent.EventResponseDone})
	case *errorEvent:
		a.cfg.Logger.Error("agent_server_error",
			slog.String("stream_id", a.cfg.StreamID),
			slog.String("code", msg.Error.Code),
			slog.String("message", msg.Error.Message))
		a.emit(agent.Event{Type: agent.EventError, Err: errorsx.Wrap(errors.New(msg.Error.Message), errorsx.ReasonAgentStream)})
	}
}

func (a *RealtimeAgent) recordUsage(res responseResult) {
	if res.Usage == nil {
		return
	}
	a.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  "agent_usage",
		Time:  time.Now(),
		Value: float64(res.Usage.TotalTokens),
		Tags: map[string]string{
			"stream_id": a.cfg.StreamID,
			"trace_id":  a.cfg.TraceID,
			"call_sid":  a.cfg.CallSID,
			"provider":  a.Name(),
		},
		Fields: map[string]any{
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
			"status":        res.Status,
		},
	})
}

func (a *RealtimeAgent) emit(ev agent.Event) {
	select {
	case a.out <- ev:
	case <-a.ctx.Done():
	}
}

func (a *RealtimeAgent) send(payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errors.New("not connected")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteMessage(websocket.TextMessage, b)
}

var _ agent.StreamingAgent = (*RealtimeAgent)(nil)
