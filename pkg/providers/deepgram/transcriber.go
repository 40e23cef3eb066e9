// Package deepgram streams caller audio to Deepgram's live
// transcription API and returns text frames on a channel.
package deepgram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/tielinehq/tieline/pkg/adapters/transcribe"
	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	UtteranceEndMS int
	StreamID       string
	CallSID        string
	TraceID        string
}

// Transcriber runs a live transcription of the caller's side of the
// call. It is a side tap: results feed the call record, never turn
// taking.
type Transcriber struct {
	cfg Config
	log *slog.Logger
	out chan frames.Frame

	ctx    context.Context
	cancel context.CancelFunc

	live   *client.WSCallback
	audioR *io.PipeReader
	audioW *io.PipeWriter

	metaLogged bool
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Transcriber{
		cfg: cfg,
		log: logging.NewComponentLogger(slog.Default(), "deepgram_transcriber"),
		out: make(chan frames.Frame, 256),
	}
}

func (s *Transcriber) Name() string { return "deepgram_transcriber" }

func (s *Transcriber) Results() <-chan frames.Frame { return s.out }

// Start opens the websocket and begins pumping audio written through
// SendAudio into it.
func (s *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.audioR, s.audioW = io.Pipe()

	s.log.Info("transcriber_init",
		"stream_id", s.cfg.StreamID,
		"call_sid", s.cfg.CallSID,
		"model", s.cfg.Model,
		"encoding", s.cfg.Encoding,
		"sample_rate", s.cfg.SampleRate)

	live, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey,
		&interfaces.ClientOptions{EnableKeepAlive: true},
		s.liveOptions(),
		&listener{t: s})
	if err != nil {
		s.log.Error("transcriber_client_create_error",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonTranscribeConnect)
	}
	s.live = live

	if ok := s.live.Connect(); !ok {
		s.log.Error("transcriber_connect_failed", "stream_id", s.cfg.StreamID)
		return errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonTranscribeConnect)
	}
	s.log.Info("transcriber_connected",
		"stream_id", s.cfg.StreamID,
		"call_sid", s.cfg.CallSID)

	go s.pump()
	return nil
}

func (s *Transcriber) liveOptions() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}
	return opts
}

func (s *Transcriber) pump() {
	if err := s.live.Stream(s.audioR); err != nil && s.ctx.Err() == nil {
		s.log.Error("transcriber_stream_error",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
	}
}

func (s *Transcriber) Close() error {
	s.log.Info("transcriber_close", "stream_id", s.cfg.StreamID)
	if s.cancel != nil {
		s.cancel()
	}
	if s.audioW != nil {
		_ = s.audioW.Close()
	}
	if s.live != nil {
		s.live.Stop()
	}
	return nil
}

// SendAudio forwards one caller frame into the live transcription
// stream.
func (s *Transcriber) SendAudio(frame frames.AudioFrame) error {
	if s.audioW == nil {
		return errorsx.Wrap(errors.New("transcriber not started"), errorsx.ReasonTranscribeSend)
	}
	if _, err := s.audioW.Write(frame.RawPayload()); err != nil {
		s.log.Error("transcriber_send_error",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonTranscribeSend)
	}
	return nil
}

// deliver hands a frame to the consumer without ever blocking the SDK
// callback goroutine.
func (s *Transcriber) deliver(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		s.log.Warn("transcriber_out_channel_full", "stream_id", s.cfg.StreamID)
	}
}

func (s *Transcriber) resultMeta(final bool) map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "transcriber",
		frames.MetaRole:     "caller",
		frames.MetaIsFinal:  strconv.FormatBool(final),
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

// listener receives Deepgram SDK callbacks and translates them into
// frames.
type listener struct {
	t *Transcriber
}

func (l *listener) Open(or *msginterfaces.OpenResponse) error {
	l.t.log.Info("transcriber_connection_opened", "stream_id", l.t.cfg.StreamID)
	return nil
}

func (l *listener) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	final := mr.IsFinal || mr.SpeechFinal
	l.t.log.Debug("transcript_received",
		"stream_id", l.t.cfg.StreamID,
		"is_final", final)
	l.t.deliver(frames.NewTextFrame(l.t.cfg.StreamID, time.Now().UnixNano(), transcript, l.t.resultMeta(final)))
	return nil
}

func (l *listener) Metadata(md *msginterfaces.MetadataResponse) error {
	if l.t.metaLogged {
		return nil
	}
	l.t.metaLogged = true
	l.t.log.Info("transcriber_metadata_received",
		"stream_id", l.t.cfg.StreamID,
		"request_id", md.RequestID)
	return nil
}

// SpeechStarted is advisory only. Turn taking belongs to the local
// energy detector, so this is logged and otherwise ignored.
func (l *listener) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	l.t.log.Debug("transcriber_speech_started", "stream_id", l.t.cfg.StreamID)
	return nil
}

func (l *listener) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	l.t.log.Debug("transcriber_utterance_end", "stream_id", l.t.cfg.StreamID)
	return nil
}

func (l *listener) Close(cr *msginterfaces.CloseResponse) error {
	l.t.log.Info("transcriber_connection_closed", "stream_id", l.t.cfg.StreamID)
	return nil
}

func (l *listener) Error(er *msginterfaces.ErrorResponse) error {
	l.t.log.Error("transcriber_error",
		"stream_id", l.t.cfg.StreamID,
		"error_code", er.ErrCode,
		"error_message", er.ErrMsg)
	return nil
}

func (l *listener) UnhandledEvent(byData []byte) error {
	l.t.log.Debug("transcriber_unhandled_event", "stream_id", l.t.cfg.StreamID)
	return nil
}

var _ transcribe.StreamingTranscriber = (*Transcriber)(nil)
