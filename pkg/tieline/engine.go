package tieline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tielinehq/tieline/pkg/adapters/transcribe"
	"github.com/tielinehq/tieline/pkg/audio"
	"github.com/tielinehq/tieline/pkg/bridge"
	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/logging"
	"github.com/tielinehq/tieline/pkg/metrics"
	"github.com/tielinehq/tieline/pkg/observers"
	"github.com/tielinehq/tieline/pkg/pipeline"
	"github.com/tielinehq/tieline/pkg/processors"
	"github.com/tielinehq/tieline/pkg/providers/openai"
	"github.com/tielinehq/tieline/pkg/redact"
	"github.com/tielinehq/tieline/pkg/resilience"
	"github.com/tielinehq/tieline/pkg/runner"
	"github.com/tielinehq/tieline/pkg/transcript"
	"github.com/tielinehq/tieline/pkg/transports"
	"github.com/tielinehq/tieline/pkg/turn"
)

// CallSummarizer condenses a call transcript for post-call delivery.
type CallSummarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Engine wires the telephony transport to per-call agent bridges. One
// engine serves many concurrent calls; each call gets its own bridge,
// transcript record and optional transcription tap.
type Engine struct {
	cfg        Config
	registry   *pipeline.SessionRegistry
	transport  transports.Transport
	providers  *ProviderRegistry
	runner     *pipeline.Runner
	asyncObs   *metrics.AsyncObserver
	notifier   *Notifier
	summarizer CallSummarizer
	dials      *resilience.CircuitBreaker

	mu    sync.Mutex
	calls map[string]*callRuntime
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Notifier and Summarizer override the instances built from config.
	Notifier   *Notifier
	Summarizer CallSummarizer
}

// callRuntime carries the per-call pieces living outside the frame
// pipeline: the bridge, the transcript record and the optional live
// transcriber tap.
type callRuntime struct {
	mu          sync.Mutex
	streamID    string
	callSID     string
	traceID     string
	from        string
	to          string
	transcriber transcribe.StreamingTranscriber

	bridge    *bridge.Bridge
	recorder  *transcript.Recorder
	orchIn    chan frames.Frame
	startedAt time.Time
}

// tapAudio forwards one caller frame to the live transcriber, when one
// is attached.
func (rt *callRuntime) tapAudio(f frames.AudioFrame) {
	rt.mu.Lock()
	tr := rt.transcriber
	sid := rt.streamID
	rt.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.SendAudio(f); err != nil {
		slog.Debug("transcriber_audio_failed",
			"stream_id", sid,
			"error", err.Error())
	}
}

func (rt *callRuntime) onTranscript(role, text string, final bool) {
	if final {
		rt.recorder.AddFinal(role, text, "agent")
		return
	}
	rt.recorder.AddDelta(role, text)
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	setupLogger(cfg)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("tieline_init",
		"environment", cfg.Environment,
		"agent_provider", cfg.Agent.Provider,
		"transcriber_provider", cfg.Transcriber.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	obs := buildObservers(cfg)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	notifier := opts.Notifier
	if notifier == nil && cfg.Notify.Enabled {
		notifier = NewNotifier(cfg.Notify)
	}
	summarizer := opts.Summarizer
	if summarizer == nil && cfg.Summary.Enabled {
		summarizer = openai.NewSummarizer(cfg.Summary.APIKey, cfg.Summary.Model)
	}

	e := &Engine{
		cfg:        cfg,
		transport:  opts.Transport,
		providers:  providers,
		asyncObs:   obs.async,
		notifier:   notifier,
		summarizer: summarizer,
		dials:      resilience.NewCircuitBreaker(cfg.Dial.BreakerThreshold, msDur(cfg.Dial.BreakerCooldownMS)),
		calls:      make(map[string]*callRuntime),
	}
	e.registry = pipeline.NewSessionRegistry(e.newSession)

	hooks := runner.Hooks{
		OnStart: func() { logEngineReady(opts.Transport) },
		OnStop: func() {
			obs.close()
			if notifier != nil {
				notifier.Close()
			}
			slog.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_calls", e.registry.Count(),
				"metrics_dropped", obs.async.Dropped())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		e.registry.SetDraining(true)
		// Bridges shut down before the registry drops the sessions so
		// every close hook fires and no fallback is attempted on a
		// stream the transport already released.
		e.mu.Lock()
		rts := make([]*callRuntime, 0, len(e.calls))
		for _, rt := range e.calls {
			rts = append(rts, rt)
		}
		e.mu.Unlock()
		for _, rt := range rts {
			rt.bridge.Shutdown("shutdown")
		}
		e.registry.CloseAll()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer waitCancel()
		_ = e.registry.WaitForEmpty(waitCtx, 200*time.Millisecond)
		return nil
	})

	e.runner = pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)
	return e
}

// engineObservers bundles the metrics sinks with the handles the
// shutdown hook must close.
type engineObservers struct {
	async    *metrics.AsyncObserver
	timeline *observers.TimelineObserver
	usage    *observers.UsageObserver
	file     *os.File
}

// buildObservers assembles the metrics fan-out: latency and log
// observers always run; the timeline, usage and jsonl sinks join when
// an artifacts directory is configured. Stale artifacts beyond the
// retention window are purged on the way in.
func buildObservers(cfg Config) engineObservers {
	var eo engineObservers
	list := []metrics.Observer{
		observers.NewLatencyObserver(slog.Default()),
		observers.NewLoggerObserver(slog.Default()),
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		eo.timeline = observers.NewTimelineObserver(dir)
		eo.usage = observers.NewUsageObserver(dir)
		list = append(list, eo.timeline, eo.usage)
		if sink := openMetricsSink(cfg, dir, &eo); sink != nil {
			list = append(list, sink)
		}
	}
	eo.async = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	return eo
}

// openMetricsSink opens the append-only metrics.jsonl sink, sampled
// down when the config asks for it. Failures are logged and tolerated;
// the engine runs without the file.
func openMetricsSink(cfg Config, dir string, eo *engineObservers) metrics.Observer {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("artifacts_dir_failed", "dir", dir, "error", err.Error())
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("metrics_file_open_failed", "dir", dir, "error", err.Error())
		return nil
	}
	eo.file = f
	rate := cfg.Observability.MetricsSampleRate
	if rate <= 0 {
		rate = 1
	}
	return metrics.NewSamplingObserver(metrics.NewJSONLObserver(f), rate)
}

// close drains the async fan-out first so buffered events still reach
// the file-backed sinks before they shut.
func (eo engineObservers) close() {
	if eo.async != nil {
		eo.async.Close()
	}
	if eo.timeline != nil {
		_ = eo.timeline.Close()
	}
	if eo.usage != nil {
		_ = eo.usage.Close()
	}
	if eo.file != nil {
		_ = eo.file.Close()
	}
}

func logEngineReady(t transports.Transport) {
	fields := []any{"message", "Tieline Engine Ready"}
	if rr, ok := t.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	slog.Info("engine_ready", fields...)
}

// newSession assembles the per-call runtime: recorder, agent session,
// bridge and the inbound processing chain. The agent dial happens on a
// separate goroutine so a slow vendor handshake never stalls transport
// routing.
func (e *Engine) newSession(ctx context.Context, streamID, callSID, traceID string) (pipeline.Orchestrator, error) {
	rt := &callRuntime{
		streamID:  streamID,
		callSID:   callSID,
		traceID:   traceID,
		startedAt: time.Now(),
	}
	rt.recorder = transcript.NewRecorder(transcript.Config{})

	ag, err := e.providers.BuildAgent(e.cfg.Agent.Provider, e.cfg, SessionInfo{
		StreamID: streamID,
		CallSID:  callSID,
		TraceID:  traceID,
		Observer: e.asyncObs,
		Logger:   logging.NewComponentLogger(slog.Default(), "agent"),
	})
	if err != nil {
		return nil, err
	}

	br := bridge.New(ag, e.transportSend, bridge.Config{
		StreamID:     streamID,
		CallSID:      callSID,
		TraceID:      traceID,
		Greeting:     e.cfg.Greeting,
		VADThreshold: e.cfg.Turn.VADThreshold,
		TurnOptions: turn.ManagerOptions{
			PollInterval:     msDur(e.cfg.Turn.PollIntervalMS),
			SilenceWindow:    msDur(e.cfg.Turn.SilenceWindowMS),
			BargeInThreshold: msDur(e.cfg.Turn.BargeInThresholdMS),
			MinBargeIn:       msDur(e.cfg.Turn.MinBargeInMS),
		},
		PacerInterval:  msDur(e.cfg.Engine.PacerTickMS),
		PacerFrameSize: e.cfg.Engine.PacerFrameSize,
		AudioTap:       rt.tapAudio,
		OnTranscript:   rt.onTranscript,
		OnClose: func(reason string) {
			e.finishCall(rt, reason)
		},
		Logger:   slog.Default(),
		Observer: e.asyncObs,
	})
	rt.bridge = br

	builder := pipeline.NewVoiceAgentBuilder().
		WithDecoder(processors.NewInboundAudio(br.ObserveAudio)).
		WithDTMF(processors.NewDTMFProcessor(processors.DTMFConfig{PreferDTMF: true}))
	var guard *processors.RecoveryGuard
	if e.cfg.Recovery.DeadAirMS > 0 {
		guard = processors.NewRecoveryGuard(processors.RecoveryGuardConfig{
			DeadAir: msDur(e.cfg.Recovery.DeadAirMS),
			Poll:    msDur(e.cfg.Recovery.PollMS),
		})
		builder = builder.WithGuard(guard)
	}

	orch := builder.Build(e.cfg.Pipeline)
	orch.SetContext(ctx)
	orch.SetObserver(e.asyncObs)
	orch.SetSink(e.sessionSink(rt))
	if guard != nil {
		guard.SetInput(orch.In())
		guard.SetContext(ctx)
	}
	rt.orchIn = orch.In()

	e.mu.Lock()
	e.calls[streamID] = rt
	e.mu.Unlock()

	br.Bind(ctx)
	go e.dialAgent(ctx, br)
	return orch, nil
}

// dialAgent runs the vendor handshake off the routing goroutine, gated
// by the dial breaker. A canceled dial means the caller hung up first
// and does not count against the breaker.
func (e *Engine) dialAgent(ctx context.Context, br *bridge.Bridge) {
	if !e.dials.Allow() {
		br.RefuseStart(ctx, errorsx.Wrap(errors.New("agent dials suspended"), errorsx.ReasonAgentCircuitOpen))
		return
	}
	if err := br.Start(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			e.dials.OnFailure()
		}
		return
	}
	e.dials.OnSuccess()
}

// sessionSink dispatches frames leaving the inbound chain. Caller audio
// feeds the bridge, transcriber finals feed the record, keypad input is
// noted, and a fallback control from the recovery guard redirects the
// call before tearing the session down.
func (e *Engine) sessionSink(rt *callRuntime) func(frames.Frame) {
	return func(f frames.Frame) {
		switch f.Kind() {
		case frames.KindAudio:
			rt.bridge.HandleCallerAudio(f.(frames.AudioFrame))
		case frames.KindText:
			meta := f.Meta()
			if meta[frames.MetaSource] != "transcriber" {
				return
			}
			// Interim transcripts restate the whole utterance so far;
			// only finals land in the record.
			if meta[frames.MetaIsFinal] != "true" {
				return
			}
			role := meta[frames.MetaRole]
			if role == "" {
				role = transcript.RoleCaller
			}
			// A digit transcript flagged as a keypad echo duplicates the
			// tone already noted for the record; skip it.
			if meta[frames.MetaDTMFPriority] == "true" {
				return
			}
			rt.recorder.AddFinal(role, f.(frames.TextFrame).Text(), "transcriber")
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			switch cf.Code() {
			case frames.ControlMark:
				rt.bridge.HandleMark(cf.Meta()[frames.MetaMarkName])
			case frames.ControlDTMF:
				if digit := cf.Meta()[frames.MetaDTMFDigit]; digit != "" {
					rt.recorder.AddNote(transcript.RoleCaller, "keypad "+digit, "dtmf")
				}
			case frames.ControlFallback:
				if e.transport != nil {
					_ = e.transport.Send(f)
				}
				reason := cf.Meta()[frames.MetaReason]
				if reason == "" {
					reason = "fallback"
				}
				rt.bridge.Shutdown(reason)
			}
		case frames.KindSystem:
			sf := f.(frames.SystemFrame)
			if sf.Name() != "call_end" {
				return
			}
			// Commit the caller's last audio before teardown closes the
			// agent socket. Teardown moves off this goroutine; the
			// registry stops the pipeline that is delivering this frame.
			rt.bridge.FlushCallerTurn()
			meta := f.Meta()
			go e.endCall(meta[frames.MetaStreamID], meta[frames.MetaCallEndReason])
		}
	}
}

// routeTransport pulls frames off the transport until its channel
// closes or ctx ends, handing each one to routeFrame.
func (e *Engine) routeTransport(ctx context.Context) {
	recv := e.transport.Recv()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-recv:
			if !ok {
				return
			}
			e.routeFrame(f)
		}
	}
}

func (e *Engine) routeFrame(f frames.Frame) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		return
	}
	e.observeAudio("audio_in", f)
	if sf, ok := f.(frames.SystemFrame); ok && f.Kind() == frames.KindSystem {
		if e.handleLifecycle(sf, streamID, meta) {
			return
		}
	}
	sess, _, err := e.registry.GetOrCreate(streamID, meta[frames.MetaCallSID], meta[frames.MetaTraceID])
	if err != nil {
		return
	}
	nonBlockingSend(sess.Orch.In(), f)
}

// handleLifecycle consumes the transport's call lifecycle signals.
// Anything it does not recognize flows on to the session pipeline.
func (e *Engine) handleLifecycle(sf frames.SystemFrame, streamID string, meta map[string]string) bool {
	switch sf.Name() {
	case "stream_open":
		if _, _, err := e.registry.GetOrCreate(streamID, "", ""); err != nil {
			slog.Error("session_create_failed",
				"stream_id", streamID,
				"error", err.Error())
		}
	case "call_start":
		e.activateCall(sf)
	case "call_reconnect":
		slog.Info("call_reconnected",
			"stream_id", streamID,
			"call_sid", meta[frames.MetaCallSID])
	case "call_end":
		// The stop rides the session's media lane so caller frames
		// already queued are processed first; the sink finishes the
		// teardown. Direct teardown covers a missing or full session.
		if sess, ok := e.registry.Get(streamID); ok && nonBlockingSend(sess.Orch.In(), sf) {
			return true
		}
		e.endCall(streamID, meta[frames.MetaCallEndReason])
	default:
		return false
	}
	return true
}

// activateCall moves the session from its provisional id to the live
// stream id, attaches the stream to the bridge and starts the optional
// transcription tap.
func (e *Engine) activateCall(sf frames.SystemFrame) {
	meta := sf.Meta()
	newID := meta[frames.MetaStreamID]
	oldID := meta[frames.MetaOldStreamID]
	callSID := meta[frames.MetaCallSID]
	traceID := meta[frames.MetaTraceID]

	sess := e.registry.Rekey(oldID, newID, callSID, traceID)
	if sess == nil {
		var err error
		sess, _, err = e.registry.GetOrCreate(newID, callSID, traceID)
		if err != nil {
			slog.Error("session_create_failed",
				"stream_id", newID,
				"error", err.Error())
			return
		}
	}

	e.mu.Lock()
	rt := e.calls[oldID]
	if rt != nil {
		delete(e.calls, oldID)
		e.calls[newID] = rt
	} else {
		rt = e.calls[newID]
	}
	e.mu.Unlock()
	if rt == nil {
		slog.Warn("call_runtime_missing", "stream_id", newID)
		return
	}

	rt.mu.Lock()
	rt.streamID = newID
	if callSID != "" {
		rt.callSID = callSID
	}
	if traceID != "" {
		rt.traceID = traceID
	}
	rt.from = meta[frames.MetaFromNumber]
	rt.to = meta[frames.MetaToNumber]
	rt.mu.Unlock()

	rt.bridge.Activate(newID, callSID, traceID)
	if e.cfg.Transcriber.Provider != "" {
		e.startTranscriber(sess.Ctx, rt)
	}
	// The start event flows into the chain so per-stream state, like
	// the dead-air clock, arms under the live id.
	nonBlockingSend(sess.Orch.In(), sf)
	slog.Info("call_active",
		"stream_id", newID,
		"call_sid", callSID,
		"from", redact.Number(meta[frames.MetaFromNumber]),
		"to", redact.Number(meta[frames.MetaToNumber]))
}

// startTranscriber wires the live transcription tap. Failures are
// logged and skipped; transcription never blocks the call.
func (e *Engine) startTranscriber(ctx context.Context, rt *callRuntime) {
	rt.mu.Lock()
	already := rt.transcriber != nil
	streamID, callSID, traceID := rt.streamID, rt.callSID, rt.traceID
	rt.mu.Unlock()
	if already {
		return
	}
	tr, err := e.providers.BuildTranscriber(e.cfg.Transcriber.Provider, e.cfg, SessionInfo{
		StreamID: streamID,
		CallSID:  callSID,
		TraceID:  traceID,
		Observer: e.asyncObs,
		Logger:   logging.NewComponentLogger(slog.Default(), "transcriber"),
	})
	if err != nil {
		slog.Warn("transcriber_build_failed",
			"stream_id", streamID,
			"error", err.Error())
		return
	}
	if err := tr.Start(ctx); err != nil {
		slog.Warn("transcriber_start_failed",
			"stream_id", streamID,
			"error", err.Error())
		return
	}
	rt.mu.Lock()
	rt.transcriber = tr
	rt.mu.Unlock()
	go e.pumpTranscriber(ctx, rt, tr)
}

// pumpTranscriber forwards transcription results into the session's
// inbound chain. The provider does not close its result channel, so the
// pump exits on session cancel.
func (e *Engine) pumpTranscriber(ctx context.Context, rt *callRuntime, tr transcribe.StreamingTranscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-tr.Results():
			if !ok {
				return
			}
			nonBlockingSend(rt.orchIn, f)
		}
	}
}

// endCall tears down one call. The bridge shutdown fires the close hook
// which handles the post-call work.
func (e *Engine) endCall(streamID, reason string) {
	if reason == "" {
		reason = "completed"
	}
	e.mu.Lock()
	rt := e.calls[streamID]
	e.mu.Unlock()
	if rt != nil {
		rt.bridge.Shutdown(reason)
	}
	e.registry.Remove(streamID)
}

// finishCall runs once per call from the bridge close hook: release the
// transcriber, drop the runtime and hand the transcript to the
// post-call work.
func (e *Engine) finishCall(rt *callRuntime, reason string) {
	rt.mu.Lock()
	streamID := rt.streamID
	callSID := rt.callSID
	from := rt.from
	to := rt.to
	tr := rt.transcriber
	rt.transcriber = nil
	started := rt.startedAt
	rt.mu.Unlock()

	e.mu.Lock()
	if e.calls[streamID] == rt {
		delete(e.calls, streamID)
	}
	e.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	slog.Info("call_finished",
		"stream_id", streamID,
		"call_sid", callSID,
		"reason", reason,
		"from", redact.Number(from),
		"to", redact.Number(to),
		"entries", rt.recorder.Len(),
		"duration_ms", time.Since(started).Milliseconds())
	if e.summarizer != nil || e.notifier != nil {
		go e.dispatchSummary(rt, callSID, from, reason)
	}
}

// dispatchSummary renders the transcript, condenses it when a
// summarizer is configured and hands the result to the notifier. A
// failed summary falls back to the raw transcript.
func (e *Engine) dispatchSummary(rt *callRuntime, callSID, from, reason string) {
	text := rt.recorder.Render()
	if strings.TrimSpace(text) == "" {
		return
	}
	summary := text
	if e.summarizer != nil {
		s, err := e.runSummarizer(text)
		if err != nil {
			slog.Warn("summary_failed",
				"call_sid", callSID,
				"reason_code", string(errorsx.Reason(err)),
				"error", err.Error())
		} else if strings.TrimSpace(s) != "" {
			summary = s
		}
	}
	if max := e.cfg.Summary.MaxChars; max > 0 && len(summary) > max {
		summary = summary[:max]
	}
	if e.notifier == nil {
		return
	}
	label := from
	if label == "" {
		label = callSID
	}
	e.notifier.Notify(Notification{
		CallSID: callSID,
		Body:    fmt.Sprintf("Call %s ended (%s). %s", label, reason, summary),
	})
}

// runSummarizer condenses the transcript, retrying once when the
// vendor asked us to back off.
func (e *Engine) runSummarizer(text string) (string, error) {
	s, err := e.summarizeOnce(text)
	if err != nil && resilience.IsRateLimit(err) {
		time.Sleep(2 * time.Second)
		s, err = e.summarizeOnce(text)
	}
	return s, err
}

func (e *Engine) summarizeOnce(text string) (string, error) {
	timeout := msDur(e.cfg.Summary.TimeoutMS)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.summarizer.Summarize(ctx, text)
}

// transportSend is the bridge's outbound sink. Outbound audio is
// recorded as a metrics event on the way out, matching the inbound leg.
func (e *Engine) transportSend(f frames.Frame) error {
	e.observeAudio("audio_out", f)
	if e.transport == nil {
		return nil
	}
	return e.transport.Send(f)
}

// observeAudio emits a metrics event for an audio frame crossing the
// transport boundary. With record_audio on, the payload rides along
// base64-encoded so the timeline can be replayed later.
func (e *Engine) observeAudio(name string, f frames.Frame) {
	if e.asyncObs == nil || f.Kind() != frames.KindAudio {
		return
	}
	af := f.(frames.AudioFrame)
	meta := f.Meta()
	width := 1
	if meta[frames.MetaEncoding] == string(audio.EncodingPCM16) {
		width = 2
	}
	fields := map[string]any{
		"sample_rate":      af.Rate(),
		"channels":         af.Channels(),
		"bytes_per_sample": width,
	}
	if e.cfg.Observability.RecordAudio {
		fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
	}
	e.asyncObs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(len(af.RawPayload())),
		Tags: map[string]string{
			frames.MetaStreamID: meta[frames.MetaStreamID],
			frames.MetaTraceID:  meta[frames.MetaTraceID],
			frames.MetaCallSID:  meta[frames.MetaCallSID],
			"component":         "transport",
		},
		Fields: fields,
	})
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			slog.Warn("engine_shutdown_error", "error", err)
		}
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) bool {
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

func setupLogger(cfg Config) {
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "json") {
		slog.SetDefault(logging.InitLogger(logging.ParseLevel(cfg.LogLevel)))
		return
	}
	logging.SetDefault(cfg.LogLevel)
}

func msDur(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Registry exposes the session registry, mainly for tests and
// diagnostics.
func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

// ActiveCalls reports the number of calls with live runtime state.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}
