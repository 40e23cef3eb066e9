// Package twilio implements the transports.Transport interface on top
// of Twilio Programmable Voice: an HTTP server answers the voice
// webhook with TwiML that connects a bidirectional media stream
// websocket, and the stream's events are translated into frames.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tielinehq/tieline/pkg/configutil"
	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/frames"
	"github.com/tielinehq/tieline/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	// PublicURL is the externally reachable base URL (the tunnel or
	// load balancer). Webhook and stream URLs are derived from it.
	PublicURL          string `mapstructure:"public_url"`
	AuthToken          string `mapstructure:"auth_token"`
	AccountSID         string `mapstructure:"account_sid"`
	VoicePath          string `mapstructure:"voice_path"`
	WebsocketPath      string `mapstructure:"ws_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
	// VoiceGreeting, when set, is spoken by Twilio's TTS before the
	// media stream connects.
	VoiceGreeting   string   `mapstructure:"voice_greeting"`
	FallbackMessage string   `mapstructure:"fallback_message"`
	AllowAnyOrigin  bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	c.ServerAddr = configutil.StringValue(c.ServerAddr, ":8080")
	c.VoicePath = configutil.StringValue(c.VoicePath, "/voice")
	c.WebsocketPath = configutil.StringValue(c.WebsocketPath, "/ws")
	c.StatusCallbackPath = configutil.StringValue(c.StatusCallbackPath, "/status")
	c.FallbackMessage = configutil.StringValue(c.FallbackMessage, "I'm sorry, we're experiencing technical difficulties. Please call back later. Goodbye.")
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// webhookURL builds the externally reachable URL for path. Without a
// public URL it falls back to the local listener, which only works for
// tools running next to the engine.
func (c Config) webhookURL(path string) string {
	if c.PublicURL != "" {
		return "https://" + normalizePublicURL(c.PublicURL) + path
	}
	addr := c.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

type Transport struct {
	cfg    Config
	server *http.Server

	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	// updateClient overrides the REST client used for in-call updates,
	// mainly so tests can intercept them.
	updateClient callUpdater

	mu          sync.Mutex
	closed      bool
	sessions    map[string]*session
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	fromNumbers map[string]string
	toNumbers   map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	t := &Transport{
		cfg:         cfg.withDefaults(),
		recvCh:      make(chan frames.Frame, 512),
		sessions:    make(map[string]*session),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		traceIDs:    make(map[string]string),
		fromNumbers: make(map[string]string),
		toNumbers:   make(map[string]string),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// ReadyFields reports the URLs to register in the Twilio console.
func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.cfg.webhookURL(t.cfg.VoicePath),
		"status_callback_url": t.cfg.webhookURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.routes(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go t.serve()
	return nil
}

func (t *Transport) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) serve() {
	if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("twilio_transport_server_error", "error", err.Error())
	}
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	t.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.close()
	}
	return nil
}

// emit hands a frame to the engine, dropping when the engine is slow
// or the transport already closed.
func (t *Transport) emit(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// ServeHTTP accepts one media stream websocket and pumps its events
// into frames until the stream stops or the socket dies.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// callSid and streamSid only arrive inside the start message, so
	// every socket gets a provisional stream id at accept. Work that
	// wants to begin before start (agent warm-up) keys off this id
	// until the rekey.
	streamID := "pending-" + uuid.NewString()
	t.attach(streamID, conn)
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "stream_open", map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "transport",
	}))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			slog.Debug("twilio_event_malformed", "stream_id", streamID)
			continue
		}
		next, open := t.dispatchEvent(streamID, evt)
		streamID = next
		if !open {
			return
		}
	}
	if streamID != "" {
		t.endStream(streamID, "transport_closed")
	}
}

func (t *Transport) dispatchEvent(streamID string, evt streamEvent) (string, bool) {
	switch evt.Event {
	case "connected":
		// Protocol preamble before start. Nothing to set up yet.
	case "start":
		if evt.Start != nil {
			streamID = t.onStart(streamID, evt.Start)
		}
	case "media":
		if evt.Media != nil {
			t.onMedia(streamID, evt.Media)
		}
	case "mark":
		if evt.Mark != nil {
			t.onMark(streamID, evt.Mark.Name)
		}
	case "dtmf":
		if evt.DTMF != nil {
			t.onDTMF(streamID, evt.DTMF.Digit)
		}
	case "stop":
		reason := ""
		if evt.Stop != nil {
			reason = evt.Stop.Reason
		}
		t.endStream(streamID, reason)
		return streamID, false
	default:
		// Unknown stream events are skipped for forward compatibility.
	}
	return streamID, true
}

// onStart adopts the real stream identity, evicting any stale session
// still registered for the same call (reconnect).
func (t *Transport) onStart(provisional string, start *startMsg) string {
	traceID := uuid.NewString()
	evicted, stale := t.rekey(provisional, start.StreamID, start.CallSID, traceID, start.From, start.To)
	if stale != nil {
		_ = stale.close()
	}

	meta := map[string]string{
		frames.MetaStreamID:    start.StreamID,
		frames.MetaCallSID:     start.CallSID,
		frames.MetaTraceID:     traceID,
		frames.MetaOldStreamID: provisional,
		frames.MetaSource:      "transport",
	}
	if start.From != "" {
		meta[frames.MetaFromNumber] = start.From
	}
	if start.To != "" {
		meta[frames.MetaToNumber] = start.To
	}
	for k, v := range start.CustomParameters {
		meta["param_"+k] = v
	}
	t.emit(frames.NewSystemFrame(start.StreamID, time.Now().UnixNano(), "call_start", meta))

	if evicted != "" {
		t.emit(frames.NewSystemFrame(start.StreamID, time.Now().UnixNano(), "call_reconnect", map[string]string{
			frames.MetaStreamID:    start.StreamID,
			frames.MetaCallSID:     start.CallSID,
			frames.MetaTraceID:     traceID,
			frames.MetaOldStreamID: evicted,
			frames.MetaSource:      "transport",
		}))
	}
	return start.StreamID
}

func (t *Transport) onMedia(streamID string, media *mediaMsg) {
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		slog.Debug("twilio_media_malformed", "stream_id", streamID)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaEncoding] = "mulaw"
	meta[frames.MetaCodec] = "ulaw"
	meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
	t.emit(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
}

func (t *Transport) onMark(streamID, name string) {
	meta := t.metaForStream(streamID)
	meta[frames.MetaMarkName] = name
	t.emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMark, meta))
}

func (t *Transport) onDTMF(streamID, digit string) {
	meta := t.metaForStream(streamID)
	meta[frames.MetaDTMFDigit] = digit
	t.emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlDTMF, meta))
}

func (t *Transport) endStream(streamID, rawReason string) {
	reason := normalizeCallEndReason(rawReason)
	if reason == "" {
		reason = "completed"
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		return t.sendControl(f.(frames.ControlFrame))
	case frames.KindAudio:
		return t.sendAudio(f.(frames.AudioFrame))
	}
	return nil
}

func (t *Transport) sendControl(cf frames.ControlFrame) error {
	streamID := cf.Meta()[frames.MetaStreamID]
	switch cf.Code() {
	case frames.ControlFallback:
		return t.redirectFallback(streamID)
	case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
		return t.clearBuffer(streamID)
	case frames.ControlMark:
		return t.sendMark(streamID, cf.Meta()[frames.MetaMarkName])
	}
	return nil
}

func (t *Transport) sendAudio(af frames.AudioFrame) error {
	streamID := af.Meta()[frames.MetaStreamID]
	return t.enqueueEvent(streamID, map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(af.RawPayload()),
		},
	})
}

// Dial places an outbound call using the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

// DialWithOptions places an outbound call with optional settings.
func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

// SendDTMF plays DTMF digits into an active call through the REST API.
// The twilio-go call update API carries no context, so ctx only bounds
// the caller's own bookkeeping.
func (t *Transport) SendDTMF(ctx context.Context, callSID, digits string) error {
	if err := ctx.Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	if strings.TrimSpace(callSID) == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonTransportSend)
	}
	if strings.TrimSpace(digits) == "" {
		return errorsx.Wrap(errors.New("digits required"), errorsx.ReasonTransportSend)
	}
	updater, err := t.callUpdaterClient()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(dtmfTwiml(digits))
	if _, err := updater.UpdateCall(callSID, params); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

// acceptTwilioPost applies the method and signature gate shared by
// both webhooks. When it returns false the response is already
// written.
func (t *Transport) acceptTwilioPost(w http.ResponseWriter, r *http.Request, logEvent string) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn(logEvent, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !t.acceptTwilioPost(w, r, "twilio_invalid_signature") {
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(t.voiceTwiml(t.websocketURL(r))))
}

func (t *Transport) voiceTwiml(wsURL string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if g := strings.TrimSpace(t.cfg.VoiceGreeting); g != "" {
		b.WriteString("<Say>")
		b.WriteString(xmlEscape(g))
		b.WriteString("</Say>")
	}
	b.WriteString(`<Connect><Stream url="` + wsURL + `"/></Connect></Response>`)
	return b.String()
}

// handleStatusCallback observes call end through Twilio's status
// webhook, which fires even when the media stream never started
// (busy, no answer).
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !t.acceptTwilioPost(w, r, "twilio_status_invalid_signature") {
		return
	}
	defer w.WriteHeader(http.StatusOK)
	if err := r.ParseForm(); err != nil {
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if callSID == "" || reason == "" {
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

// websocketURL prefers the configured public URL; when there is none
// the request's own Host header stands in, which covers local testing.
func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	return "wss://" + t.requestHost(r) + t.cfg.WebsocketPath
}

func (t *Transport) requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return strings.TrimPrefix(t.cfg.ServerAddr, ":")
}

func (t *Transport) attach(streamID string, conn *websocket.Conn) {
	sess := &session{conn: conn, sendCh: make(chan []byte, 256)}
	t.mu.Lock()
	t.sessions[streamID] = sess
	t.mu.Unlock()
	go sess.loop()
}

// dropStream removes every per-stream mapping, including the call's
// reverse mapping when it still points at this stream. Caller holds
// t.mu.
func (t *Transport) dropStream(streamID string) *session {
	sess := t.sessions[streamID]
	if callSID := t.callSIDs[streamID]; callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.fromNumbers, streamID)
	delete(t.toNumbers, streamID)
	return sess
}

// rekey moves the provisional session under the real stream id once
// start arrives. Returns the evicted stream id and session when the
// call already had a live stream (reconnect case).
func (t *Transport) rekey(oldID, newID, callSID, traceID, from, to string) (string, *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.dropStream(oldID)

	var staleStream string
	var staleSess *session
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != newID {
			staleStream = existing
			staleSess = t.dropStream(existing)
		}
		t.callStreams[callSID] = newID
	}

	if sess != nil {
		t.sessions[newID] = sess
	}
	t.callSIDs[newID] = callSID
	t.traceIDs[newID] = traceID
	if from != "" {
		t.fromNumbers[newID] = from
	}
	if to != "" {
		t.toNumbers[newID] = to
	}
	return staleStream, staleSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.dropStream(streamID)
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	for key, byStream := range map[string]map[string]string{
		frames.MetaCallSID:    t.callSIDs,
		frames.MetaTraceID:    t.traceIDs,
		frames.MetaFromNumber: t.fromNumbers,
		frames.MetaToNumber:   t.toNumbers,
	} {
		if v := byStream[streamID]; v != "" {
			meta[key] = v
		}
	}
	return meta
}

// enqueueEvent marshals one protocol event onto a stream's write
// queue. Unknown streams are a no-op since Twilio has already torn
// the socket down.
func (t *Transport) enqueueEvent(streamID string, msg map[string]any) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(msg)
}

func (t *Transport) clearBuffer(streamID string) error {
	return t.enqueueEvent(streamID, map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

func (t *Transport) sendMark(streamID, name string) error {
	if name == "" {
		name = uuid.NewString()
	}
	return t.enqueueEvent(streamID, map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark":      map[string]any{"name": name},
	})
}

// redirectFallback moves the live call off the media stream onto
// static TwiML that apologizes and hangs up. Used when the agent side
// has failed beyond recovery.
func (t *Transport) redirectFallback(streamID string) error {
	t.mu.Lock()
	callSID := t.callSIDs[streamID]
	t.mu.Unlock()
	if callSID == "" {
		return errorsx.Wrap(errors.New("no call for stream"), errorsx.ReasonTransportSend)
	}
	updater, err := t.callUpdaterClient()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(`<Response><Say>` + xmlEscape(t.cfg.FallbackMessage) + `</Say><Hangup/></Response>`)
	if _, err := updater.UpdateCall(callSID, params); err != nil {
		slog.Error("twilio_fallback_redirect_error",
			"stream_id", streamID,
			"call_sid", callSID,
			"error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	slog.Info("twilio_fallback_redirected",
		"stream_id", streamID,
		"call_sid", callSID)
	return nil
}

func (t *Transport) callUpdaterClient() (callUpdater, error) {
	if t.updateClient != nil {
		return t.updateClient, nil
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: t.cfg.AccountSID,
		Password: t.cfg.AuthToken,
	})
	return rest.Api, nil
}

// validateTwilioRequest checks X-Twilio-Signature. Form webhooks sign
// the URL plus sorted params; JSON webhooks sign the raw body via
// bodySHA256.
func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := readBody(r)
	if err != nil {
		return false
	}
	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	reqURL := t.requestURL(r)
	ct := r.Header.Get("Content-Type")
	if len(body) > 0 && !strings.Contains(ct, "application/x-www-form-urlencoded") {
		return validator.ValidateBody(reqURL, body, signature)
	}
	params, err := formParams(body)
	if err != nil {
		return false
	}
	return validator.Validate(reqURL, params, signature)
}

// readBody drains the request body and puts a replayable copy back so
// the form can still be parsed afterwards.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func formParams(body []byte) (map[string]string, error) {
	params := map[string]string{}
	if len(body) == 0 {
		return params, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range values {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

// requestURL reconstructs the URL Twilio signed. The webhook URLs we
// register are always https on the public URL, so signature checks
// rebuild the same base; otherwise trust forwarded headers.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + r.URL.RequestURI()
	}
	return forwardedScheme(r) + "://" + t.requestHost(r) + r.URL.RequestURI()
}

func forwardedScheme(r *http.Request) string {
	if r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "https"
}

// checkOrigin is permissive when no allowlist is configured; Twilio's
// media stream client does not send a browser Origin header.
func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

func dtmfTwiml(digits string) string {
	return `<Response><Play digits="` + xmlEscape(digits) + `"/></Response>`
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&apos;",
)

func xmlEscape(in string) string {
	return xmlEscaper.Replace(in)
}

// callEndReasons folds Twilio's stop reasons and call statuses into
// the engine's end-reason vocabulary. Pre-answer statuses map to empty
// so they are not mistaken for call end.
var callEndReasons = map[string]string{
	"queued":      "",
	"ringing":     "",
	"in-progress": "",
	"inprogress":  "",

	"completed":         "completed",
	"call_ended":        "completed",
	"call-ended":        "completed",
	"completed_by_user": "completed",
	"hangup":            "completed",

	"busy": "busy",

	"no_answer": "no_answer",
	"noanswer":  "no_answer",
	"no-answer": "no_answer",

	"failed":           "failed",
	"error":            "failed",
	"canceled":         "failed",
	"cancelled":        "failed",
	"transport_closed": "failed",
}

func normalizeCallEndReason(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return ""
	}
	mapped, ok := callEndReasons[key]
	if !ok {
		return "unknown"
	}
	return mapped
}

// session is one live media websocket. Writes are serialized through
// sendCh so concurrent Sends never interleave, and enqueue drops when
// the socket cannot drain fast enough.
type session struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

// loop writes queued messages until the channel closes or the socket
// errors; a failed websocket write never recovers, so the rest of the
// queue is not worth attempting.
func (s *session) loop() {
	for msg := range s.sendCh {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

type startMsg struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaMsg struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type markMsg struct {
	Name string `json:"name"`
}

type dtmfMsg struct {
	Digit string `json:"digit"`
}

type stopMsg struct {
	Reason string `json:"reason"`
}

type streamEvent struct {
	Event string    `json:"event"`
	Start *startMsg `json:"start,omitempty"`
	Media *mediaMsg `json:"media,omitempty"`
	Mark  *markMsg  `json:"mark,omitempty"`
	DTMF  *dtmfMsg  `json:"dtmf,omitempty"`
	Stop  *stopMsg  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(v, "https://"); ok {
		v = rest
	} else if rest, ok := strings.CutPrefix(v, "http://"); ok {
		v = rest
	}
	return strings.TrimRight(v, "/")
}

var (
	_ transports.Transport                 = (*Transport)(nil)
	_ transports.OutboundDialer            = (*Transport)(nil)
	_ transports.OutboundDialerWithOptions = (*Transport)(nil)
	_ transports.DTMFSender                = (*Transport)(nil)
	_ transports.ReadyReporter             = (*Transport)(nil)
)
