// Package gemini implements the persistent streaming strategy of the
// [transcribe.Provider] contract against the Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM chunks; the server
// concurrently delivers transcription content, errors, and session-expiry
// notices, which are surfaced as [transcribe.Result] values.
//
// The session is an explicit state machine:
//
//	Idle → Connecting → AwaitingSetupAck → Streaming → Closing → {Closed | Errored}
//
// Chunks sent before the setup acknowledgment arrives are queued, not
// dropped. An unexpected close while streaming is classified into the
// close-reason taxonomy and reported exactly once via Err; the session
// never reconnects on its own.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/doramirdor/friday-stream/pkg/audio"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

// Compile-time assertions that Provider and Session satisfy the
// transcribe interfaces.
var (
	_ transcribe.Provider      = (*Provider)(nil)
	_ transcribe.SessionHandle = (*Session)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultConnectTimeout = 10 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	resultChannelBuffer = 64

	// pendingQueueCap bounds the pre-handshake chunk queue. It matches the
	// accumulator's overflow cap so a slow handshake cannot grow the queue
	// beyond one accumulator's worth of audio.
	pendingQueueCap = 200
)

// State identifies the protocol state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingSetupAck
	StateStreaming
	StateClosing
	StateClosed
	StateErrored
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSetupAck:
		return "awaiting_setup_ack"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithConnectTimeout overrides the default 10 s connection timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// WithProtocolErrorHandler registers fn to be called for every malformed
// server message the session skips. The session itself only logs and
// keeps reading; the handler lets callers count protocol violations.
func WithProtocolErrorHandler(fn func(err error)) Option {
	return func(p *Provider) { p.onProtocolError = fn }
}

// WithAudioMessageShape pins the wire shape for audio messages. The
// default is [transcribe.ShapeMediaChunks]; which shape is correct depends
// on the remote contract version and must not be guessed mid-session.
func WithAudioMessageShape(shape transcribe.AudioMessageShape) Option {
	return func(p *Provider) { p.shape = shape }
}

// Provider implements [transcribe.Provider] for the Gemini Live API.
type Provider struct {
	apiKey          string
	model           string
	baseURL         string
	shape           transcribe.AudioMessageShape
	connectTimeout  time.Duration
	onProtocolError func(err error)
}

// New creates a Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		baseURL:        defaultBaseURL,
		shape:          transcribe.ShapeMediaChunks,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open dials the Live endpoint and performs the setup handshake. The
// returned session accepts chunks immediately; chunks arriving before the
// setup acknowledgment are queued in order.
func (p *Provider) Open(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &transcribe.ConnectionError{Op: "dial", Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:            conn,
		shape:           p.shape,
		mimeType:        fmt.Sprintf("audio/pcm;rate=%d", cfg.SampleRate),
		results:         make(chan transcribe.Result, resultChannelBuffer),
		state:           StateConnecting,
		onProtocolError: p.onProtocolError,
		ctx:             sessCtx,
		cancel:          sessCancel,
	}

	if err := s.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &transcribe.ConnectionError{Op: "handshake", Err: err}
	}
	s.setState(StateAwaitingSetupAck)

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                   string               `json:"model"`
	GenerationConfig        generationConfig     `json:"generationConfig"`
	RealtimeInputConfig     *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription *struct{}            `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection *activityDetection `json:"automaticActivityDetection,omitempty"`
}

type activityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

// realtimeInput carries exactly one of MediaChunks or Audio, depending on
// the pinned wire shape.
type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks,omitempty"`
	Audio       *mediaChunk  `json:"audio,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded PCM
}

// ── Protocol message types (incoming) ─────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type serverContent struct {
	ModelTurn           *modelTurn           `json:"modelTurn,omitempty"`
	TurnComplete        bool                 `json:"turnComplete,omitempty"`
	InputTranscription  *inputTranscription  `json:"inputTranscription,omitempty"`
	OutputTranscription *inputTranscription  `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type inputTranscription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

// ── Session ───────────────────────────────────────────────────────────────

// Session is one open Live connection. It owns the WebSocket handle
// exclusively; only its connect/send/close paths mutate it.
type Session struct {
	conn            *websocket.Conn
	shape           transcribe.AudioMessageShape
	mimeType        string
	onProtocolError func(err error)

	results chan transcribe.Result

	// sendMu serializes chunk transmits. The handshake flush holds it for
	// the whole queued run, so a chunk accepted the instant the state
	// flips to streaming cannot overtake still-queued audio on the wire.
	sendMu sync.Mutex

	mu          sync.Mutex
	state       State
	pending     []audio.Chunk // chunks queued before setupComplete
	errVal      error
	closeReason transcribe.CloseReason
	turnText    string // accumulated modelTurn text for the current turn
	closed      bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial setup message describing the session
// configuration.
func (s *Session) sendSetup(model string, cfg transcribe.StreamConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"text"},
			},
			InputAudioTranscription: &struct{}{},
		},
	}

	ad := cfg.Activity
	if ad != (transcribe.ActivityDetection{}) {
		msg.Setup.RealtimeInputConfig = &realtimeInputConfig{
			AutomaticActivityDetection: &activityDetection{
				StartOfSpeechSensitivity: ad.StartSensitivity,
				EndOfSpeechSensitivity:   ad.EndSensitivity,
				PrefixPaddingMs:          ad.PrefixPaddingMs,
				SilenceDurationMs:        ad.SilenceDurationMs,
			},
		}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SendChunk encodes chunk as base64 PCM and sends it as one independent
// message. Before the setup acknowledgment arrives the chunk is queued.
// An empty chunk is dropped with an [transcribe.EncodingError]; streaming
// continues.
func (s *Session) SendChunk(chunk audio.Chunk) error {
	s.mu.Lock()
	switch {
	case s.closed || s.state == StateClosing || s.state == StateClosed || s.state == StateErrored:
		s.mu.Unlock()
		return transcribe.ErrSessionClosed
	case s.state == StateAwaitingSetupAck, s.state == StateConnecting:
		if len(s.pending) >= pendingQueueCap {
			s.mu.Unlock()
			return &transcribe.ConnectionError{
				Op:  "send",
				Err: fmt.Errorf("handshake queue full (%d chunks)", pendingQueueCap),
			}
		}
		s.pending = append(s.pending, chunk)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.transmit(chunk)
}

// transmit performs the actual encode-and-send for one chunk.
func (s *Session) transmit(chunk audio.Chunk) error {
	if len(chunk.Data) == 0 {
		return &transcribe.EncodingError{Seq: chunk.Seq, Err: fmt.Errorf("empty chunk payload")}
	}

	encoded := base64.StdEncoding.EncodeToString(chunk.Data)
	mc := mediaChunk{MIMEType: s.mimeType, Data: encoded}

	var input realtimeInput
	if s.shape == transcribe.ShapeInlineAudio {
		input.Audio = &mc
	} else {
		input.MediaChunks = []mediaChunk{mc}
	}

	if err := s.writeJSON(realtimeInputMessage{RealtimeInput: input}); err != nil {
		return &transcribe.ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Results returns the channel on which transcription results arrive.
func (s *Session) Results() <-chan transcribe.Result { return s.results }

// Err returns the terminal session error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// CloseReason reports the classified reason the session ended.
func (s *Session) CloseReason() transcribe.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// receiveLoop reads server messages and dispatches them until the
// connection ends. It owns the results channel and closes it on exit.
func (s *Session) receiveLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed message: log, skip, keep the session alive.
			slog.Warn("gemini: skipping malformed server message", "err", err, "bytes", len(data))
			if s.onProtocolError != nil {
				s.onProtocolError(&transcribe.ProtocolError{Detail: "server message", Err: err})
			}
			continue
		}
		s.dispatch(&msg)
	}
}

// dispatch handles one decoded server message.
func (s *Session) dispatch(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.onSetupComplete()
	}
	if msg.Error != nil {
		slog.Error("gemini: server error", "code", msg.Error.Code, "message", msg.Error.Message)
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: session expiry notice", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		s.onServerContent(msg.ServerContent)
	}
}

// onSetupComplete transitions to Streaming and flushes the queued chunks
// in order. sendMu is held across the whole flush: senders that see the
// streaming state block until the last queued chunk is on the wire.
func (s *Session) onSetupComplete() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.state != StateAwaitingSetupAck {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	slog.Debug("gemini: setup acknowledged", "queued_chunks", len(queued))
	for _, chunk := range queued {
		if err := s.transmit(chunk); err != nil {
			slog.Warn("gemini: flushing queued chunk failed", "seq", chunk.Seq, "err", err)
			return
		}
	}
}

// onServerContent turns transcription content into results, preserving
// service order.
func (s *Session) onServerContent(sc *serverContent) {
	now := time.Now()

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(transcribe.Result{
			Text:  sc.InputTranscription.Text,
			Final: sc.InputTranscription.Finished,
			Time:  now,
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(transcribe.Result{
			Text:  sc.OutputTranscription.Text,
			Final: sc.OutputTranscription.Finished,
			Time:  now,
		})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text == "" {
				continue
			}
			s.mu.Lock()
			s.turnText += p.Text
			s.mu.Unlock()
			s.emit(transcribe.Result{Text: p.Text, Final: false, Time: now})
		}
	}

	if sc.TurnComplete {
		s.mu.Lock()
		text := s.turnText
		s.turnText = ""
		s.mu.Unlock()
		if text != "" {
			s.emit(transcribe.Result{Text: text, Final: true, Time: now})
		}
	}
}

// emit delivers one result unless the session is shutting down.
func (s *Session) emit(r transcribe.Result) {
	select {
	case s.results <- r:
	case <-s.ctx.Done():
	}
}

// finish classifies the read error that ended the connection and records
// the terminal state. A close initiated by Close is a normal closure; an
// unexpected close while streaming records exactly one classified error.
func (s *Session) finish(readErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx.Err() != nil {
		s.state = StateClosed
		if s.closeReason == transcribe.ReasonUnknown {
			s.closeReason = transcribe.ReasonNormal
		}
		return
	}

	code := -1
	if status := websocket.CloseStatus(readErr); status != -1 {
		code = int(status)
	}
	reason := transcribe.ReasonTransientNetwork
	if code != -1 {
		reason = transcribe.ClassifyCloseCode(code)
	}
	s.closeReason = reason

	switch reason {
	case transcribe.ReasonNormal:
		s.state = StateClosed
	case transcribe.ReasonTransientNetwork:
		s.state = StateErrored
		s.errVal = &transcribe.TransientNetworkError{Err: readErr}
	default:
		s.state = StateErrored
		s.errVal = &transcribe.ServiceError{Reason: reason, Code: code}
	}

	slog.Info("gemini: session ended",
		"close_code", code,
		"reason", reason.String(),
		"retryable", reason.Retryable(),
	)
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// Close ends the session and releases the connection. Idempotent; never
// panics even when the underlying close fails.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = StateClosing
		s.mu.Unlock()

		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			slog.Debug("gemini: close", "err", err)
		}
		s.cancel()
	})
	return nil
}
