// Package speech implements the batched polling strategy of the
// [transcribe.Provider] contract against the Google Cloud Speech-to-Text
// REST API.
//
// Instead of holding a persistent connection, the session accumulates
// audio between ticks of a polling interval and submits each batch as one
// synchronous recognize request carrying the full recognition config.
// Batches below a minimum duration or size are treated as silence and
// skipped. At most one request is in flight at a time; a tick that fires
// while a request is pending is skipped and the batch keeps growing.
// Polling produces only final results, never partials.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/doramirdor/friday-stream/pkg/audio"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

var (
	_ transcribe.Provider      = (*Provider)(nil)
	_ transcribe.SessionHandle = (*Session)(nil)
	_ transcribe.ErrorNotifier = (*Session)(nil)
)

const (
	defaultBaseURL  = "https://speech.googleapis.com/v1"
	defaultModel    = "default"
	defaultInterval = 3 * time.Second

	minInterval = 1 * time.Second
	maxInterval = 5 * time.Second

	// Batches shorter or smaller than this carry no usable speech and are
	// dropped without a request.
	minBatchDuration = 500 * time.Millisecond
	minBatchBytes    = 5 * 1024

	resultChannelBuffer = 64
	noticeChannelBuffer = 16

	tracerName = "github.com/doramirdor/friday-stream/pkg/transcribe/speech"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel sets the recognition model (e.g. "default", "latest_long").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithInterval sets the polling interval. Values are clamped to the
// supported 1 s to 5 s range.
func WithInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d < minInterval {
			d = minInterval
		}
		if d > maxInterval {
			d = maxInterval
		}
		p.interval = d
	}
}

// WithHTTPClient overrides the HTTP client used for recognize requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithRequestObserver registers a callback invoked once per recognize
// request with its wall-clock duration and outcome. err is nil on a 200
// response and carries the classified failure otherwise. Used to feed
// request metrics without coupling the session to a metrics backend.
func WithRequestObserver(fn func(d time.Duration, err error)) Option {
	return func(p *Provider) { p.onRequest = fn }
}

// Provider implements [transcribe.Provider] using batched REST polling.
type Provider struct {
	apiKey    string
	baseURL   string
	model     string
	interval  time.Duration
	client    *http.Client
	onRequest func(d time.Duration, err error)
}

// New creates a polling Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		model:    defaultModel,
		interval: defaultInterval,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open starts a polling session. No network traffic occurs until the
// first interval elapses with enough buffered audio.
func (p *Provider) Open(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.SessionHandle, error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:    p.client,
		url:       fmt.Sprintf("%s/speech:recognize?key=%s", p.baseURL, p.apiKey),
		model:     p.model,
		cfg:       cfg,
		interval:  p.interval,
		onRequest: p.onRequest,
		results:   make(chan transcribe.Result, resultChannelBuffer),
		notices:   make(chan error, noticeChannelBuffer),
		ctx:       sessCtx,
		cancel:    cancel,
	}

	go s.pollLoop()

	return s, nil
}

// ── Request and response wire types ───────────────────────────────────────

type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  recognitionAudio  `json:"audio"`
}

type recognitionConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	Model                      string `json:"model"`
	EnableSpeakerDiarization   bool   `json:"enableSpeakerDiarization,omitempty"`
	DiarizationSpeakerCount    int    `json:"diarizationSpeakerCount,omitempty"`
}

type recognitionAudio struct {
	Content string `json:"content"` // base64-encoded PCM
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string `json:"word"`
				SpeakerTag int    `json:"speakerTag"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"results"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ── Session ───────────────────────────────────────────────────────────────

// Session is one polling transcription session.
type Session struct {
	client    *http.Client
	url       string
	model     string
	cfg       transcribe.StreamConfig
	interval  time.Duration
	onRequest func(d time.Duration, err error)

	results chan transcribe.Result
	notices chan error

	mu       sync.Mutex
	batch    []byte
	batchDur time.Duration
	inFlight bool
	closed   bool
	errVal   error
	reason   transcribe.CloseReason

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SendChunk appends chunk to the current batch. The audio is held until
// the next poll tick; nothing is sent immediately.
func (s *Session) SendChunk(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transcribe.ErrSessionClosed
	}
	s.batch = append(s.batch, chunk.Data...)
	s.batchDur += chunk.Duration()
	return nil
}

// Results returns the channel of final transcription results.
func (s *Session) Results() <-chan transcribe.Result { return s.results }

// Notices returns the channel of non-fatal polling errors. A failed
// recognize request surfaces here; the next tick proceeds normally.
func (s *Session) Notices() <-chan error { return s.notices }

// Err returns the terminal session error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// CloseReason reports why the session ended.
func (s *Session) CloseReason() transcribe.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close flushes the pending batch with one final request, then ends the
// session. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.reason == transcribe.ReasonUnknown {
			s.reason = transcribe.ReasonNormal
		}
		pending, dur := s.takeBatchLocked()
		s.mu.Unlock()

		// Final flush ignores the silence thresholds: whatever remains is
		// the tail of real speech.
		if len(pending) > 0 {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.recognize(flushCtx, pending, dur); err != nil {
				slog.Warn("speech: final batch flush failed", "err", err)
			}
			cancel()
		}

		s.cancel()
	})
	return nil
}

// takeBatchLocked removes and returns the pending batch. Caller holds mu.
func (s *Session) takeBatchLocked() ([]byte, time.Duration) {
	b, d := s.batch, s.batchDur
	s.batch, s.batchDur = nil, 0
	return b, d
}

// pollLoop fires the recognize cycle on each interval tick until the
// session closes. It owns the results channel.
func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.results)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one poll cycle: skip if a request is already in flight, drop
// sub-threshold batches as silence, otherwise submit the batch.
func (s *Session) tick() {
	s.mu.Lock()
	if s.closed || s.inFlight {
		s.mu.Unlock()
		return
	}
	if s.batchDur < minBatchDuration || len(s.batch) < minBatchBytes {
		// Silence. Dropped, not carried forward.
		if len(s.batch) > 0 {
			slog.Debug("speech: skipping silent batch",
				"bytes", len(s.batch),
				"duration", s.batchDur,
			)
		}
		s.batch, s.batchDur = nil, 0
		s.mu.Unlock()
		return
	}
	batch, dur := s.takeBatchLocked()
	s.inFlight = true
	s.mu.Unlock()

	go func() {
		err := s.recognize(s.ctx, batch, dur)
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		if err != nil {
			s.report(err)
		}
	}()
}

// report routes a recognize failure: credential and quota errors are
// terminal; everything else is surfaced as a notice and polling resumes
// at the next tick.
func (s *Session) report(err error) {
	var svcErr *transcribe.ServiceError
	if errors.As(err, &svcErr) && !svcErr.Reason.Retryable() {
		reason := svcErr.Reason
		s.mu.Lock()
		alreadyDone := s.closed || s.errVal != nil
		if !alreadyDone {
			s.errVal = err
			s.reason = reason
			s.closed = true
		}
		s.mu.Unlock()
		if !alreadyDone {
			s.cancel()
		}
		return
	}

	slog.Warn("speech: recognize failed", "err", err)
	select {
	case s.notices <- err:
	default:
		// Notice channel full; the log line above is the record.
	}
}

// recognize submits one batch and emits the resulting transcript.
func (s *Session) recognize(ctx context.Context, pcm []byte, dur time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "speech.recognize")
	defer span.End()

	req := recognizeRequest{
		Config: recognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            s.cfg.SampleRate,
			LanguageCode:               s.cfg.Language,
			EnableAutomaticPunctuation: true,
			Model:                      s.model,
		},
		Audio: recognitionAudio{
			Content: base64.StdEncoding.EncodeToString(pcm),
		},
	}
	if s.cfg.Diarize {
		req.Config.EnableSpeakerDiarization = true
		req.Config.DiarizationSpeakerCount = s.cfg.MaxSpeakers
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("speech: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("speech: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		reqErr := &transcribe.TransientNetworkError{Err: err}
		s.observeRequest(time.Since(start), reqErr)
		return reqErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reqErr := classifyHTTPError(resp)
		s.observeRequest(time.Since(start), reqErr)
		return reqErr
	}
	s.observeRequest(time.Since(start), nil)

	var rr recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return &transcribe.ProtocolError{Detail: "recognize response", Err: err}
	}

	slog.Debug("speech: batch recognized",
		"bytes", len(pcm),
		"audio_duration", dur,
		"latency", time.Since(start),
	)

	result, ok := buildResult(&rr)
	if !ok {
		return nil // no speech detected; not an error
	}

	select {
	case s.results <- result:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return nil
}

func (s *Session) observeRequest(d time.Duration, err error) {
	if s.onRequest != nil {
		s.onRequest(d, err)
	}
}

// classifyHTTPError maps a non-200 recognize response onto the error
// taxonomy.
func classifyHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ae apiError
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		detail = ae.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &transcribe.ServiceError{
			Reason: transcribe.ReasonInvalidCredential,
			Code:   resp.StatusCode,
		}
	case http.StatusTooManyRequests:
		return &transcribe.ServiceError{
			Reason: transcribe.ReasonQuotaExceeded,
			Code:   resp.StatusCode,
		}
	default:
		return &transcribe.ConnectionError{
			Op:  "recognize",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, detail),
		}
	}
}

// buildResult folds a recognize response into a single final result. When
// diarization is on, the word-level speaker tags of the last result are
// regrouped into "Speaker N:" lines so both strategies produce the same
// transcript shape.
func buildResult(rr *recognizeResponse) (transcribe.Result, bool) {
	if len(rr.Results) == 0 {
		return transcribe.Result{}, false
	}

	var (
		parts      []string
		confidence float64
		words      []transcribe.Word
	)
	for _, res := range rr.Results {
		if len(res.Alternatives) == 0 {
			continue
		}
		alt := res.Alternatives[0]
		if t := strings.TrimSpace(alt.Transcript); t != "" {
			parts = append(parts, t)
		}
		if alt.Confidence > confidence {
			confidence = alt.Confidence
		}
		for _, w := range alt.Words {
			words = append(words, transcribe.Word{Word: w.Word, SpeakerTag: w.SpeakerTag})
		}
	}
	if len(parts) == 0 {
		return transcribe.Result{}, false
	}

	text := strings.Join(parts, " ")
	if diarized := formatDiarized(words); diarized != "" {
		text = diarized
	}

	return transcribe.Result{
		Text:       text,
		Final:      true,
		Confidence: confidence,
		Words:      words,
		Time:       time.Now(),
	}, true
}

// formatDiarized groups consecutive same-speaker words into "Speaker N:"
// lines. Returns "" when no word carries a speaker tag. Untagged words
// inherit the surrounding speaker: the current one once a line is open,
// otherwise the first tagged speaker, so no word lands outside a line.
func formatDiarized(words []transcribe.Word) string {
	first := 0
	for _, w := range words {
		if w.SpeakerTag > 0 {
			first = w.SpeakerTag
			break
		}
	}
	if first == 0 {
		return ""
	}

	var b strings.Builder
	current := 0
	for _, w := range words {
		tag := w.SpeakerTag
		if tag == 0 {
			tag = current
			if tag == 0 {
				tag = first
			}
		}
		if tag != current {
			if current != 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "Speaker %d:", tag)
			current = tag
		}
		b.WriteString(" ")
		b.WriteString(w.Word)
	}
	return b.String()
}
