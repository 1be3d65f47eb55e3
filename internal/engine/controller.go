// Package engine wires the capture, accumulation, transport, and parsing
// stages into one transcription session owned by the caller.
//
// A [Controller] is constructed per recording; there is no process-wide
// instance. Start acquires the capture source, opens the transport
// session, and connects the pipeline:
//
//	capture → format conversion → accumulator → session → parser → sinks
//
// Stop is the single cancellation point: it drains the pending chunk
// through the active session, then tears resources down in reverse
// acquisition order. Exactly two sinks are exposed, OnResult and OnError;
// a panic in either callback is recovered and logged, never propagated
// into the engine.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration and is not intended to be imported by
// external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/doramirdor/friday-stream/internal/observe"
	"github.com/doramirdor/friday-stream/internal/transcript"
	"github.com/doramirdor/friday-stream/pkg/audio"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

// State identifies the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateConnecting
	StateStreaming
	StateDraining
	StateClosed
	StateErrored
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Config is the caller-facing session configuration.
type Config struct {
	// Language is the BCP-47 recognition language (e.g. "en-US").
	Language string

	// ChunkDuration is the accumulation window before a flush. Zero uses
	// the accumulator default.
	ChunkDuration time.Duration

	// Diarize enables speaker diarization.
	Diarize bool

	// MaxSpeakers hints the expected number of distinct speakers.
	MaxSpeakers int

	// Encoding is the pinned wire encoding.
	Encoding transcribe.Encoding

	// SampleRate and Channels describe the negotiated transmit format.
	// Zero values default to 16 kHz mono.
	SampleRate int
	Channels   int

	// Activity tunes the service-side voice activity detection for the
	// persistent strategy.
	Activity transcribe.ActivityDetection
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithMetrics attaches a metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithMerger overrides the speaker merger, primarily to tune dedup and
// eviction windows in tests.
func WithMerger(m *transcript.Merger) Option {
	return func(c *Controller) { c.merger = m }
}

// Controller owns one transcription session end to end.
type Controller struct {
	cfg        Config
	provider   transcribe.Provider
	candidates []audio.CaptureSource
	metrics    *observe.Metrics
	merger     *transcript.Merger

	mu       sync.Mutex
	state    State
	onResult func(transcript.Event)
	onError  func(error)
	errVal   error

	id      string
	source  audio.CaptureSource
	acc     *audio.Accumulator
	session transcribe.SessionHandle
	cancel  context.CancelFunc

	captureDone chan struct{}
	sendDone    chan struct{}
	wg          sync.WaitGroup

	stopOnce sync.Once
	errOnce  sync.Once
}

// New creates a Controller for one recording. candidates are capture
// backends in preference order; the first usable one is selected at Start.
func New(cfg Config, provider transcribe.Provider, candidates []audio.CaptureSource, opts ...Option) *Controller {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Encoding == "" {
		cfg.Encoding = transcribe.EncodingPCM16
	}
	c := &Controller{
		cfg:         cfg,
		provider:    provider,
		candidates:  candidates,
		state:       StateIdle,
		id:          uuid.NewString(),
		captureDone: make(chan struct{}),
		sendDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.merger == nil {
		c.merger = transcript.NewMerger()
	}
	return c
}

// OnResult registers the result sink. Must be called before Start.
func (c *Controller) OnResult(fn func(transcript.Event)) {
	c.mu.Lock()
	c.onResult = fn
	c.mu.Unlock()
}

// OnError registers the error sink. Must be called before Start.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Streaming reports whether the session is actively streaming audio.
func (c *Controller) Streaming() bool {
	return c.State() == StateStreaming
}

// Available reports whether at least one capture backend is currently
// usable.
func (c *Controller) Available(ctx context.Context) bool {
	_, err := audio.SelectSource(ctx, c.candidates...)
	return err == nil
}

// Start validates preconditions, acquires the capture source, opens the
// transport session, and wires the pipeline. A Controller can be started
// once; a failed Start cleans up everything it acquired before returning
// the error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("engine: session already active (state %s)", state)
	}
	c.state = StateCapturing
	c.mu.Unlock()

	log := observe.Logger(ctx).With("session_id", c.id)

	source, err := audio.SelectSource(ctx, c.candidates...)
	if err != nil {
		c.failStart(fmt.Errorf("engine: no capture source: %w", err))
		return c.Err()
	}
	frames, err := source.Start(ctx)
	if err != nil {
		c.failStart(err)
		return c.Err()
	}
	log.Info("capture started", "format", source.Format())

	target := audio.Format{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels}
	conv := &audio.FormatConverter{Target: target}
	acc := audio.NewAccumulator(audio.AccumulatorConfig{
		FlushInterval: c.cfg.ChunkDuration,
		OnOverflow: func(int) {
			c.metrics.OverflowFlushes.Add(context.Background(), 1)
		},
	})

	c.mu.Lock()
	c.source = source
	c.acc = acc
	c.state = StateConnecting
	c.mu.Unlock()

	openCtx, span := observe.StartSpan(ctx, "transcribe.open")
	session, err := c.provider.Open(openCtx, transcribe.StreamConfig{
		SampleRate:  target.SampleRate,
		Channels:    target.Channels,
		Language:    c.cfg.Language,
		Encoding:    c.cfg.Encoding,
		Diarize:     c.cfg.Diarize,
		MaxSpeakers: c.cfg.MaxSpeakers,
		Activity:    c.cfg.Activity,
	})
	span.End()
	if err != nil {
		source.Stop()
		acc.Close()
		c.failStart(err)
		return c.Err()
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session = session
	c.cancel = cancel
	c.state = StateStreaming
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(sessCtx, 1)
	log.Info("session streaming", "language", c.cfg.Language, "diarize", c.cfg.Diarize)

	c.wg.Add(3)
	go c.captureLoop(sessCtx, frames, conv)
	go c.sendLoop(sessCtx)
	go c.resultLoop(sessCtx)
	if notifier, ok := session.(transcribe.ErrorNotifier); ok {
		c.wg.Add(1)
		go c.noticeLoop(sessCtx, notifier)
	}

	return nil
}

// failStart records a start failure after cleanup has completed.
func (c *Controller) failStart(err error) {
	c.mu.Lock()
	c.state = StateErrored
	c.errVal = err
	c.mu.Unlock()
	slog.Error("session start failed", "session_id", c.id, "err", err)
}

// Err returns the terminal error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// captureLoop moves frames from the capture source into the accumulator,
// converting to the transmit format on the way.
func (c *Controller) captureLoop(ctx context.Context, frames <-chan audio.Frame, conv *audio.FormatConverter) {
	defer c.wg.Done()
	defer close(c.captureDone)

	backend := metric.WithAttributes(observe.Attr("backend", fmt.Sprintf("%T", c.source)))
	for frame := range frames {
		c.metrics.FramesCaptured.Add(ctx, 1, backend)
		c.acc.Push(conv.Convert(frame))
	}

	// Capture errors surface to the caller but do not stop the session;
	// the caller decides whether to call Stop.
	if err := c.source.Err(); err != nil {
		c.reportNonFatal(err)
	}
}

// sendLoop transmits flushed chunks in order. Chunk-scoped errors are
// reported and skipped; transport-fatal errors end the session. After a
// terminal error the loop keeps draining the channel so the accumulator's
// closing flush never blocks.
func (c *Controller) sendLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.sendDone)

	dead := false
	for chunk := range c.acc.Chunks() {
		if dead {
			continue
		}
		start := time.Now()
		err := c.session.SendChunk(chunk)
		c.metrics.ChunkSendDuration.Record(ctx, time.Since(start).Seconds())

		switch {
		case err == nil:
			c.metrics.RecordChunkSent(ctx, "session", len(chunk.Data))
		case errors.Is(err, transcribe.ErrSessionClosed):
			// Terminal; the result loop reports the classified reason.
			dead = true
		default:
			var encErr *transcribe.EncodingError
			if errors.As(err, &encErr) {
				c.reportNonFatal(err)
				continue
			}
			c.fatal(err)
			dead = true
		}
	}
}

// resultLoop parses incoming results into events and delivers them to the
// result sink until the session ends.
func (c *Controller) resultLoop(ctx context.Context) {
	defer c.wg.Done()

	for r := range c.session.Results() {
		c.metrics.RecordResult(ctx, r.Final)

		// A result that arrives after teardown no longer belongs to this
		// session instance and is discarded.
		if st := c.State(); st == StateClosed || st == StateErrored {
			continue
		}

		before := c.merger.SpeakerCount()
		for _, ev := range c.merger.Merge(r) {
			c.emitResult(ev)
		}
		if diff := c.merger.SpeakerCount() - before; diff != 0 {
			c.metrics.ActiveSpeakers.Add(ctx, int64(diff))
		}
	}

	if err := c.session.Err(); err != nil {
		c.fatal(err)
		return
	}

	// The transport ended without recording an error. If we were still
	// streaming, the server closed a session we did not ask to end; that
	// is a terminal condition like any other close: full teardown, then
	// exactly one error callback carrying the classified reason.
	if c.State() == StateStreaming {
		c.fatal(&transcribe.ServiceError{Reason: c.session.CloseReason()})
	}
}

// noticeLoop forwards non-fatal transport notices to the error sink.
func (c *Controller) noticeLoop(ctx context.Context, notifier transcribe.ErrorNotifier) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-notifier.Notices():
			if !ok {
				return
			}
			c.metrics.RecordTransportError(ctx, "session", "notice")
			c.reportNonFatal(err)
		}
	}
}

// fatal handles a terminal transport error: full cleanup runs first, then
// exactly one error callback fires with the classified error.
func (c *Controller) fatal(err error) {
	c.errOnce.Do(func() {
		go func() {
			c.teardown()

			c.mu.Lock()
			c.state = StateErrored
			c.errVal = err
			c.mu.Unlock()

			reason := c.session.CloseReason()
			c.metrics.RecordTransportError(context.Background(), "session", reason.String())
			slog.Error("session failed",
				"session_id", c.id,
				"reason", reason.String(),
				"err", err,
			)
			c.emitError(err)
		}()
	})
}

// Stop drains the pending chunk through the active session, then tears
// down resources in reverse acquisition order. Idempotent; calling it
// twice yields the same end state with no duplicate release side effects.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		switch c.state {
		case StateIdle:
			c.state = StateClosed
			c.mu.Unlock()
			return
		case StateClosed, StateErrored:
			c.mu.Unlock()
			return
		}
		c.state = StateDraining
		c.mu.Unlock()

		slog.Info("session stopping", "session_id", c.id)
		c.teardown()

		c.mu.Lock()
		if c.errVal == nil {
			c.state = StateClosed
		} else {
			c.state = StateErrored
		}
		c.mu.Unlock()
		slog.Info("session stopped", "session_id", c.id, "state", c.State().String())
	})
	return nil
}

// teardown releases the pipeline: capture first so no new frames arrive,
// then the accumulator's final flush drains through the session, then the
// transport closes. Safe to call from Stop and the fatal path
// concurrently; every step is idempotent.
func (c *Controller) teardown() {
	c.mu.Lock()
	source, acc, session, cancel := c.source, c.acc, c.session, c.cancel
	c.mu.Unlock()

	if source != nil {
		_ = source.Stop()
		<-c.captureDone
	}
	if acc != nil {
		_ = acc.Close()
		<-c.sendDone
	}
	if session != nil {
		_ = session.Close()
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// emitResult invokes the result sink, recovering callback panics.
func (c *Controller) emitResult(ev transcript.Event) {
	c.mu.Lock()
	cb := c.onResult
	c.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("result callback panicked", "session_id", c.id, "panic", r)
		}
	}()
	cb(ev)
}

// emitError invokes the error sink, recovering callback panics.
func (c *Controller) emitError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb == nil {
		slog.Warn("unhandled session error", "session_id", c.id, "err", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("error callback panicked", "session_id", c.id, "panic", r)
		}
	}()
	cb(err)
}

// reportNonFatal delivers a non-fatal error to the sink without changing
// session state.
func (c *Controller) reportNonFatal(err error) {
	c.emitError(err)
}
