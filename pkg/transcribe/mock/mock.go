// Package mock provides test doubles for the transcribe package
// interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// StreamConfig. Use Session to feed controlled Result values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Open(ctx, cfg)
//	sess.EmitResult(transcribe.Result{Text: "hello", Final: true})
package mock

import (
	"context"
	"sync"

	"github.com/doramirdor/friday-stream/pkg/audio"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the StreamConfig passed to Open.
	Cfg transcribe.StreamConfig
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Open. If nil, Open returns
	// a new default Session.
	Session transcribe.SessionHandle

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns Session, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
}

var _ transcribe.Provider = (*Provider)(nil)

// Session is a scripted implementation of transcribe.SessionHandle. Tests
// drive it with EmitResult, Notice, and Fail, and inspect Sent and
// CloseCnt afterwards.
type Session struct {
	mu sync.Mutex

	// Sent records every chunk passed to SendChunk, in order.
	Sent []audio.Chunk

	// SendErr, if non-nil, is returned by every SendChunk call.
	SendErr error

	// CloseCnt counts Close invocations.
	CloseCnt int

	results chan transcribe.Result
	notices chan error
	errVal  error
	reason  transcribe.CloseReason
	closed  bool
}

// NewSession returns a Session with buffered channels, ready for use.
func NewSession() *Session {
	return &Session{
		results: make(chan transcribe.Result, 16),
		notices: make(chan error, 16),
	}
}

var (
	_ transcribe.SessionHandle = (*Session)(nil)
	_ transcribe.ErrorNotifier = (*Session)(nil)
)

// SendChunk records chunk and returns SendErr.
func (s *Session) SendChunk(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transcribe.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, chunk)
	return nil
}

// SentBytes returns the total payload size delivered so far. Safe to call
// while the session is still receiving chunks.
func (s *Session) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.Sent {
		total += len(c.Data)
	}
	return total
}

// Results returns the scripted result channel.
func (s *Session) Results() <-chan transcribe.Result { return s.results }

// Notices returns the scripted non-fatal error channel.
func (s *Session) Notices() <-chan error { return s.notices }

// Err returns the terminal error set by Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// CloseReason returns the reason set by Fail or Close.
func (s *Session) CloseReason() transcribe.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCnt++
	if !s.closed {
		if s.reason == transcribe.ReasonUnknown {
			s.reason = transcribe.ReasonNormal
		}
		s.closeLocked()
	}
	return nil
}

// EmitResult delivers one result to the Results channel.
func (s *Session) EmitResult(r transcribe.Result) {
	s.results <- r
}

// Notice delivers one non-fatal error to the Notices channel.
func (s *Session) Notice(err error) {
	s.notices <- err
}

// Fail ends the session with the given terminal error and reason, closing
// the Results channel exactly once.
func (s *Session) Fail(err error, reason transcribe.CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.errVal = err
	s.reason = reason
	s.closeLocked()
}

// Finish ends the session cleanly, as if the server closed it normally.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.reason = transcribe.ReasonNormal
	s.closeLocked()
}

// closeLocked closes the results channel exactly once. Caller holds mu.
func (s *Session) closeLocked() {
	s.closed = true
	close(s.results)
}
