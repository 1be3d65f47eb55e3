// Package mock provides a scripted [audio.CaptureSource] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/doramirdor/friday-stream/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureSource = (*Source)(nil)

// Source is a scripted capture source. Frames queued with [Source.Emit]
// are delivered in order after Start; the stream stays open until
// [Source.Stop], [Source.Fail], or [Source.Finish] is called.
type Source struct {
	format audio.Format

	mu       sync.Mutex
	frames   chan audio.Frame
	err      error
	started  bool
	stopped  bool
	closed   bool
	StopCnt  int
	StartCnt int
}

// New creates a mock source producing the given format.
func New(format audio.Format) *Source {
	return &Source{
		format: format,
		frames: make(chan audio.Frame, 256),
	}
}

// Start returns the scripted frame channel.
func (s *Source) Start(_ context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.StartCnt++
	return s.frames, nil
}

// Emit queues one frame of the given payload for delivery.
func (s *Source) Emit(data []byte) {
	s.frames <- audio.Frame{
		Data:       data,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Time:       time.Now(),
	}
}

// Fail ends the stream with a fatal capture error.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.closeLocked()
}

// Finish ends the stream cleanly without an error.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// closeLocked closes the frame channel exactly once. Callers hold s.mu.
func (s *Source) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

// Err returns the scripted fatal error, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Format returns the configured format.
func (s *Source) Format() audio.Format { return s.format }

// Stop records the stop call. Idempotent; only the first call counts as a
// release.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.StopCnt++
	s.closeLocked()
	return nil
}
