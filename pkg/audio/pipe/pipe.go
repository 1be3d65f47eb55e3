// Package pipe provides a [audio.CaptureSource] that reads raw s16le PCM
// from a device file, named pipe, or any other readable path. It is the
// default capture backend on hosts where audio is delivered by an external
// capture process (e.g., arecord or ffmpeg writing to a FIFO), and doubles
// as the file-round-trip backend for offline runs.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/doramirdor/friday-stream/pkg/audio"
)

// Compile-time assertions that Source satisfies the audio interfaces.
var (
	_ audio.CaptureSource = (*Source)(nil)
	_ audio.Prober        = (*Source)(nil)
)

// defaultFrameDuration is the size of frames produced by the source. 20 ms
// matches the frame cadence of the other capture backends.
const defaultFrameDuration = 20 * time.Millisecond

// Option is a functional option for configuring a [Source].
type Option func(*Source)

// WithFrameDuration sets the duration of each emitted frame. Default: 20 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) { s.frameDuration = d }
}

// Source reads s16le PCM from a path and emits fixed-size frames.
type Source struct {
	path          string
	format        audio.Format
	frameDuration time.Duration

	mu      sync.Mutex
	file    *os.File
	frames  chan audio.Frame
	err     error
	stopped bool
}

// New creates a pipe capture source reading PCM in the given format from
// path. The file is not opened until [Source.Start].
func New(path string, format audio.Format, opts ...Option) *Source {
	s := &Source{
		path:          path,
		format:        format,
		frameDuration: defaultFrameDuration,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Probe verifies the path exists and is readable without consuming data.
func (s *Source) Probe(_ context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return s.classify(err)
	}
	return f.Close()
}

// Format returns the PCM format the source produces.
func (s *Source) Format() audio.Format { return s.format }

// Start opens the path and begins emitting frames. Open failures are
// classified as [audio.DeviceError] values and never retried.
func (s *Source) Start(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("pipe: source already stopped")
	}
	if s.file != nil {
		return nil, fmt.Errorf("pipe: capture already started")
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, s.classify(err)
	}
	s.file = f
	s.frames = make(chan audio.Frame, 16)

	go s.readLoop(ctx, f)
	return s.frames, nil
}

// Err returns the fatal error that terminated capture, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop halts capture and closes the file handle. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.file != nil {
		// Closing unblocks the reader; readLoop treats it as a clean end.
		return s.file.Close()
	}
	return nil
}

// readLoop reads fixed-size frames until EOF, stop, or a read failure.
// It owns the frames channel and closes it on exit.
func (s *Source) readLoop(ctx context.Context, f *os.File) {
	defer close(s.frames)

	frameBytes := s.format.BytesPerSecond() * int(s.frameDuration) / int(time.Second)
	// Frames hold whole samples only.
	frameBytes -= frameBytes % (2 * s.format.Channels)

	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(f, buf)
		n -= n % (2 * s.format.Channels)

		if n > 0 {
			frame := audio.Frame{
				Data:       buf[:n],
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Time:       time.Now(),
			}
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				s.finish(nil)
				return
			}
		}

		if err != nil {
			s.finish(err)
			return
		}
	}
}

// finish records the terminal error, treating EOF, cancellation, and reads
// against a stopped source as a clean end.
func (s *Source) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil || s.stopped ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, fs.ErrClosed) {
		return
	}
	s.err = fmt.Errorf("pipe: read: %w", err)
}

// classify maps a file-open failure onto the device error taxonomy.
func (s *Source) classify(err error) error {
	kind := audio.DeviceNotFound
	switch {
	case errors.Is(err, fs.ErrPermission):
		kind = audio.DevicePermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		kind = audio.DeviceNotFound
	case errors.Is(err, syscall.EBUSY):
		kind = audio.DeviceBusy
	}
	return &audio.DeviceError{Kind: kind, Device: s.path, Err: err}
}
