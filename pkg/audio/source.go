// Package audio defines the capture and buffering layer of the
// transcription engine.
//
// The two primary abstractions are:
//
//   - [CaptureSource] — exclusive access to one audio input, producing a
//     continuous stream of fixed-size PCM [Frame] values.
//   - [Accumulator] — buffers frames and flushes bounded [Chunk] values on
//     a time or size trigger, with hard-cap overflow protection.
//
// Implementations of [CaptureSource] are provided by backend-specific
// adapter packages (audio/pipe, audio/discord). The interface is
// intentionally narrow so the session controller stays decoupled from how
// audio is actually acquired.
//
// This package lives under pkg/ because external code (third-party capture
// backends) is expected to implement [CaptureSource].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// DeviceErrorKind classifies why a capture source could not be opened.
// All device failures are fatal for the session and are never retried by
// the engine.
type DeviceErrorKind int

const (
	// DevicePermissionDenied means the process lacks permission to open the
	// input device.
	DevicePermissionDenied DeviceErrorKind = iota

	// DeviceNotFound means the configured input device does not exist.
	DeviceNotFound

	// DeviceBusy means another process holds exclusive access to the device.
	DeviceBusy
)

// String returns the human-readable name of the error kind.
func (k DeviceErrorKind) String() string {
	switch k {
	case DevicePermissionDenied:
		return "permission denied"
	case DeviceNotFound:
		return "device not found"
	case DeviceBusy:
		return "device busy"
	default:
		return "unknown"
	}
}

// DeviceError describes a fatal capture-device failure. It wraps the
// underlying cause and carries a [DeviceErrorKind] so callers can present
// a specific, classified message.
type DeviceError struct {
	Kind   DeviceErrorKind
	Device string
	Err    error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %q: %s: %v", e.Device, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err is (or wraps) a [DeviceError] and
// returns it when so.
func IsDeviceError(err error) (*DeviceError, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CaptureSource wraps exclusive access to one audio input. A source is
// owned by exactly one session at a time; the hardware (or transport)
// handle is mutated only by the source itself.
//
// Implementations must be safe for concurrent use of Stop against a
// running Start.
type CaptureSource interface {
	// Start begins capture and returns a channel of [Frame] values in
	// arrival order. The channel is closed when capture ends, either via
	// [CaptureSource.Stop] or a fatal device failure. After the channel
	// closes, Err reports the failure, if any.
	//
	// Opening failures are classified as [DeviceError] values and are never
	// retried internally.
	Start(ctx context.Context) (<-chan Frame, error)

	// Err returns the fatal error that terminated capture, or nil when the
	// stream ended cleanly. Only meaningful after the Start channel closes.
	Err() error

	// Format returns the PCM format the source produces. The value is fixed
	// once Start succeeds and is never re-probed mid-session.
	Format() Format

	// Stop halts capture and releases the device handle. It is idempotent:
	// calling it again after the source is stopped is a no-op returning nil.
	Stop() error
}
