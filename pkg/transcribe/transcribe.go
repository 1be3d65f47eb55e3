// Package transcribe defines the transport-session contract for remote
// transcription backends.
//
// A transcription provider wraps an externally hosted recognition service
// reachable in one of two protocol shapes: a persistent duplex connection
// (transcribe/gemini) or periodic batched request/response
// (transcribe/speech). The central abstraction is [SessionHandle]: once
// opened, a session accepts accumulated audio chunks and emits a stream of
// raw [Result] values, which the engine's parser turns into
// speaker-attributed transcript events.
//
// The engine is a session-orchestration layer, not a recognition model —
// all transcription happens on the remote side.
//
// Implementations must be safe for concurrent use.
package transcribe

import (
	"context"
	"time"

	"github.com/doramirdor/friday-stream/pkg/audio"
)

// Encoding identifies the wire encoding of transmitted audio.
type Encoding string

const (
	// EncodingPCM16 is raw 16-bit little-endian PCM, base64-encoded on the
	// wire.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingLinear16 is the batched service's name for the same payload.
	EncodingLinear16 Encoding = "LINEAR16"
)

// AudioMessageShape selects which of the two wire shapes the persistent
// strategy uses for audio messages. The remote contract version determines
// the correct value; it is pinned by configuration, never guessed.
type AudioMessageShape string

const (
	// ShapeMediaChunks sends audio as realtimeInput.mediaChunks[].
	ShapeMediaChunks AudioMessageShape = "media_chunks"

	// ShapeInlineAudio sends audio as realtimeInput.audio.data.
	ShapeInlineAudio AudioMessageShape = "inline_audio"
)

// ActivityDetection holds the voice-activity thresholds sent in the
// persistent session's setup message.
type ActivityDetection struct {
	StartSensitivity  string `json:"startSensitivity,omitempty"`
	EndSensitivity    string `json:"endSensitivity,omitempty"`
	PrefixPaddingMs   int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs int    `json:"silenceDurationMs,omitempty"`
}

// StreamConfig describes the audio format and recognition hints for a new
// transcription session. The full configuration travels with every batched
// request; the persistent strategy sends it once during the handshake.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of audio channels; most services require mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string

	// Encoding is the negotiated wire encoding, pinned at session start.
	Encoding Encoding

	// Diarize enables speaker diarization when the service supports it.
	Diarize bool

	// MaxSpeakers is the diarization speaker-count hint. Zero lets the
	// service decide.
	MaxSpeakers int

	// Activity holds voice-activity detection thresholds for the persistent
	// strategy. Ignored by the batched strategy.
	Activity ActivityDetection
}

// Word holds per-word detail for services that report speaker tags at the
// word level.
type Word struct {
	Word       string
	SpeakerTag int
}

// Result is one raw transcription result delivered by a transport session,
// before speaker parsing and merging. Results arrive in the order the
// service produced them; the client never reorders.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Final indicates an authoritative result. The batched strategy only
	// produces final results; partial-vs-final sequencing for the
	// persistent strategy is determined by the remote service.
	Final bool

	// Confidence is the service-reported confidence (0.0–1.0), zero when
	// not reported.
	Confidence float64

	// Words carries word-level speaker tags when diarization is active.
	Words []Word

	// Time marks when the result was received.
	Time time.Time
}

// SessionHandle represents an open transport session. It is an interface
// so tests can substitute mock transports for a live connection.
//
// Callers must call Close when the session is no longer needed. All
// methods must be safe for concurrent use.
type SessionHandle interface {
	// SendChunk transmits one accumulated audio chunk. An error scoped to
	// the single chunk (e.g., encoding failure) is returned without ending
	// the session; a fatal transport error ends the session and is also
	// reported via CloseReason.
	SendChunk(chunk audio.Chunk) error

	// Results returns the channel on which raw results arrive, in service
	// order. The channel is closed when the session ends.
	Results() <-chan Result

	// Err returns the terminal error after the Results channel closes, or
	// nil when the session ended cleanly.
	Err() error

	// CloseReason reports the classified reason the session ended. Only
	// meaningful after the Results channel closes.
	CloseReason() CloseReason

	// Close ends the session and releases the connection or request handle.
	// It is idempotent and never panics.
	Close() error
}

// ErrorNotifier is an optional interface for sessions that can report
// non-fatal errors mid-stream, such as a single failed polling request.
// Callers type-assert the [SessionHandle] and drain Notices when present.
type ErrorNotifier interface {
	// Notices returns the channel of non-fatal errors. The session keeps
	// running after every notice.
	Notices() <-chan error
}

// Provider is the abstraction over a transcription transport strategy.
type Provider interface {
	// Open establishes a new session. The returned handle is ready to
	// accept chunks immediately; the persistent strategy queues chunks
	// internally until its handshake completes.
	Open(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
