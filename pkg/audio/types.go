package audio

import "time"

// Frame represents a single block of raw PCM audio captured from an input
// source. Frames are the atomic unit of audio transport: a frame is never
// split across chunk boundaries, and once captured it is treated as
// immutable by every downstream component.
type Frame struct {
	// Data holds interleaved little-endian int16 PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for the
	// transcription services).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Time marks when this frame arrived from the capture source.
	Time time.Time
}

// Duration returns the playback duration of the frame's PCM payload.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate of the format (16-bit samples).
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Chunk is an ordered, contiguous run of frames assembled by the
// [Accumulator] for transmission. Data is the concatenation of the frame
// payloads in arrival order; a chunk boundary never splits a frame.
type Chunk struct {
	// Seq is the monotonic sequence id assigned at flush time, starting at 1.
	Seq uint64

	// Data is the concatenated PCM payload of every frame in the chunk.
	Data []byte

	// Frames is the number of frames the chunk contains.
	Frames int

	// Format is the PCM format shared by all frames in the chunk.
	Format Format

	// Start is the arrival time of the first frame in the chunk.
	Start time.Time
}

// Duration returns the playback duration of the chunk's PCM payload.
func (c Chunk) Duration() time.Duration {
	bps := c.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(c.Data)) * time.Second / time.Duration(bps)
}
