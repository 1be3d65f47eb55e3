package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format before accumulation.
// It logs a warning on the first format mismatch and validates PCM
// alignment. Create one per capture stream; not designed for shared use
// across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts frame to the target format. When the source format
// already matches, the frame is returned unchanged with zero allocation.
// Conversion order: downmix first, then resample.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Time: frame.Time}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("format mismatch: converting",
			"from_rate", frame.SampleRate, "from_channels", frame.Channels,
			"to_rate", c.Target.SampleRate, "to_channels", c.Target.Channels,
		)
	})

	pcm := bytesToInt16(frame.Data)
	if frame.Channels == 2 && c.Target.Channels == 1 {
		pcm = downmixStereo(pcm)
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = resample(pcm, frame.SampleRate, c.Target.SampleRate)
	}

	return Frame{
		Data:       int16ToBytes(pcm),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Time:       frame.Time,
	}
}

// downmixStereo averages interleaved stereo sample pairs into mono.
func downmixStereo(pcm []int16) []int16 {
	mono := make([]int16, len(pcm)/2)
	for i := range mono {
		mono[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return mono
}

// resample performs linear-interpolation resampling of mono PCM. Quality is
// sufficient for speech recognition input; this is not a general-purpose
// resampler.
func resample(pcm []int16, from, to int) []int16 {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	outLen := len(pcm) * to / from
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * float64(from) / float64(to)
		idx := int(pos)
		if idx >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(pcm[idx])*(1-frac) + float64(pcm[idx+1])*frac)
	}
	return out
}

// bytesToInt16 converts little-endian bytes to int16 PCM samples.
func bytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// int16ToBytes converts int16 PCM samples to little-endian bytes.
func int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
