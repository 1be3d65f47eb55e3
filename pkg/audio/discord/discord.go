// Package discord provides a [audio.CaptureSource] backed by a Discord
// voice channel. Incoming Opus packets from every participant are decoded
// to 48 kHz stereo PCM with gopus and emitted as a single merged frame
// stream, in arrival order. Each SSRC keeps its own decoder so decoder
// state survives interleaved packets.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/doramirdor/friday-stream/pkg/audio"
)

// Compile-time assertions that Source satisfies the audio interfaces.
var (
	_ audio.CaptureSource = (*Source)(nil)
	_ audio.Prober        = (*Source)(nil)
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000 // 960

	frameChannelBuffer = 64
)

// Source captures audio from one Discord voice channel.
type Source struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	frames   chan audio.Frame
	decoders map[uint32]*gopus.Decoder
	err      error
	stopped  bool
}

// New creates a Discord capture source joining the given guild voice
// channel. The session must already be connected.
func New(session *discordgo.Session, guildID, channelID string) *Source {
	return &Source{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		decoders:  make(map[uint32]*gopus.Decoder),
	}
}

// Probe verifies the gateway session is established. It does not join the
// voice channel.
func (s *Source) Probe(_ context.Context) error {
	if s.session == nil || s.session.State == nil || s.session.State.User == nil {
		return fmt.Errorf("discord: gateway session not connected")
	}
	return nil
}

// Format returns the fixed Discord voice PCM format.
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

// Start joins the voice channel muted (receive-only) and begins emitting
// decoded frames.
func (s *Source) Start(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("discord: source already stopped")
	}
	if s.vc != nil {
		return nil, fmt.Errorf("discord: capture already started")
	}

	vc, err := s.session.ChannelVoiceJoin(s.guildID, s.channelID, true, false)
	if err != nil {
		return nil, &audio.DeviceError{
			Kind:   audio.DeviceBusy,
			Device: "discord:" + s.channelID,
			Err:    err,
		}
	}
	s.vc = vc
	s.frames = make(chan audio.Frame, frameChannelBuffer)

	go s.recvLoop(ctx, vc)
	return s.frames, nil
}

// Err returns the fatal error that terminated capture, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop leaves the voice channel and releases the connection. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.vc != nil {
		// Disconnect closes OpusRecv, which ends recvLoop.
		return s.vc.Disconnect()
	}
	return nil
}

// recvLoop reads Opus packets, decodes them per SSRC, and forwards PCM
// frames. It owns the frames channel and closes it on exit. A packet that
// fails to decode is logged and skipped; decode failures are scoped to one
// packet and never end the stream.
func (s *Source) recvLoop(ctx context.Context, vc *discordgo.VoiceConnection) {
	defer close(s.frames)

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				s.finish()
				return
			}
			pcm, err := s.decode(pkt)
			if err != nil {
				slog.Debug("discord: dropping undecodable packet", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			frame := audio.Frame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Time:       time.Now(),
			}
			select {
			case s.frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// finish records why the packet channel closed. A close after Stop is the
// requested disconnect; any other close means the voice gateway dropped us
// and the stream ended for a reason the caller needs to see.
func (s *Source) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.err != nil {
		return
	}
	s.err = &audio.DeviceError{
		Kind:   audio.DeviceBusy,
		Device: "discord:" + s.channelID,
		Err:    fmt.Errorf("voice gateway closed"),
	}
}

// decode decodes one Opus packet using the per-SSRC decoder, creating the
// decoder on first sight of the SSRC.
func (s *Source) decode(pkt *discordgo.Packet) ([]byte, error) {
	s.mu.Lock()
	dec, ok := s.decoders[pkt.SSRC]
	if !ok {
		var err error
		dec, err = gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("discord: create opus decoder: %w", err)
		}
		s.decoders[pkt.SSRC] = dec
	}
	s.mu.Unlock()

	pcm, err := dec.Decode(pkt.Opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}

	b := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		b[i*2] = byte(sample)
		b[i*2+1] = byte(sample >> 8)
	}
	return b, nil
}
