// Package config provides the configuration schema, loader, and provider
// registry for the transcription engine.
package config

import (
	"time"

	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Strategy selects the transcription transport mode.
type Strategy string

const (
	// StrategyLive streams audio over a persistent bidirectional
	// connection and receives incremental results.
	StrategyLive Strategy = "live"

	// StrategyBatched accumulates audio and submits it as periodic
	// request/response recognition calls.
	StrategyBatched Strategy = "batched"
)

// IsValid reports whether s is a recognised strategy.
func (s Strategy) IsValid() bool {
	return s == StrategyLive || s == StrategyBatched
}

// AudioShape names the wire encoding of outgoing audio messages for the
// live strategy.
type AudioShape string

const (
	ShapeMediaChunks AudioShape = "media_chunks"
	ShapeInline      AudioShape = "inline"
)

// IsValid reports whether a is a recognised audio message shape.
func (a AudioShape) IsValid() bool {
	return a == ShapeMediaChunks || a == ShapeInline
}

// MessageShape maps the config value onto the transport-level constant.
// The zero value maps to the media-chunks default.
func (a AudioShape) MessageShape() transcribe.AudioMessageShape {
	if a == ShapeInline {
		return transcribe.ShapeInlineAudio
	}
	return transcribe.ShapeMediaChunks
}

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Capture    CaptureConfig    `yaml:"capture"`
	Retry      RetryConfig      `yaml:"retry"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics and /healthz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TranscribeConfig selects and tunes the transcription transport.
type TranscribeConfig struct {
	// Strategy selects the transport mode. Required.
	Strategy Strategy `yaml:"strategy"`

	// APIKey authenticates with the recognition service. Falls back to the
	// GOOGLE_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service's default endpoint. Used by tests and
	// proxied deployments; leave empty for the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific recognition model within the service.
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// Diarize enables speaker diarization.
	Diarize bool `yaml:"diarize"`

	// MaxSpeakers hints the expected number of distinct speakers.
	// Zero lets the service decide.
	MaxSpeakers int `yaml:"max_speakers"`

	// ChunkDurationMs is the audio accumulation window in milliseconds
	// before a chunk is flushed to the transport. Defaults to 500 if zero.
	ChunkDurationMs int `yaml:"chunk_duration_ms"`

	// PollIntervalSec is the request cadence in seconds for the batched
	// strategy, clamped to [1, 5]. Ignored by the live strategy.
	PollIntervalSec int `yaml:"poll_interval_sec"`

	// AudioMessageShape pins the outgoing audio message encoding for the
	// live strategy. Defaults to media_chunks.
	AudioMessageShape AudioShape `yaml:"audio_message_shape"`

	// Activity tunes service-side voice activity detection for the live
	// strategy.
	Activity ActivityConfig `yaml:"activity"`
}

// ChunkDuration returns the accumulation window as a [time.Duration].
func (c TranscribeConfig) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkDurationMs) * time.Millisecond
}

// PollInterval returns the batched request cadence as a [time.Duration].
func (c TranscribeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ActivityConfig holds voice-activity detection thresholds.
type ActivityConfig struct {
	// SilenceDurationMs is how long the service waits in silence before
	// ending a speech segment.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// PrefixPaddingMs is audio retained from before detected speech onset.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// StartSensitivity tunes how eagerly speech onset is detected, e.g.
	// "START_SENSITIVITY_HIGH". Empty leaves the service default.
	StartSensitivity string `yaml:"start_sensitivity"`

	// EndSensitivity tunes how eagerly end of speech is detected, e.g.
	// "END_SENSITIVITY_LOW". Empty leaves the service default.
	EndSensitivity string `yaml:"end_sensitivity"`
}

// CaptureConfig selects and configures the audio capture backend.
type CaptureConfig struct {
	// Backend names the capture source implementation registered in the
	// [Registry] (e.g., "discord", "pipe").
	Backend string `yaml:"backend"`

	// Discord configures the Discord voice capture backend.
	Discord DiscordCaptureConfig `yaml:"discord"`

	// Pipe configures the raw PCM pipe backend.
	Pipe PipeCaptureConfig `yaml:"pipe"`
}

// DiscordCaptureConfig holds credentials and target for Discord voice
// capture.
type DiscordCaptureConfig struct {
	// BotToken authenticates the bot session.
	BotToken string `yaml:"bot_token"`

	// GuildID and ChannelID identify the voice channel to join.
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// PipeCaptureConfig holds the source path and format for the raw PCM pipe
// backend.
type PipeCaptureConfig struct {
	// Path is the FIFO or file to read PCM samples from. "-" reads stdin.
	Path string `yaml:"path"`

	// SampleRate and Channels describe the incoming PCM format.
	// Default to 16000 and 1.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// RetryConfig paces session reconnection attempts after retryable
// failures. The engine itself never retries; these values feed the
// caller's backoff loop.
type RetryConfig struct {
	// MaxAttempts caps reconnection attempts. Zero disables retry.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoffMs is the delay in milliseconds before the first
	// retry. Defaults to 1000.
	InitialBackoffMs int `yaml:"initial_backoff_ms"`

	// MaxBackoffMs is the upper limit in milliseconds on any single
	// delay. Defaults to 30000.
	MaxBackoffMs int `yaml:"max_backoff_ms"`
}

// InitialBackoff returns the first retry delay as a [time.Duration].
func (c RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the delay ceiling as a [time.Duration].
func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}
