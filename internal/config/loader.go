package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transcription
	if cfg.Transcribe.Strategy == "" {
		errs = append(errs, errors.New("transcribe.strategy is required; valid values: live, batched"))
	} else if !cfg.Transcribe.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("transcribe.strategy %q is invalid; valid values: live, batched", cfg.Transcribe.Strategy))
	}
	if cfg.Transcribe.APIKey == "" {
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			cfg.Transcribe.APIKey = key
		} else {
			errs = append(errs, errors.New("transcribe.api_key is required (or set GOOGLE_API_KEY)"))
		}
	}
	if cfg.Transcribe.ChunkDurationMs < 0 {
		errs = append(errs, fmt.Errorf("transcribe.chunk_duration_ms %d must not be negative", cfg.Transcribe.ChunkDurationMs))
	}
	if shape := cfg.Transcribe.AudioMessageShape; shape != "" && !shape.IsValid() {
		errs = append(errs, fmt.Errorf("transcribe.audio_message_shape %q is invalid; valid values: media_chunks, inline", shape))
	}
	if iv := cfg.Transcribe.PollIntervalSec; iv != 0 && (iv < 1 || iv > 5) {
		slog.Warn("transcribe.poll_interval_sec outside [1, 5]; the batched provider clamps it",
			"poll_interval_sec", iv,
		)
	}
	if cfg.Transcribe.MaxSpeakers < 0 {
		errs = append(errs, fmt.Errorf("transcribe.max_speakers %d must not be negative", cfg.Transcribe.MaxSpeakers))
	}
	if cfg.Transcribe.Diarize && cfg.Transcribe.Strategy == StrategyLive {
		slog.Warn("transcribe.diarize has no effect with the live strategy; speaker tags come from the service's transcription text")
	}
	if cfg.Transcribe.Language == "" {
		cfg.Transcribe.Language = "en-US"
	}

	// Capture
	switch cfg.Capture.Backend {
	case "":
		errs = append(errs, errors.New("capture.backend is required"))
	case "discord":
		if cfg.Capture.Discord.BotToken == "" {
			errs = append(errs, errors.New("capture.discord.bot_token is required for the discord backend"))
		}
		if cfg.Capture.Discord.GuildID == "" || cfg.Capture.Discord.ChannelID == "" {
			errs = append(errs, errors.New("capture.discord.guild_id and channel_id are required for the discord backend"))
		}
	case "pipe":
		if cfg.Capture.Pipe.Path == "" {
			errs = append(errs, errors.New("capture.pipe.path is required for the pipe backend"))
		}
		if cfg.Capture.Pipe.SampleRate == 0 {
			cfg.Capture.Pipe.SampleRate = 16000
		}
		if cfg.Capture.Pipe.Channels == 0 {
			cfg.Capture.Pipe.Channels = 1
		}
	default:
		// Unknown backends may be registered by embedding applications;
		// warn rather than reject.
		slog.Warn("unknown capture backend; expecting it to be registered at runtime",
			"backend", cfg.Capture.Backend,
		)
	}

	// Retry
	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must not be negative", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.InitialBackoffMs < 0 || cfg.Retry.MaxBackoffMs < 0 {
		errs = append(errs, errors.New("retry backoff durations must not be negative"))
	}
	if cfg.Retry.MaxBackoffMs != 0 && cfg.Retry.InitialBackoffMs > cfg.Retry.MaxBackoffMs {
		errs = append(errs, fmt.Errorf("retry.initial_backoff_ms %d exceeds retry.max_backoff_ms %d", cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs))
	}

	return errors.Join(errs...)
}

// SlogLevel converts the configured level into a [slog.Level], defaulting
// to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
