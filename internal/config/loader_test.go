package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
transcribe:
  strategy: live
  api_key: test-key
  language: de-DE
  chunk_duration_ms: 250
  audio_message_shape: inline
  activity:
    silence_duration_ms: 800
    prefix_padding_ms: 200
    start_sensitivity: START_SENSITIVITY_HIGH
    end_sensitivity: END_SENSITIVITY_LOW
capture:
  backend: pipe
  pipe:
    path: /tmp/audio.pcm
retry:
  max_attempts: 5
  initial_backoff_ms: 2000
  max_backoff_ms: 20000
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Transcribe.Strategy != StrategyLive {
		t.Errorf("strategy = %q, want live", cfg.Transcribe.Strategy)
	}
	if cfg.Transcribe.ChunkDuration() != 250*time.Millisecond {
		t.Errorf("chunk duration = %v, want 250ms", cfg.Transcribe.ChunkDuration())
	}
	if cfg.Transcribe.Activity.SilenceDurationMs != 800 {
		t.Errorf("silence_duration_ms = %d, want 800", cfg.Transcribe.Activity.SilenceDurationMs)
	}
	if cfg.Transcribe.Activity.StartSensitivity != "START_SENSITIVITY_HIGH" {
		t.Errorf("start_sensitivity = %q", cfg.Transcribe.Activity.StartSensitivity)
	}
	if cfg.Transcribe.Activity.EndSensitivity != "END_SENSITIVITY_LOW" {
		t.Errorf("end_sensitivity = %q", cfg.Transcribe.Activity.EndSensitivity)
	}
	if cfg.Capture.Pipe.SampleRate != 16000 || cfg.Capture.Pipe.Channels != 1 {
		t.Errorf("pipe format defaults = %d/%d, want 16000/1", cfg.Capture.Pipe.SampleRate, cfg.Capture.Pipe.Channels)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("retry.max_attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
transcribe:
  strategy: live
  api_key: k
  typo_field: oops
capture:
  backend: pipe
  pipe:
    path: /tmp/a.pcm
`))
	if err == nil {
		t.Fatal("unknown field accepted, want decode error")
	}
	if !strings.Contains(err.Error(), "typo_field") {
		t.Errorf("error does not name the unknown field: %v", err)
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{LogLevel: "verbose"},
		Transcribe: TranscribeConfig{
			Strategy:    "telepathy",
			APIKey:      "k",
			MaxSpeakers: -1,
		},
		Capture: CaptureConfig{Backend: "discord"},
		Retry:   RetryConfig{InitialBackoffMs: 60000, MaxBackoffMs: 1000},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{
		"server.log_level",
		"transcribe.strategy",
		"transcribe.max_speakers",
		"capture.discord.bot_token",
		"retry.initial_backoff_ms",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing strategy",
			cfg: Config{
				Transcribe: TranscribeConfig{APIKey: "k"},
				Capture:    CaptureConfig{Backend: "pipe", Pipe: PipeCaptureConfig{Path: "/tmp/a"}},
			},
			want: "transcribe.strategy is required",
		},
		{
			name: "missing backend",
			cfg: Config{
				Transcribe: TranscribeConfig{Strategy: StrategyLive, APIKey: "k"},
			},
			want: "capture.backend is required",
		},
		{
			name: "pipe without path",
			cfg: Config{
				Transcribe: TranscribeConfig{Strategy: StrategyBatched, APIKey: "k"},
				Capture:    CaptureConfig{Backend: "pipe"},
			},
			want: "capture.pipe.path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidateAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "env-key")

	cfg := &Config{
		Transcribe: TranscribeConfig{Strategy: StrategyLive},
		Capture:    CaptureConfig{Backend: "pipe", Pipe: PipeCaptureConfig{Path: "/tmp/a"}},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Transcribe.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Transcribe.APIKey)
	}
}

func TestValidateDefaultsLanguage(t *testing.T) {
	cfg := &Config{
		Transcribe: TranscribeConfig{Strategy: StrategyBatched, APIKey: "k"},
		Capture:    CaptureConfig{Backend: "pipe", Pipe: PipeCaptureConfig{Path: "/tmp/a"}},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Transcribe.Language != "en-US" {
		t.Errorf("Language = %q, want en-US default", cfg.Transcribe.Language)
	}
}

func TestLoadShippedExampleConfig(t *testing.T) {
	cfg, err := Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcribe.Strategy != StrategyLive {
		t.Errorf("strategy = %q, want live", cfg.Transcribe.Strategy)
	}
	if cfg.Capture.Backend != "pipe" {
		t.Errorf("backend = %q, want pipe", cfg.Capture.Backend)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("retry.max_attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/friday.yaml")
	if err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestAudioShapeMapping(t *testing.T) {
	if got := ShapeInline.MessageShape(); got != transcribe.ShapeInlineAudio {
		t.Errorf("inline maps to %q", got)
	}
	if got := AudioShape("").MessageShape(); got != transcribe.ShapeMediaChunks {
		t.Errorf("empty shape maps to %q, want media_chunks default", got)
	}
}

func TestSlogLevel(t *testing.T) {
	if LogError.SlogLevel().String() != "ERROR" {
		t.Errorf("error level maps to %s", LogError.SlogLevel())
	}
	if LogLevel("").SlogLevel().String() != "INFO" {
		t.Errorf("empty level maps to %s, want INFO default", LogLevel("").SlogLevel())
	}
}

func TestLogLevelIsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q reported invalid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("trace reported valid")
	}
}

var errBoom = errors.New("boom")

func TestRegistryCreateAndMiss(t *testing.T) {
	r := NewRegistry()

	if _, err := r.CreateProvider(TranscribeConfig{Strategy: StrategyLive}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered strategy error = %v", err)
	}

	r.RegisterProvider(StrategyLive, func(cfg TranscribeConfig) (transcribe.Provider, error) {
		if cfg.APIKey != "k" {
			t.Errorf("factory received APIKey %q", cfg.APIKey)
		}
		return nil, errBoom
	})
	if _, err := r.CreateProvider(TranscribeConfig{Strategy: StrategyLive, APIKey: "k"}); !errors.Is(err, errBoom) {
		t.Fatalf("factory error = %v, want errBoom", err)
	}

	if _, err := r.CreateCapture(CaptureConfig{Backend: "tape"}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered backend error = %v", err)
	}
}
