// Command friday-stream runs a live transcription session: it captures
// audio from the configured backend, streams it to the selected
// recognition transport, and prints speaker-attributed transcript lines
// until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/doramirdor/friday-stream/internal/backoff"
	"github.com/doramirdor/friday-stream/internal/config"
	"github.com/doramirdor/friday-stream/internal/engine"
	"github.com/doramirdor/friday-stream/internal/health"
	"github.com/doramirdor/friday-stream/internal/observe"
	"github.com/doramirdor/friday-stream/internal/transcript"
	"github.com/doramirdor/friday-stream/pkg/audio"
	discordcap "github.com/doramirdor/friday-stream/pkg/audio/discord"
	"github.com/doramirdor/friday-stream/pkg/audio/pipe"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
	"github.com/doramirdor/friday-stream/pkg/transcribe/gemini"
	"github.com/doramirdor/friday-stream/pkg/transcribe/speech"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "friday-stream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "friday-stream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("friday-stream starting",
		"config", *configPath,
		"strategy", cfg.Transcribe.Strategy,
		"backend", cfg.Capture.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "friday-stream",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	cleanup := registerBuiltins(reg)
	defer cleanup()

	provider, err := reg.CreateProvider(cfg.Transcribe)
	if err != nil {
		slog.Error("failed to build transcription provider", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Observability listener ────────────────────────────────────────────────
	// Sources are one-shot, so the retry loop builds a fresh one per
	// attempt; the holder gives the readiness checker the current one.
	holder := &captureHolder{}
	probes := health.New(
		health.Checker{Name: "capture", Check: holder.probe},
	)
	probes.SetSession(cfg.Capture.Backend, string(cfg.Transcribe.Strategy))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.ListenAddr != "" {
		srv := health.NewServer(cfg.Server.ListenAddr, probes)
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error {
		return runSessions(ctx, cfg, reg, provider, probes, holder)
	})

	slog.Info("session running — press Ctrl+C to stop")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// captureHolder tracks the capture source of the current session attempt
// for the readiness checker.
type captureHolder struct {
	mu  sync.Mutex
	src audio.CaptureSource
}

func (h *captureHolder) set(src audio.CaptureSource) {
	h.mu.Lock()
	h.src = src
	h.mu.Unlock()
}

func (h *captureHolder) probe(ctx context.Context) error {
	h.mu.Lock()
	src := h.src
	h.mu.Unlock()
	if src == nil {
		return errors.New("no capture source yet")
	}
	if p, ok := src.(audio.Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

// runSessions runs one transcription session, reconnecting with jittered
// backoff while the failure reason is retryable and the retry budget
// allows.
func runSessions(ctx context.Context, cfg *config.Config, reg *config.Registry, provider transcribe.Provider, probes *health.Handler, holder *captureHolder) error {
	retry := backoff.New(backoff.Policy{
		Initial:     cfg.Retry.InitialBackoff(),
		Max:         cfg.Retry.MaxBackoff(),
		MaxAttempts: cfg.Retry.MaxAttempts,
	})

	for {
		source, err := reg.CreateCapture(cfg.Capture)
		if err != nil {
			return fmt.Errorf("build capture source: %w", err)
		}
		holder.set(source)

		failed, err := runOnce(ctx, cfg, provider, source, probes)
		if err != nil {
			return err
		}
		if !failed {
			return nil
		}

		d, ok := retry.Next()
		if !ok {
			slog.Error("retry budget exhausted, giving up",
				"attempts", retry.Attempt(),
			)
			return errors.New("session failed and retry budget exhausted")
		}
		slog.Warn("session failed, reconnecting",
			"attempt", retry.Attempt(),
			"delay", d,
		)
		if err := backoff.Wait(ctx, d); err != nil {
			return err
		}
	}
}

// runOnce drives a single session to completion. It reports failed=true
// when the session ended with a retryable fatal error, and a non-nil err
// for unrecoverable conditions.
func runOnce(ctx context.Context, cfg *config.Config, provider transcribe.Provider, source audio.CaptureSource, probes *health.Handler) (failed bool, err error) {
	ctrl := engine.New(engine.Config{
		Language:      cfg.Transcribe.Language,
		ChunkDuration: cfg.Transcribe.ChunkDuration(),
		Diarize:       cfg.Transcribe.Diarize,
		MaxSpeakers:   cfg.Transcribe.MaxSpeakers,
		Activity: transcribe.ActivityDetection{
			StartSensitivity:  cfg.Transcribe.Activity.StartSensitivity,
			EndSensitivity:    cfg.Transcribe.Activity.EndSensitivity,
			SilenceDurationMs: cfg.Transcribe.Activity.SilenceDurationMs,
			PrefixPaddingMs:   cfg.Transcribe.Activity.PrefixPaddingMs,
		},
	}, provider, []audio.CaptureSource{source})

	fatal := make(chan error, 1)
	ctrl.OnResult(func(ev transcript.Event) { printEvent(ev) })
	ctrl.OnError(func(cbErr error) {
		probes.RecordError(cbErr)
		if ctrl.State() == engine.StateErrored {
			select {
			case fatal <- cbErr:
			default:
			}
			return
		}
		slog.Warn("session warning", "err", cbErr)
	})

	if err := ctrl.Start(ctx); err != nil {
		return false, err
	}
	probes.SetState(ctrl.State().String())

	select {
	case <-ctx.Done():
		if err := ctrl.Stop(); err != nil {
			slog.Warn("stop error", "err", err)
		}
		probes.SetState(ctrl.State().String())
		return false, nil

	case cbErr := <-fatal:
		probes.SetState(ctrl.State().String())
		reason, ok := transcribe.FatalReason(cbErr)
		if ok && reason.Retryable() {
			return true, nil
		}
		return false, cbErr
	}
}

// printEvent writes one transcript line to stdout. Partial results are
// skipped; the merged final line is the readable record.
func printEvent(ev transcript.Event) {
	if !ev.Final {
		return
	}
	if ev.Speaker != "" {
		fmt.Printf("%s: %s\n", ev.Speaker, ev.Text)
		return
	}
	fmt.Println(ev.Text)
}

// ── Built-in wiring ───────────────────────────────────────────────────────────

// discordGateway shares one gateway connection across session attempts.
// Capture sources are one-shot, so the retry loop asks for a session per
// attempt; dialing the gateway each time would leak the previous
// connection. The dial and close funcs are swappable for tests.
type discordGateway struct {
	dial  func(token string) (*discordgo.Session, error)
	close func(*discordgo.Session) error

	mu   sync.Mutex
	sess *discordgo.Session
}

func newDiscordGateway() *discordGateway {
	return &discordGateway{
		dial: func(token string) (*discordgo.Session, error) {
			dg, err := discordgo.New("Bot " + token)
			if err != nil {
				return nil, fmt.Errorf("discord session: %w", err)
			}
			if err := dg.Open(); err != nil {
				return nil, fmt.Errorf("discord gateway: %w", err)
			}
			return dg, nil
		},
		close: func(dg *discordgo.Session) error { return dg.Close() },
	}
}

// session returns the shared gateway session, dialing on first use. A
// failed dial leaves nothing cached, so the next attempt dials again.
func (g *discordGateway) session(token string) (*discordgo.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess != nil {
		return g.sess, nil
	}
	dg, err := g.dial(token)
	if err != nil {
		return nil, err
	}
	g.sess = dg
	return dg, nil
}

// shutdown closes the gateway connection if one was dialed. Idempotent.
func (g *discordGateway) shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess == nil {
		return
	}
	if err := g.close(g.sess); err != nil {
		slog.Warn("discord gateway close error", "err", err)
	}
	g.sess = nil
}

// registerBuiltins wires the shipped transport strategies and capture
// backends into reg. The returned cleanup releases shared backend
// resources and must run before exit.
func registerBuiltins(reg *config.Registry) (cleanup func()) {
	reg.RegisterProvider(config.StrategyLive, func(entry config.TranscribeConfig) (transcribe.Provider, error) {
		opts := []gemini.Option{
			gemini.WithAudioMessageShape(entry.AudioMessageShape.MessageShape()),
			gemini.WithProtocolErrorHandler(func(error) {
				observe.DefaultMetrics().RecordTransportError(context.Background(), "live", "protocol")
			}),
		}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterProvider(config.StrategyBatched, func(entry config.TranscribeConfig) (transcribe.Provider, error) {
		opts := []speech.Option{
			speech.WithRequestObserver(func(d time.Duration, err error) {
				m := observe.DefaultMetrics()
				m.BatchRequestDuration.Record(context.Background(), d.Seconds())
				if err != nil {
					m.RecordTransportError(context.Background(), "batched", "request")
				}
			}),
		}
		if entry.Model != "" {
			opts = append(opts, speech.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, speech.WithBaseURL(entry.BaseURL))
		}
		if entry.PollIntervalSec != 0 {
			opts = append(opts, speech.WithInterval(entry.PollInterval()))
		}
		return speech.New(entry.APIKey, opts...), nil
	})

	gw := newDiscordGateway()
	reg.RegisterCapture("discord", func(entry config.CaptureConfig) (audio.CaptureSource, error) {
		dg, err := gw.session(entry.Discord.BotToken)
		if err != nil {
			return nil, err
		}
		return discordcap.New(dg, entry.Discord.GuildID, entry.Discord.ChannelID), nil
	})

	reg.RegisterCapture("pipe", func(entry config.CaptureConfig) (audio.CaptureSource, error) {
		format := audio.Format{
			SampleRate: entry.Pipe.SampleRate,
			Channels:   entry.Pipe.Channels,
		}
		return pipe.New(entry.Pipe.Path, format), nil
	})

	return gw.shutdown
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      friday-stream — startup          ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Strategy        : %-19s║\n", cfg.Transcribe.Strategy)
	fmt.Printf("║  Capture backend : %-19s║\n", cfg.Capture.Backend)
	fmt.Printf("║  Language        : %-19s║\n", cfg.Transcribe.Language)
	diarize := "off"
	if cfg.Transcribe.Diarize {
		diarize = fmt.Sprintf("on (max %d)", cfg.Transcribe.MaxSpeakers)
	}
	fmt.Printf("║  Diarization     : %-19s║\n", diarize)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Metrics         : %-19s║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}
