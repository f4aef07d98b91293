// Command voicewire is the voice-conversation engine server. It accepts one
// duplex audio session per client connection and runs each through the
// VAD → STT → LLM → TTS pipeline, streaming synthesized audio back.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 model-load failure,
// 3 transport bind failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/voicewire/voicewire/internal/app"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/stage/ttsstage"
	"github.com/voicewire/voicewire/internal/ttsproc"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/llm/anyllm"
	"github.com/voicewire/voicewire/pkg/provider/llm/openai"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/stt/whisper"
	"github.com/voicewire/voicewire/pkg/provider/vad/energy"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitModelLoad = 2
	exitTransport = 3
)

// shutdownTimeout bounds the wait for in-flight sessions after SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (optional; environment overrides apply on top)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		return exitConfig
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicewire starting",
		"config", *configPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicewire",
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return exitConfig
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metric instruments failed", "err", err)
		return exitConfig
	}

	providers, closeProviders, err := buildProviders(cfg, logger)
	if err != nil {
		slog.Error("provider initialisation failed", "err", err)
		return exitModelLoad
	}
	defer closeProviders()

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithLogger(logger), app.WithMetrics(metrics))
	if err != nil {
		slog.Error("application init failed", "err", err)
		return exitConfig
	}

	if err := application.Listen(); err != nil {
		slog.Error("transport bind failed", "port", cfg.Server.Port, "err", err)
		return exitTransport
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", application.Addr())

	// Run blocks until ctx is cancelled, then waits out in-flight sessions.
	// The wait is bounded so a wedged session cannot hold the process open.
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		select {
		case runErr = <-done:
		case <-time.After(shutdownTimeout):
			slog.Warn("graceful shutdown timed out", "after", shutdownTimeout)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return exitConfig
	}
	slog.Info("goodbye")
	return exitOK
}

// buildProviders instantiates the four provider slots from the configuration.
// The returned cleanup closes whatever the process-wide providers hold open
// (a native whisper model); the per-session TTS child is closed by its
// session.
func buildProviders(cfg *config.Config, logger *slog.Logger) (*app.Providers, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	transcriber, err := buildSTT(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("stt: %w", err)
	}
	if c, ok := transcriber.(interface{ Close() error }); ok {
		closers = append(closers, func() { _ = c.Close() })
	}

	completer, err := buildLLM(cfg)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("llm: %w", err)
	}

	// Each session supervises its own TTS child; teardown closes it with
	// the session, so no process-level closer is registered here.
	ttsFactory := func() ttsstage.Synthesizer {
		return ttsproc.New(cfg.TTS.ChildPath, cfg.TTS.ChildArgs,
			ttsproc.WithMaxRestarts(cfg.TTS.MaxRestarts),
			ttsproc.WithLogger(logger),
		)
	}

	return &app.Providers{
		VAD: energy.New(),
		STT: transcriber,
		LLM: completer,
		TTS: ttsFactory,
	}, closeAll, nil
}

func buildSTT(cfg *config.Config) (stt.Transcriber, error) {
	switch cfg.STT.Backend {
	case "whisper":
		return whisper.New(cfg.STT.ServerURL,
			whisper.WithLanguage(cfg.STT.Language),
			whisper.WithTemperature(cfg.STT.Temperature),
		)
	case "whisper-native":
		return whisper.NewNative(cfg.STT.ModelPath,
			whisper.WithNativeLanguage(cfg.STT.Language),
		)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.STT.Backend)
	}
}

func buildLLM(cfg *config.Config) (llm.Provider, error) {
	// The openai-go client carries its own streaming implementation and,
	// through the base-URL override, also fronts OpenAI-compatible local
	// servers (Ollama, llama.cpp). Everything else goes through any-llm-go.
	if cfg.LLM.Provider == "openai" {
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		return openai.New(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.LLM.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
	}
	return anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, opts...)
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// printStartupSummary logs the effective configuration, one line per
// subsystem, with secrets elided.
func printStartupSummary(cfg *config.Config) {
	slog.Info("vad",
		"start_ms", cfg.VAD.StartMS,
		"min_silence_ms", cfg.VAD.MinSilenceMS,
		"pad_ms", cfg.VAD.PadMS,
	)
	slog.Info("stt",
		"backend", cfg.STT.Backend,
		"language", cfg.STT.Language,
		"device", cfg.STT.Device,
		"keywords", len(cfg.STT.Keywords),
	)
	slog.Info("llm",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"temperature", cfg.LLM.Temperature,
		"context_max", cfg.LLM.ContextMax,
	)
	slog.Info("tts",
		"child", cfg.TTS.ChildPath,
		"sample_rate", cfg.TTS.SampleRate,
		"max_restarts", cfg.TTS.MaxRestarts,
	)
	if cfg.Server.MetricsAddr != "" && cfg.Server.MetricsAddr != "off" {
		slog.Info("metrics", "addr", cfg.Server.MetricsAddr)
	}
}
