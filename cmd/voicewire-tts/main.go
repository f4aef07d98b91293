// Command voicewire-tts is the TTS child process. It is not meant to be run
// by hand: the engine spawns it, speaks the newline-delimited JSON synthesis
// protocol over its stdin/stdout, and reads its logs from stderr.
//
// The synthesis backend is selected with --backend. The "tone" backend needs
// no external service and exists for development and the test suite; "coqui"
// targets a running Coqui TTS server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicewire/voicewire/internal/ttschild"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/provider/tts/coqui"
	"github.com/voicewire/voicewire/pkg/provider/tts/tone"
)

func main() {
	os.Exit(run())
}

func run() int {
	backend := flag.String("backend", "tone", "synthesis backend: tone or coqui")
	serverURL := flag.String("server-url", "http://localhost:5002", "Coqui TTS server URL (coqui backend)")
	apiMode := flag.String("api-mode", "standard", "Coqui server API mode: standard or xtts")
	voiceID := flag.String("voice-id", "", "default voice ID")
	language := flag.String("language", "en-us", "language code")
	speed := flag.Float64("speed", 1.0, "base speaking speed (1.0 = normal)")
	sampleRate := flag.Int("sample-rate", 24000, "output sample rate in Hz")
	debug := flag.Bool("debug", false, "enable verbose logging on stderr")
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	// Stdout carries protocol lines only; all logging goes to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)

	synth, err := buildSynthesizer(*backend, *serverURL, *apiMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicewire-tts: %v\n", err)
		return 2
	}

	log.Info("tts child ready",
		"backend", *backend,
		"sample_rate", *sampleRate,
		"voice", *voiceID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := ttschild.NewServer(synth, *sampleRate,
		ttschild.WithVoiceID(*voiceID),
		ttschild.WithLanguage(*language),
		ttschild.WithSpeed(*speed),
		ttschild.WithLogger(log),
	)
	if err := server.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error("protocol loop failed", "err", err)
		return 1
	}
	return 0
}

func buildSynthesizer(backend, serverURL, apiMode string) (tts.Synthesizer, error) {
	switch backend {
	case "tone":
		return tone.New(), nil
	case "coqui":
		mode := coqui.APIModeStandard
		if apiMode == "xtts" {
			mode = coqui.APIModeXTTS
		}
		return coqui.New(serverURL,
			coqui.WithAPIMode(mode),
			coqui.WithTimeout(30*time.Second),
		)
	default:
		return nil, fmt.Errorf("unknown backend %q (want tone or coqui)", backend)
	}
}
