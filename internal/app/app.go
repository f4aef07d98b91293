// Package app wires all voicewire subsystems into a running server.
//
// The App owns the full lifecycle: New validates and connects providers,
// Listen binds the client transport, Run accepts sessions until the context
// is cancelled. Every accepted connection gets its own pipeline: VAD gate,
// transcription, turn control, all bridged to the wire by a transport
// session.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/internal/stage/llmstage"
	"github.com/voicewire/voicewire/internal/stage/sttstage"
	"github.com/voicewire/voicewire/internal/stage/ttsstage"
	"github.com/voicewire/voicewire/internal/stage/vadgate"
	"github.com/voicewire/voicewire/internal/transcript"
	"github.com/voicewire/voicewire/internal/transport"
	"github.com/voicewire/voicewire/internal/turnctl"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/vad"
)

// captureRate is the client capture sample rate announced in the handshake.
const captureRate = 16000

// outboundQueueDepth buffers playback frames between the pipeline and the
// wire; synthesized audio bursts faster than real time.
const outboundQueueDepth = 256

// Providers holds one implementation per provider slot. All slots are
// required; main populates them from the config.
//
// TTS is a factory: every session gets its own synthesizer so one child
// process never serializes utterances across sessions. When the returned
// value implements io.Closer it is closed on session teardown, which is how
// the per-session child receives its stdin EOF and SIGTERM.
type Providers struct {
	VAD vad.Engine
	STT stt.Transcriber
	LLM llm.Provider
	TTS func() ttsstage.Synthesizer
}

// App owns the server lifecycle and builds one pipeline per connection.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	corrector sttstage.Corrector
	sessions  *SessionManager

	srv *transport.Server
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics overrides the default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCorrector injects a transcript corrector instead of building one from
// the configured keywords.
func WithCorrector(c sttstage.Corrector) Option {
	return func(a *App) { a.corrector = c }
}

// New validates the provider set and prepares the App. It does not bind any
// sockets; call Listen and then Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || providers.STT == nil ||
		providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: all provider slots (vad, stt, llm, tts) are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		sessions:  NewSessionManager(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.corrector == nil && len(cfg.STT.Keywords) > 0 {
		a.corrector = transcript.New(cfg.STT.Keywords)
		a.log.Info("transcript corrector enabled", "keywords", len(cfg.STT.Keywords))
	}
	return a, nil
}

// Listen binds the client transport. Kept separate from Run so the caller
// can map a bind failure to its own exit path.
func (a *App) Listen() error {
	srv, err := transport.Listen(fmt.Sprintf(":%d", a.cfg.Server.Port), a.log)
	if err != nil {
		return err
	}
	a.srv = srv
	a.log.Info("transport listening", "addr", srv.Addr())
	return nil
}

// Addr reports the bound transport address. Valid after Listen.
func (a *App) Addr() net.Addr { return a.srv.Addr() }

// Run serves client sessions and the optional metrics endpoint until ctx is
// cancelled, then waits for in-flight sessions to wind down.
func (a *App) Run(ctx context.Context) error {
	if a.srv == nil {
		return errors.New("app: Run called before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Serve(ctx, a.HandleConn)
	})

	if addr := a.cfg.Server.MetricsAddr; addr != "" && addr != "off" {
		httpSrv := a.newHTTPServer()
		g.Go(func() error {
			err := httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: metrics server: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	a.sessions.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newHTTPServer builds the observability surface: Prometheus metrics,
// health probes, and the WebSocket transport endpoint.
func (a *App) newHTTPServer() *http.Server {
	hh := health.New(
		health.Checker{
			Name: "transport",
			Check: func(context.Context) error {
				if a.srv == nil {
					return errors.New("transport not bound")
				}
				return nil
			},
		},
		health.Checker{
			Name: "tts_child",
			Check: func(context.Context) error {
				return lookupChild(a.cfg.TTS.ChildPath)
			},
		},
	)
	hh.TrackSessions(a.sessions.Len)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", hh.Healthz)
	mux.HandleFunc("/readyz", hh.Readyz)
	mux.Handle("/ws", transport.WSHandler(a.log, a.HandleConn))

	return &http.Server{
		Addr:    a.cfg.Server.MetricsAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// lookupChild verifies the TTS child binary resolves, either as a path or
// through PATH, without spawning it.
func lookupChild(path string) error {
	if path == "" {
		return errors.New("tts child path not configured")
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("tts child: %w", err)
	}
	return nil
}

// HandleConn runs one voice session over an accepted connection. It returns
// when the client disconnects, the session drains, or ctx is cancelled.
func (a *App) HandleConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	log := a.log.With("session_id", id)

	sessCtx, release := a.sessions.Register(ctx, SessionInfo{
		ID:         id,
		RemoteAddr: conn.RemoteAddr().String(),
		StartedAt:  time.Now(),
	})
	defer release()

	a.metrics.SessionStarted(sessCtx)
	defer a.metrics.SessionEnded(context.Background())

	log.Info("session started", "remote", conn.RemoteAddr())
	if err := a.runSession(sessCtx, conn, log); err != nil {
		log.Warn("session ended with error", "err", err)
		return
	}
	log.Info("session ended")
}

// runSession builds the per-connection pipeline and pumps it to completion.
func (a *App) runSession(ctx context.Context, conn net.Conn, log *slog.Logger) error {
	bus := pipeline.NewBus(log)
	defer bus.Close()

	store := session.NewStore(a.cfg.Server.SystemPrompt, a.cfg.LLM.ContextMax)
	streamer := llmstage.New(a.providers.LLM, llmstage.Config{
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokens,
	}, log)
	synth := a.providers.TTS()
	if c, ok := synth.(io.Closer); ok {
		defer c.Close()
	}
	speaker := ttsstage.New(synth, ttsstage.Config{
		VoiceID:    a.cfg.TTS.VoiceID,
		SampleRate: a.cfg.TTS.SampleRate,
	}, log)
	ctrl := turnctl.New(store, streamer, speaker, bus, log,
		turnctl.WithSink(observe.NewTurnSink(a.metrics)),
	)

	var sttOpts []sttstage.Option
	if a.corrector != nil {
		sttOpts = append(sttOpts, sttstage.WithCorrector(a.corrector))
	}

	runner := pipeline.NewRunner(log)
	runner.Append(vadgate.New(a.providers.VAD, bus, vadgate.Config{
		SampleRate: captureRate,
		Start:      a.cfg.VAD.Start(),
		MinSilence: a.cfg.VAD.MinSilence(),
		Pad:        a.cfg.VAD.Pad(),
	}, log), 0)
	runner.Append(sttstage.New(a.providers.STT, log, sttOpts...), 0)
	runner.Append(ctrl, 0)

	sess := transport.NewSession(conn, bus, captureRate, a.cfg.TTS.SampleRate, log)
	outbound := make(chan frame.Frame, outboundQueueDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return sess.Run(gctx, runner.Input(), outbound) })
	g.Go(func() error {
		// Forward pipeline output to the wire, counting surfaced errors.
		defer close(outbound)
		for f := range runner.Output() {
			if ef, ok := f.(*frame.ErrorFrame); ok {
				a.metrics.RecordPipelineError(gctx, string(ef.Kind), ef.Recoverable)
			}
			select {
			case outbound <- f:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
