// Package ttschild implements the child half of the TTS subprocess protocol.
//
// The child loads one synthesis backend at start and then serves requests
// from stdin one at a time, streaming base64 PCM chunks to stdout per the
// ttswire protocol. Stderr carries logs, never structured data. The process
// exits cleanly when stdin reaches EOF.
package ttschild

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/voicewire/voicewire/internal/ttswire"
	"github.com/voicewire/voicewire/pkg/provider/tts"
)

// Server drives one synthesis backend over the subprocess protocol.
type Server struct {
	synth tts.Synthesizer
	log   *slog.Logger

	// Defaults applied when a request omits the field.
	voiceID    string
	language   string
	speed      float64
	sampleRate int
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithVoiceID sets the default voice used when a request omits voice_id.
func WithVoiceID(id string) Option {
	return func(s *Server) { s.voiceID = id }
}

// WithLanguage sets the default language code.
func WithLanguage(lang string) Option {
	return func(s *Server) { s.language = lang }
}

// WithSpeed sets the default speaking speed (1.0 = normal).
func WithSpeed(speed float64) Option {
	return func(s *Server) { s.speed = speed }
}

// WithLogger sets the stderr logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a Server that synthesises with synth and emits PCM at
// sampleRate.
func NewServer(synth tts.Synthesizer, sampleRate int, opts ...Option) *Server {
	s := &Server{
		synth:      synth,
		log:        slog.Default(),
		language:   "en-us",
		speed:      1.0,
		sampleRate: sampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run processes requests from in until EOF or ctx cancellation, writing
// protocol lines to out. It returns nil on clean EOF.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := ttswire.NewScanner(in)
	w := ttswire.NewWriter(out)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := sc.NextLine()
		if errors.Is(err, io.EOF) {
			s.log.Info("stdin closed, exiting")
			return nil
		}
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}

		var req ttswire.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("invalid request line", "err", err)
			if werr := w.WriteResponse(ttswire.Response{Type: ttswire.TypeError, Message: "invalid JSON"}); werr != nil {
				return werr
			}
			continue
		}

		if req.Ping {
			if err := w.WriteResponse(ttswire.Response{Type: ttswire.TypePong}); err != nil {
				return err
			}
			continue
		}

		if req.Text == "" {
			if err := w.WriteResponse(ttswire.Response{Type: ttswire.TypeError, Message: "request missing 'text' field"}); err != nil {
				return err
			}
			continue
		}

		if err := s.serveRequest(ctx, w, req); err != nil {
			return err
		}
		// Explicit end-of-stream sentinel so the parent can resynchronise
		// after both success and synthesis failure.
		if err := w.WriteResponse(ttswire.Response{Type: ttswire.TypeEOF}); err != nil {
			return err
		}
	}
}

// serveRequest synthesises one utterance and streams its chunk lines.
// Synthesis failures become protocol error lines, not Go errors; only write
// failures propagate.
func (s *Server) serveRequest(ctx context.Context, w *ttswire.Writer, req ttswire.Request) error {
	voice := req.VoiceID
	if voice == "" {
		voice = s.voiceID
	}
	lang := req.Language
	if lang == "" {
		lang = s.language
	}
	speed := req.Speed
	if speed <= 0 {
		speed = s.speed
	}

	s.log.Debug("synthesis request", "chars", len(req.Text), "voice", voice)

	if err := w.WriteResponse(ttswire.Response{Type: ttswire.TypeStarted}); err != nil {
		return err
	}

	chunks, errs := s.synth.Synthesize(ctx, tts.Request{
		Text:       req.Text,
		VoiceID:    voice,
		Language:   lang,
		Speed:      speed,
		SampleRate: s.sampleRate,
	})

	for pcm := range chunks {
		// Re-split so no line exceeds the raw chunk cap regardless of
		// the backend's native chunking.
		for len(pcm) > 0 {
			end := min(ttswire.MaxRawChunkBytes, len(pcm))
			resp := ttswire.Response{
				Type:       ttswire.TypeAudioChunk,
				SampleRate: s.sampleRate,
				Data:       base64.StdEncoding.EncodeToString(pcm[:end]),
			}
			if err := w.WriteResponse(resp); err != nil {
				return err
			}
			pcm = pcm[end:]
		}
	}

	if err := <-errs; err != nil {
		s.log.Error("synthesis failed", "err", err)
		return w.WriteResponse(ttswire.Response{Type: ttswire.TypeError, Message: err.Error()})
	}

	return w.WriteResponse(ttswire.Response{Type: ttswire.TypeStopped})
}
