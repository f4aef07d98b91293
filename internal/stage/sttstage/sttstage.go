// Package sttstage implements the transcription stage. It turns segmented
// utterances into final transcripts, applying the configured per-request
// timeout and an optional post-transcription text corrector.
package sttstage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/pkg/provider/stt"
)

// DefaultTimeout bounds a single transcription request.
const DefaultTimeout = 10 * time.Second

// Corrector rewrites a transcript before it is emitted. Used to snap
// near-miss domain terms back to their canonical spelling.
type Corrector interface {
	Correct(text string) string
}

// Stage is the STT pipeline stage. It consumes UserSpeechFrames and emits
// one final TranscriptFrame per utterance; everything else passes through.
// A silent utterance yields a final transcript with empty text, which the
// turn controller maps to an immediate discard.
type Stage struct {
	transcriber stt.Transcriber
	corrector   Corrector
	timeout     time.Duration
	log         *slog.Logger
	seq         frame.Sequencer
}

var _ pipeline.Stage = (*Stage)(nil)

// Option configures the stage.
type Option func(*Stage)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Stage) { s.timeout = d }
}

// WithCorrector installs a transcript corrector.
func WithCorrector(c Corrector) Option {
	return func(s *Stage) { s.corrector = c }
}

// New creates the stage around the given transcriber.
func New(t stt.Transcriber, log *slog.Logger, opts ...Option) *Stage {
	s := &Stage{transcriber: t, timeout: DefaultTimeout, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "stt" }

// Run implements pipeline.Stage.
func (s *Stage) Run(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	emit := func(f frame.Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		var f frame.Frame
		var ok bool
		select {
		case f, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}

		us, isSpeech := f.(*frame.UserSpeechFrame)
		if !isSpeech {
			if !emit(f) {
				return ctx.Err()
			}
			continue
		}

		result := s.transcribe(ctx, us)
		if result == nil {
			continue
		}
		if !emit(result) {
			return ctx.Err()
		}
	}
}

// transcribe runs one STT request and returns the frame to emit, or nil when
// the stage is shutting down.
func (s *Stage) transcribe(ctx context.Context, us *frame.UserSpeechFrame) frame.Frame {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	tr, err := s.transcriber.Transcribe(reqCtx, us.PCM, us.SampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		kind := frame.ErrSTT
		if errors.Is(err, context.DeadlineExceeded) {
			kind = frame.ErrTimeout
		}
		s.log.Warn("transcription failed", "turn", us.Turn, "kind", kind, "err", err)
		return s.seq.Stamp(&frame.ErrorFrame{
			Kind:        kind,
			Message:     fmt.Sprintf("transcription: %v", err),
			Recoverable: true,
		}, us.Turn)
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		// Breathing, keyboard noise, a cough. An empty final transcript
		// retires the turn downstream right away instead of leaving the
		// controller waiting out its deadline.
		s.log.Debug("empty transcript, retiring utterance", "turn", us.Turn)
		return s.seq.Stamp(&frame.TranscriptFrame{Text: "", IsFinal: true}, us.Turn)
	}
	if s.corrector != nil {
		text = s.corrector.Correct(text)
	}

	s.log.Debug("transcribed",
		"turn", us.Turn,
		"chars", len(text),
		"confidence", tr.Confidence,
		"took", time.Since(start))
	return s.seq.Stamp(&frame.TranscriptFrame{Text: text, IsFinal: true}, us.Turn)
}
