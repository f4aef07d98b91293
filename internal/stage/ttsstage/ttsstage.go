// Package ttsstage streams synthesized audio for a turn's utterances. Like
// the LLM stage it is controller-driven rather than chained into the frame
// pipeline: the turn controller feeds it sentence utterances as they
// aggregate and cancels the context on barge-in.
package ttsstage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/stage/aggregate"
	"github.com/voicewire/voicewire/internal/ttsproc"
	"github.com/voicewire/voicewire/internal/ttswire"
	"github.com/voicewire/voicewire/pkg/audio"
)

const (
	// DefaultFirstAudioTimeout bounds the wait for the first PCM chunk of
	// an utterance.
	DefaultFirstAudioTimeout = 2 * time.Second

	// DefaultUtteranceTimeout bounds the synthesis of one utterance.
	DefaultUtteranceTimeout = 15 * time.Second
)

// Config tunes one Speaker.
type Config struct {
	VoiceID           string
	Language          string
	Speed             float64
	SampleRate        int
	FirstAudioTimeout time.Duration
	UtteranceTimeout  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FirstAudioTimeout <= 0 {
		out.FirstAudioTimeout = DefaultFirstAudioTimeout
	}
	if out.UtteranceTimeout <= 0 {
		out.UtteranceTimeout = DefaultUtteranceTimeout
	}
	return out
}

// Synthesizer is the slice of the subprocess parent the Speaker depends on.
// Satisfied by *ttsproc.Parent.
type Synthesizer interface {
	Speak(ctx context.Context, req ttswire.Request) (<-chan ttsproc.Chunk, <-chan error)
}

var _ Synthesizer = (*ttsproc.Parent)(nil)

// Speaker synthesizes utterances through the supervised TTS child.
type Speaker struct {
	parent Synthesizer
	cfg    Config
	log    *slog.Logger
}

// New creates a Speaker on the given subprocess parent.
func New(parent Synthesizer, cfg Config, log *slog.Logger) *Speaker {
	return &Speaker{parent: parent, cfg: cfg.withDefaults(), log: log}
}

// Speak synthesizes utterances for one turn in arrival order, emitting
// TTSStartedFrame before the first audio chunk, AudioOutFrames as synthesis
// progresses, and TTSStoppedFrame when the turn's audio ends. After each
// fully-emitted utterance its End offset is sent on acks, which is how the
// controller learns what the client actually heard.
//
// Recoverable synthesis failures surface as ErrorFrames on out and skip to
// the next utterance. Speak returns a non-nil error only when synthesis is
// unrecoverable (restart budget exhausted); cancelling ctx returns nil.
// Speak does not close out or acks.
func (s *Speaker) Speak(ctx context.Context, turn uint64, utterances <-chan aggregate.Utterance, out chan<- frame.Frame, acks chan<- int) error {
	var seq frame.Sequencer
	started := false

	emit := func(f frame.Frame) bool {
		select {
		case out <- seq.Stamp(f, turn):
			return true
		case <-ctx.Done():
			return false
		}
	}

	defer func() {
		if !started {
			return
		}
		// Best effort on the cancel path; the interrupt already told
		// the client playback is over.
		select {
		case out <- seq.Stamp(&frame.TTSStoppedFrame{}, turn):
		default:
		}
	}()

	for {
		var u aggregate.Utterance
		var ok bool
		select {
		case u, ok = <-utterances:
		case <-ctx.Done():
			return nil
		}
		if !ok {
			if started {
				started = false
				emit(&frame.TTSStoppedFrame{})
			}
			return nil
		}

		if err := s.speakOne(ctx, turn, u, &started, acks, emit); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// speakOne synthesizes a single utterance, emitting its audio and ack.
func (s *Speaker) speakOne(ctx context.Context, turn uint64, u aggregate.Utterance, started *bool, acks chan<- int, emit func(frame.Frame) bool) error {
	uttCtx, cancel := context.WithTimeout(ctx, s.cfg.UtteranceTimeout)
	defer cancel()

	chunks, errs := s.parent.Speak(uttCtx, ttswire.Request{
		Text:     u.Text,
		VoiceID:  s.cfg.VoiceID,
		Language: s.cfg.Language,
		Speed:    s.cfg.Speed,
	})

	firstAudio := time.NewTimer(s.cfg.FirstAudioTimeout)
	defer firstAudio.Stop()

	emitted := 0
	for {
		var waitFirst <-chan time.Time
		if emitted == 0 {
			waitFirst = firstAudio.C
		}

		select {
		case <-ctx.Done():
			cancel()
			drain(chunks, errs)
			return nil
		case <-waitFirst:
			cancel()
			drain(chunks, errs)
			s.log.Warn("no audio from child", "turn", turn, "within", s.cfg.FirstAudioTimeout)
			emit(&frame.ErrorFrame{
				Kind:        frame.ErrTimeout,
				Message:     fmt.Sprintf("synthesis produced no audio within %s", s.cfg.FirstAudioTimeout),
				Recoverable: true,
			})
			return nil
		case c, ok := <-chunks:
			if !ok {
				return s.finishUtterance(ctx, turn, u, errs, emitted, emit, acks)
			}
			if !*started {
				*started = true
				if !emit(&frame.TTSStartedFrame{}) {
					cancel()
					drain(chunks, errs)
					return nil
				}
			}
			emitted++
			pcm := c.PCM
			rate := c.SampleRate
			if s.cfg.SampleRate > 0 && rate != s.cfg.SampleRate {
				// The child declares its own rate; playback runs at the
				// negotiated one.
				pcm = audio.ResampleMono16(pcm, rate, s.cfg.SampleRate)
				rate = s.cfg.SampleRate
			}
			if !emit(&frame.AudioOutFrame{PCM: pcm, SampleRate: rate, Channels: 1}) {
				cancel()
				drain(chunks, errs)
				return nil
			}
		}
	}
}

// finishUtterance classifies the end of one synthesis stream and acks it
// when it completed cleanly.
func (s *Speaker) finishUtterance(ctx context.Context, turn uint64, u aggregate.Utterance, errs <-chan error, emitted int, emit func(frame.Frame) bool, acks chan<- int) error {
	err := <-errs
	if err == nil {
		select {
		case acks <- u.End:
		case <-ctx.Done():
		}
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	switch {
	case errors.Is(err, ttsproc.ErrRestartBudget):
		emit(&frame.ErrorFrame{
			Kind:        frame.ErrTTS,
			Message:     "synthesis unavailable: child restart budget exhausted",
			Recoverable: false,
		})
		return err
	case errors.Is(err, ttsproc.ErrChildExited):
		s.log.Warn("tts child died mid-utterance", "turn", turn, "chunks_emitted", emitted)
		emit(&frame.ErrorFrame{
			Kind:        frame.ErrChildExit,
			Message:     "synthesis child exited; retrying on next utterance",
			Recoverable: true,
		})
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		emit(&frame.ErrorFrame{
			Kind:        frame.ErrTimeout,
			Message:     fmt.Sprintf("synthesis exceeded %s", s.cfg.UtteranceTimeout),
			Recoverable: true,
		})
		return nil
	default:
		emit(&frame.ErrorFrame{
			Kind:        frame.ErrTTS,
			Message:     fmt.Sprintf("synthesis: %v", err),
			Recoverable: true,
		})
		return nil
	}
}

// drain empties a cancelled synthesis stream so the parent's reader can
// finish the protocol exchange.
func drain(chunks <-chan ttsproc.Chunk, errs <-chan error) {
	audio.Drain(chunks)
	audio.Drain(errs)
}
