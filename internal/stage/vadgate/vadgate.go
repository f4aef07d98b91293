// Package vadgate implements the voice-activity gate stage. It classifies
// incoming capture audio window by window, applies start/stop hysteresis and
// pre-speech padding, and emits segmented utterances for transcription.
//
// The gate is also the barge-in source: the moment an utterance opens it
// publishes an interrupt on the session bus so in-flight synthesis for the
// previous turn can be cancelled.
package vadgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/provider/vad"
)

const (
	// defaultWindowMs is the analysis window handed to the VAD engine.
	defaultWindowMs = 32

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// Config tunes the gate's hysteresis.
type Config struct {
	// SampleRate of the capture stream in Hz. Frames arriving at another
	// rate or channel count are converted before classification.
	SampleRate int

	// Start is how long speech must be sustained before an utterance opens.
	Start time.Duration

	// MinSilence is the hold-off after the last speech window before the
	// utterance closes.
	MinSilence time.Duration

	// Pad is how much pre-speech audio is prepended to each utterance.
	Pad time.Duration

	// WindowMs overrides the analysis window; 0 selects the default.
	WindowMs int

	// SpeechThreshold and SilenceThreshold override the engine hysteresis
	// band; 0 selects the defaults.
	SpeechThreshold  float64
	SilenceThreshold float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WindowMs <= 0 {
		out.WindowMs = defaultWindowMs
	}
	if out.SpeechThreshold == 0 {
		out.SpeechThreshold = defaultSpeechThreshold
	}
	if out.SilenceThreshold == 0 {
		out.SilenceThreshold = defaultSilenceThreshold
	}
	return out
}

// Gate is the VAD pipeline stage. It consumes AudioInFrames, forwards them
// tagged with their speech classification, and emits VADStartFrame,
// UserSpeechFrame and VADEndFrame around each detected utterance. Other frame
// variants pass through untouched.
type Gate struct {
	cfg    Config
	engine vad.Engine
	bus    *pipeline.Bus
	log    *slog.Logger
}

var _ pipeline.Stage = (*Gate)(nil)

// New creates a gate using the given engine for per-window classification.
// Interrupts for barge-in are published on bus.
func New(engine vad.Engine, bus *pipeline.Bus, cfg Config, log *slog.Logger) *Gate {
	return &Gate{cfg: cfg.withDefaults(), engine: engine, bus: bus, log: log}
}

// Name implements pipeline.Stage.
func (g *Gate) Name() string { return "vadgate" }

// Run implements pipeline.Stage.
func (g *Gate) Run(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	cfg := g.cfg
	sess, err := g.engine.NewSession(vad.Config{
		SampleRate:       cfg.SampleRate,
		WindowMs:         cfg.WindowMs,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("vadgate: create session: %w", err)
	}
	defer sess.Close()

	st := newGateState(cfg)

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
			// Stream ended mid-utterance: close it out so the words
			// already spoken still reach transcription.
			if st.active {
				for _, fl := range st.finish() {
					if !emit(fl) {
						return ctx.Err()
					}
				}
			}
			return nil
		}

		af, isAudio := f.(*frame.AudioInFrame)
		if !isAudio {
			if !emit(f) {
				return ctx.Err()
			}
			continue
		}

		pcm := af.PCM
		if af.SampleRate != cfg.SampleRate || af.Channels > 1 {
			pcm = audio.ToMono16(pcm, audio.Format{
				SampleRate: af.SampleRate,
				Channels:   max(af.Channels, 1),
			}, cfg.SampleRate)
		}

		events, err := st.push(pcm, sess)
		if err != nil {
			return fmt.Errorf("vadgate: %w", err)
		}

		af.InSpeech = st.active
		st.seq.Stamp(af, st.turn)
		if !emit(af) {
			return ctx.Err()
		}

		for _, ev := range events {
			if start, isStart := ev.(*frame.VADStartFrame); isStart {
				g.log.Debug("speech started", "turn", start.Turn)
				// Barge-in signal. Subscribers that are not mid-
				// synthesis ignore it.
				g.bus.Publish(&frame.InterruptFrame{
					Meta:   frame.Meta{Turn: start.Turn},
					Reason: frame.InterruptUserSpeech,
				})
			}
			if !emit(ev) {
				return ctx.Err()
			}
		}
	}
}

// gateState holds the hysteresis state machine. It is confined to the stage
// goroutine.
type gateState struct {
	cfg Config
	seq frame.Sequencer

	windowBytes  int
	startWins    int
	silenceWins  int
	padWins      int

	partial []byte   // bytes not yet filling a whole window
	padRing [][]byte // most recent pre-speech windows, oldest first
	pending [][]byte // candidate speech run while idle

	active     bool
	turn       uint64
	speechRun  int
	silenceRun int
	utterance  []byte
}

func newGateState(cfg Config) *gateState {
	bytesPerMs := cfg.SampleRate * 2 / 1000
	return &gateState{
		cfg:         cfg,
		windowBytes: cfg.WindowMs * bytesPerMs,
		startWins:   ceilDiv(int(cfg.Start.Milliseconds()), cfg.WindowMs),
		silenceWins: ceilDiv(int(cfg.MinSilence.Milliseconds()), cfg.WindowMs),
		padWins:     ceilDiv(int(cfg.Pad.Milliseconds()), cfg.WindowMs),
	}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// push feeds pcm into the window re-buffer, classifies each complete window,
// and returns the boundary frames produced, in order.
func (s *gateState) push(pcm []byte, sess vad.SessionHandle) ([]frame.Frame, error) {
	s.partial = append(s.partial, pcm...)

	var events []frame.Frame
	for len(s.partial) >= s.windowBytes {
		w := make([]byte, s.windowBytes)
		copy(w, s.partial[:s.windowBytes])
		s.partial = s.partial[s.windowBytes:]

		ev, err := sess.ProcessFrame(w)
		if err != nil {
			return events, fmt.Errorf("classify window: %w", err)
		}
		events = append(events, s.step(w, ev.Speech)...)
	}
	return events, nil
}

// step advances the hysteresis machine by one classified window.
func (s *gateState) step(w []byte, speech bool) []frame.Frame {
	if !s.active {
		if !speech {
			// A broken candidate run is just recent audio; it joins
			// the pad ring so a retry keeps its lead-in.
			for _, pw := range s.pending {
				s.pushPad(pw)
			}
			s.pending = s.pending[:0]
			s.speechRun = 0
			s.pushPad(w)
			return nil
		}

		s.pending = append(s.pending, w)
		s.speechRun++
		if s.speechRun < s.startWins {
			return nil
		}

		s.active = true
		s.turn++
		s.silenceRun = 0
		s.utterance = s.utterance[:0]
		for _, pw := range s.padRing {
			s.utterance = append(s.utterance, pw...)
		}
		for _, pw := range s.pending {
			s.utterance = append(s.utterance, pw...)
		}
		s.padRing = s.padRing[:0]
		s.pending = s.pending[:0]
		s.speechRun = 0
		return []frame.Frame{s.seq.Stamp(&frame.VADStartFrame{}, s.turn)}
	}

	s.utterance = append(s.utterance, w...)
	if speech {
		s.silenceRun = 0
		return nil
	}
	s.silenceRun++
	if s.silenceRun < s.silenceWins {
		return nil
	}
	return s.finish()
}

// finish closes the open utterance, emitting the end marker and the
// segmented audio.
func (s *gateState) finish() []frame.Frame {
	pcm := make([]byte, len(s.utterance))
	copy(pcm, s.utterance)

	events := []frame.Frame{
		s.seq.Stamp(&frame.VADEndFrame{}, s.turn),
		s.seq.Stamp(&frame.UserSpeechFrame{PCM: pcm, SampleRate: s.cfg.SampleRate}, s.turn),
	}

	s.active = false
	s.utterance = s.utterance[:0]
	s.silenceRun = 0
	return events
}

func (s *gateState) pushPad(w []byte) {
	if s.padWins == 0 {
		return
	}
	s.padRing = append(s.padRing, w)
	if len(s.padRing) > s.padWins {
		s.padRing = s.padRing[1:]
	}
}
