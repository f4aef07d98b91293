// Package energy implements [vad.Engine] with a root-mean-square energy
// estimator. It needs no model files and no network, which makes it the
// default backend for air-gapped deployments; a probability is derived from
// the RMS amplitude relative to a configurable noise floor and ceiling with
// exponential smoothing across windows.
package energy

import (
	"errors"
	"fmt"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/provider/vad"
)

const (
	// defaultNoiseFloor is the RMS level (16-bit PCM units) treated as
	// probability 0. 300 corresponds to near-silence on typical capture
	// hardware.
	defaultNoiseFloor = 300.0

	// defaultCeiling is the RMS level treated as probability 1.
	defaultCeiling = 4000.0

	// defaultSmoothing is the exponential smoothing factor applied to the
	// raw per-window probability. Higher values react faster.
	defaultSmoothing = 0.7
)

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithNoiseFloor sets the RMS amplitude mapped to probability 0.
// Default 300.
func WithNoiseFloor(rms float64) Option {
	return func(e *Engine) { e.noiseFloor = rms }
}

// WithCeiling sets the RMS amplitude mapped to probability 1. Default 4000.
func WithCeiling(rms float64) Option {
	return func(e *Engine) { e.ceiling = rms }
}

// WithSmoothing sets the exponential smoothing factor in (0, 1]. Default 0.7.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.smoothing = alpha }
}

// Engine implements vad.Engine using RMS energy. Safe for concurrent use;
// each session carries its own smoothing state.
type Engine struct {
	noiseFloor float64
	ceiling    float64
	smoothing  float64
}

// New returns an energy Engine with the supplied options applied.
func New(opts ...Option) *Engine {
	e := &Engine{
		noiseFloor: defaultNoiseFloor,
		ceiling:    defaultCeiling,
		smoothing:  defaultSmoothing,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.WindowMs <= 0 {
		return nil, fmt.Errorf("energy: invalid window duration %dms", cfg.WindowMs)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.2f exceeds speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		engine:    e,
		cfg:       cfg,
		frameSize: cfg.SampleRate * cfg.WindowMs / 1000 * 2,
	}, nil
}

// session holds the per-stream smoothing and hysteresis state.
type session struct {
	engine    *Engine
	cfg       vad.Config
	frameSize int

	smoothed float64
	inSpeech bool
	closed   bool
}

var errClosed = errors.New("energy: session is closed")

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(window []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(window) != s.frameSize {
		return vad.Event{}, fmt.Errorf("energy: window is %d bytes, want %d", len(window), s.frameSize)
	}

	rms := audio.RMS(window)
	raw := (rms - s.engine.noiseFloor) / (s.engine.ceiling - s.engine.noiseFloor)
	if raw < 0 {
		raw = 0
	} else if raw > 1 {
		raw = 1
	}

	alpha := s.engine.smoothing
	s.smoothed = alpha*raw + (1-alpha)*s.smoothed

	// Dual thresholds: between the two the previous classification holds.
	switch {
	case s.smoothed >= s.cfg.SpeechThreshold:
		s.inSpeech = true
	case s.smoothed <= s.cfg.SilenceThreshold:
		s.inSpeech = false
	}

	return vad.Event{Speech: s.inSpeech, Probability: s.smoothed}, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.smoothed = 0
	s.inSpeech = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}
