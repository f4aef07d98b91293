// Package mock provides a scriptable [vad.Engine] for tests. Sessions return
// a pre-programmed sequence of probabilities, repeating the final value once
// the script is exhausted.
package mock

import (
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/vad"
)

// Compile-time assertion.
var _ vad.Engine = (*Engine)(nil)

// Engine is a scriptable vad.Engine.
type Engine struct {
	// Script is the sequence of speech probabilities returned by successive
	// ProcessFrame calls. When exhausted, the last value repeats; an empty
	// script always returns 0.
	Script []float64
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return &Session{cfg: cfg, script: e.Script}, nil
}

// Session is the mock session handle. Safe for concurrent use so tests can
// drive it from helper goroutines.
type Session struct {
	mu     sync.Mutex
	cfg    vad.Config
	script []float64
	pos    int
	closed bool

	// Frames records every window passed to ProcessFrame.
	Frames [][]byte
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(window []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Frames = append(s.Frames, window)

	var p float64
	if len(s.script) > 0 {
		i := min(s.pos, len(s.script)-1)
		p = s.script[i]
		s.pos++
	}
	return vad.Event{Speech: p >= s.cfg.SpeechThreshold, Probability: p}, nil
}

// Reset implements vad.SessionHandle. It rewinds the script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
