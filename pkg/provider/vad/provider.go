// Package vad defines the Engine interface for voice-activity-detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier (an energy estimator, a
// Silero-style model server, or any other probability source) and surfaces it
// as a stateful per-stream session. Each session maintains its own internal
// state so multiple concurrent audio streams can be classified independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// classification, making it suitable for the low-latency gate stage that
// segments utterances for STT. Hysteresis and padding are applied by the gate,
// not here; a session only reports per-window speech probability and the
// resulting raw event.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the PCM frames passed to
	// ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// WindowMs is the duration of each analysis window in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	WindowMs int

	// SpeechThreshold is the probability above which a window is classified
	// as speech. Range [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a window is classified
	// as silence. Must be ≤ SpeechThreshold. Typical: 0.35. Windows scoring
	// between the two thresholds keep the previous classification.
	SilenceThreshold float64
}

// Event is the classification result for a single analysis window.
type Event struct {
	// Speech reports whether the window is classified as speech.
	Speech bool

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame classifies a single analysis window of raw little-endian
	// PCM at the configured SampleRate and WindowMs. It must not block.
	ProcessFrame(window []byte) (Event, error)

	// Reset clears accumulated state without closing the session. Use when
	// the audio stream restarts so stale state cannot bleed into the next
	// segment.
	Reset()

	// Close releases the session's resources. Safe to call more than once.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use; multiple goroutines may call NewSession simultaneously.
type Engine interface {
	// NewSession creates a session with the given configuration, immediately
	// ready to accept windows. Returns an error if the configuration is
	// invalid or resources cannot be allocated.
	NewSession(cfg Config) (SessionHandle, error)
}
