// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer wraps a speech synthesis service (e.g. a local Coqui server,
// a Kokoro model, or the built-in tone generator) and presents a uniform
// streaming interface: one call synthesises one utterance and emits raw PCM
// chunks as they become available, so playback can begin before the full
// utterance is rendered.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one utterance to synthesise.
type Request struct {
	// Text is the utterance to speak. Must be non-empty.
	Text string

	// VoiceID selects the voice. The empty string means the backend's
	// default voice.
	VoiceID string

	// Language is the BCP-47 language code. The empty string means the
	// backend's configured default.
	Language string

	// Speed scales the speaking rate; 1.0 is normal. Zero means normal.
	// Backends that cannot vary rate ignore it.
	Speed float64

	// SampleRate is the desired output rate in Hz for the emitted PCM.
	// Backends resample when their native rate differs. Zero means the
	// backend's native rate.
	SampleRate int
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders req.Text to 16-bit little-endian mono PCM and
	// returns a chunk channel plus an error channel.
	//
	// The chunk channel emits PCM byte slices in playback order and is
	// closed by the implementation when the utterance is complete or ctx
	// is cancelled. The error channel is buffered and receives at most one
	// error after the chunk channel closes; a nil receive (or a closed
	// error channel) means the utterance completed cleanly. Callers must
	// drain the chunk channel and then read the error channel.
	Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error)
}
