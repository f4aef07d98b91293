// Package stt defines the Transcriber interface for speech-to-text backends.
//
// The pipeline segments utterances before transcription (the VAD gate emits
// one complete utterance at a time), so the contract is batch rather than
// streaming: one call transcribes one utterance. Backends that could stream
// partials internally still return a single authoritative result; the STT
// stage decides whether to surface interim transcripts.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation: a cancelled Transcribe call returns promptly with ctx.Err()
// and discards partial work.
package stt

import (
	"context"
	"time"
)

// Transcript is the authoritative result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech content, whitespace-trimmed.
	// Empty means the utterance contained no recognizable speech.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// backend does not report confidence.
	Confidence float64

	// AudioDuration is the duration of the transcribed audio.
	AudioDuration time.Duration
}

// Transcriber is the abstraction over any STT backend.
//
// Transcription must be deterministic for a given utterance when the backend
// is configured with sampling temperature 0.
type Transcriber interface {
	// Transcribe converts one complete utterance of 16-bit little-endian
	// mono PCM at sampleRate into text. An empty Transcript (no error)
	// means silence.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}
