// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled audio chunks to consumers and to verify
// the requests passed to the TTS backend.
//
// Example:
//
//	s := &mock.Synthesizer{
//	    Chunks: [][]byte{pcm1, pcm2},
//	}
//	chunks, errs := s.Synthesize(ctx, tts.Request{Text: "Hi."})
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer is a mock implementation of tts.Synthesizer. Zero values cause
// Synthesize to emit no chunks and complete cleanly.
type Synthesizer struct {
	mu sync.Mutex

	// Chunks is the sequence of PCM byte slices emitted on the chunk
	// channel of every Synthesize call.
	Chunks [][]byte

	// Err, if non-nil, is delivered on the error channel after the chunks
	// (or instead of them when FailBeforeChunks is set).
	Err error

	// FailBeforeChunks delivers Err without emitting any chunks.
	FailBeforeChunks bool

	// ChunkDelay, when set, is called before emitting each chunk. Use it
	// to exercise first-audio timeout and cancellation paths.
	ChunkDelay func(ctx context.Context) error

	// Calls records every request in order.
	Calls []tts.Request
}

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, <-chan error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	failErr := s.Err
	failEarly := s.FailBeforeChunks
	delay := s.ChunkDelay
	s.mu.Unlock()

	out := make(chan []byte, len(chunks))
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)

		if failEarly && failErr != nil {
			errs <- failErr
			return
		}
		for _, c := range chunks {
			if delay != nil {
				if err := delay(ctx); err != nil {
					errs <- err
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if failErr != nil {
			errs <- failErr
		}
	}()
	return out, errs
}
