// Package mock provides a scriptable [stt.Transcriber] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/stt"
)

// Compile-time assertion.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber is a scriptable stt.Transcriber. The zero value returns empty
// transcripts for every call.
type Transcriber struct {
	mu sync.Mutex

	// Results are returned in order by successive Transcribe calls; once
	// exhausted the last result repeats.
	Results []stt.Transcript

	// Err, when non-nil, is returned by every Transcribe call.
	Err error

	// Delay, when set, is waited (or the context cancelled) before
	// returning. Use it to exercise cancellation and timeout paths.
	Delay func(ctx context.Context) error

	// Calls records the PCM length and sample rate of every call.
	Calls []Call

	pos int
}

// Call records one Transcribe invocation.
type Call struct {
	PCMLen     int
	SampleRate int
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	if t.Delay != nil {
		if err := t.Delay(ctx); err != nil {
			return stt.Transcript{}, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.Calls = append(t.Calls, Call{PCMLen: len(pcm), SampleRate: sampleRate})

	if t.Err != nil {
		return stt.Transcript{}, t.Err
	}
	if len(t.Results) == 0 {
		return stt.Transcript{}, nil
	}
	i := min(t.pos, len(t.Results)-1)
	t.pos++
	return t.Results[i], nil
}
