// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeProvider)(nil)

// NativeProvider implements stt.Transcriber using the whisper.cpp Go
// bindings. The ggml model is loaded once at construction and shared across
// all calls; each Transcribe creates a fresh whisper context, which is the
// bindings' unit of thread confinement.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// mu serialises inference. whisper.cpp contexts are cheap but the
	// underlying model evaluation saturates the CPU/GPU; concurrent calls
	// would contend rather than parallelise.
	mu sync.Mutex
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription.
// Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements stt.Transcriber.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	if len(pcm) == 0 {
		return stt.Transcript{}, nil
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}

	// The bindings operate on 16 kHz float32 mono.
	if sampleRate != 16000 {
		pcm = audio.ResampleMono16(pcm, sampleRate, 16000)
	}
	samples := pcmToFloat32(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return stt.Transcript{}, err
		}
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		parts = append(parts, segment.Text)
	}

	return stt.Transcript{
		Text:          strings.TrimSpace(strings.Join(parts, " ")),
		AudioDuration: audio.Format{SampleRate: sampleRate, Channels: 1}.Duration(len(pcm)),
	}, nil
}

// pcmToFloat32 converts 16-bit little-endian mono PCM into the normalised
// float32 samples whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}
