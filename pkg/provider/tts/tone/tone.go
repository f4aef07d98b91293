// Package tone provides an offline tts.Synthesizer that renders utterances as
// sine tones. It exists so the full audio path can run without a speech model:
// output duration scales with text length and the pitch is derived from the
// voice ID, making results deterministic and recognisable in recordings.
package tone

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/voicewire/voicewire/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

const (
	defaultSampleRate = 24000

	// perCharDuration approximates a 150 wpm speaking rate.
	perCharDuration = 60 * time.Millisecond

	minDuration = 200 * time.Millisecond
	maxDuration = 10 * time.Second

	// pcmChunkSize matches the chunking of the HTTP backends.
	pcmChunkSize = 4096

	basePitchHz  = 220.0
	pitchSpanHz  = 440.0
	amplitude    = 0.25
	fadeDuration = 10 * time.Millisecond
)

// Synthesizer implements tts.Synthesizer with generated sine tones. The zero
// value is ready to use.
type Synthesizer struct{}

// New returns a ready-to-use tone Synthesizer.
func New() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		rate := req.SampleRate
		if rate <= 0 {
			rate = defaultSampleRate
		}
		pcm := render(req.Text, req.VoiceID, rate, req.Speed)

		for len(pcm) > 0 {
			end := min(pcmChunkSize, len(pcm))
			select {
			case chunks <- pcm[:end]:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			pcm = pcm[end:]
		}
	}()

	return chunks, errs
}

// render produces the full utterance as 16-bit LE mono PCM. speed scales the
// simulated speaking rate, shortening the tone the way faster speech would.
func render(text, voiceID string, rate int, speed float64) []byte {
	d := time.Duration(len(text)) * perCharDuration
	if speed > 0 {
		d = time.Duration(float64(d) / speed)
	}
	d = max(minDuration, min(maxDuration, d))

	freq := pitchFor(voiceID)
	n := int(float64(rate) * d.Seconds())
	fadeSamples := int(float64(rate) * fadeDuration.Seconds())

	out := make([]byte, n*2)
	for i := range n {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))

		// Fade in/out to avoid clicks at utterance boundaries.
		if i < fadeSamples {
			v *= float64(i) / float64(fadeSamples)
		}
		if rem := n - 1 - i; rem < fadeSamples {
			v *= float64(rem) / float64(fadeSamples)
		}

		sample := int16(v * math.MaxInt16)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// pitchFor maps a voice ID onto a stable frequency in
// [basePitchHz, basePitchHz+pitchSpanHz).
func pitchFor(voiceID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(voiceID))
	return basePitchHz + pitchSpanHz*float64(h.Sum32()%1000)/1000.0
}
