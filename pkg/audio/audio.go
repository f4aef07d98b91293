// Package audio provides the PCM primitives shared by the pipeline stages and
// capability providers: format descriptions, 16-bit PCM conversion and
// resampling, RMS energy measurement, and a minimal RIFF/WAVE codec used by
// the STT and TTS backends.
//
// All PCM in this package is 16-bit signed little-endian.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Bytes returns the number of PCM bytes spanning d in this format, rounded
// down to a whole sample.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%(f.Channels*2)
}
