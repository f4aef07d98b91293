package ttsstage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/stage/aggregate"
	"github.com/voicewire/voicewire/internal/ttsproc"
	"github.com/voicewire/voicewire/internal/ttswire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeParent scripts per-request chunk streams keyed by request order.
type fakeParent struct {
	mu sync.Mutex

	// chunksPerCall[i] is streamed for the i-th Speak call; the last entry
	// repeats. errPerCall works the same way; nil means clean completion.
	chunksPerCall [][]ttsproc.Chunk
	errPerCall    []error

	// hold, when set, blocks each stream after its first chunk until the
	// context is cancelled.
	hold bool

	calls []ttswire.Request
}

func (f *fakeParent) Speak(ctx context.Context, req ttswire.Request) (<-chan ttsproc.Chunk, <-chan error) {
	f.mu.Lock()
	i := len(f.calls)
	f.calls = append(f.calls, req)
	var cs []ttsproc.Chunk
	if len(f.chunksPerCall) > 0 {
		cs = f.chunksPerCall[min(i, len(f.chunksPerCall)-1)]
	}
	var err error
	if len(f.errPerCall) > 0 {
		err = f.errPerCall[min(i, len(f.errPerCall)-1)]
	}
	hold := f.hold
	f.mu.Unlock()

	chunks := make(chan ttsproc.Chunk, len(cs))
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		for j, c := range cs {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if hold && j == 0 {
				<-ctx.Done()
				errs <- ctx.Err()
				return
			}
		}
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func feed(us ...aggregate.Utterance) <-chan aggregate.Utterance {
	ch := make(chan aggregate.Utterance, len(us))
	for _, u := range us {
		ch <- u
	}
	close(ch)
	return ch
}

// runSpeak drives one Speak call to completion and collects its output.
func runSpeak(t *testing.T, s *Speaker, ctx context.Context, us <-chan aggregate.Utterance) ([]frame.Frame, []int, error) {
	t.Helper()

	out := make(chan frame.Frame, 64)
	acks := make(chan int, 16)
	err := s.Speak(ctx, 1, us, out, acks)
	close(out)
	close(acks)

	var frames []frame.Frame
	for f := range out {
		frames = append(frames, f)
	}
	var acked []int
	for a := range acks {
		acked = append(acked, a)
	}
	return frames, acked, err
}

func pcm(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestSpeakEmitsMarkersAudioAndAcks(t *testing.T) {
	fp := &fakeParent{chunksPerCall: [][]ttsproc.Chunk{
		{{PCM: pcm(1, 320), SampleRate: 24000}, {PCM: pcm(2, 320), SampleRate: 24000}},
		{{PCM: pcm(3, 320), SampleRate: 24000}},
	}}
	s := New(fp, Config{VoiceID: "af_bella", SampleRate: 24000}, testLogger())

	frames, acked, err := runSpeak(t, s, context.Background(), feed(
		aggregate.Utterance{Text: "First sentence.", End: 15},
		aggregate.Utterance{Text: "Second.", End: 23},
	))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if len(frames) != 5 {
		t.Fatalf("frames = %d, want started + 3 audio + stopped", len(frames))
	}
	if _, ok := frames[0].(*frame.TTSStartedFrame); !ok {
		t.Errorf("frame 0 = %T", frames[0])
	}
	for i := 1; i <= 3; i++ {
		af, ok := frames[i].(*frame.AudioOutFrame)
		if !ok {
			t.Fatalf("frame %d = %T", i, frames[i])
		}
		if af.SampleRate != 24000 || af.Channels != 1 || af.Turn != 1 {
			t.Errorf("audio frame %d = %+v", i, af.Meta)
		}
	}
	if _, ok := frames[4].(*frame.TTSStoppedFrame); !ok {
		t.Errorf("frame 4 = %T", frames[4])
	}

	if len(acked) != 2 || acked[0] != 15 || acked[1] != 23 {
		t.Errorf("acks = %v, want [15 23]", acked)
	}
	if len(fp.calls) != 2 || fp.calls[0].VoiceID != "af_bella" || fp.calls[0].Text != "First sentence." {
		t.Errorf("requests = %+v", fp.calls)
	}
}

func TestSpeakChildExitIsRecoverable(t *testing.T) {
	fp := &fakeParent{
		chunksPerCall: [][]ttsproc.Chunk{
			nil,
			{{PCM: pcm(1, 320), SampleRate: 24000}},
		},
		errPerCall: []error{ttsproc.ErrChildExited, nil},
	}
	s := New(fp, Config{}, testLogger())

	frames, acked, err := runSpeak(t, s, context.Background(), feed(
		aggregate.Utterance{Text: "Dies.", End: 5},
		aggregate.Utterance{Text: "Works.", End: 12},
	))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	var sawError bool
	for _, f := range frames {
		if ef, ok := f.(*frame.ErrorFrame); ok {
			sawError = true
			if ef.Kind != frame.ErrChildExit || !ef.Recoverable {
				t.Errorf("error frame = %+v", ef)
			}
		}
	}
	if !sawError {
		t.Error("child exit produced no error frame")
	}
	// Only the successful utterance acks.
	if len(acked) != 1 || acked[0] != 12 {
		t.Errorf("acks = %v, want [12]", acked)
	}
}

func TestSpeakRestartBudgetIsFatal(t *testing.T) {
	fp := &fakeParent{errPerCall: []error{ttsproc.ErrRestartBudget}}
	s := New(fp, Config{}, testLogger())

	frames, acked, err := runSpeak(t, s, context.Background(), feed(
		aggregate.Utterance{Text: "Never spoken.", End: 13},
		aggregate.Utterance{Text: "Unreached.", End: 24},
	))
	if !errors.Is(err, ttsproc.ErrRestartBudget) {
		t.Fatalf("Speak error = %v", err)
	}
	if len(acked) != 0 {
		t.Errorf("acks = %v", acked)
	}
	var ef *frame.ErrorFrame
	for _, f := range frames {
		if v, ok := f.(*frame.ErrorFrame); ok {
			ef = v
		}
	}
	if ef == nil || ef.Recoverable {
		t.Errorf("fatal error frame = %+v", ef)
	}
	// The second utterance never reaches the child.
	if len(fp.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(fp.calls))
	}
}

func TestSpeakFirstAudioTimeout(t *testing.T) {
	s := New(&silentParent{}, Config{FirstAudioTimeout: 20 * time.Millisecond}, testLogger())

	frames, acked, err := runSpeak(t, s, context.Background(), feed(
		aggregate.Utterance{Text: "Silence.", End: 8},
	))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(acked) != 0 {
		t.Errorf("acks = %v", acked)
	}
	var ef *frame.ErrorFrame
	for _, f := range frames {
		if v, ok := f.(*frame.ErrorFrame); ok {
			ef = v
		}
	}
	if ef == nil || ef.Kind != frame.ErrTimeout || !ef.Recoverable {
		t.Errorf("error frame = %+v", ef)
	}
}

// silentParent never produces audio until the request context is cancelled.
type silentParent struct{}

func (silentParent) Speak(ctx context.Context, req ttswire.Request) (<-chan ttsproc.Chunk, <-chan error) {
	chunks := make(chan ttsproc.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

func TestSpeakCancellationStopsCleanly(t *testing.T) {
	fp := &fakeParent{
		chunksPerCall: [][]ttsproc.Chunk{{
			{PCM: pcm(1, 320), SampleRate: 24000},
			{PCM: pcm(2, 320), SampleRate: 24000},
		}},
		hold: true,
	}
	s := New(fp, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan frame.Frame, 8)
	acks := make(chan int, 8)
	us := make(chan aggregate.Utterance, 1)
	us <- aggregate.Utterance{Text: "Interrupted mid-flight.", End: 23}

	done := make(chan error, 1)
	go func() { done <- s.Speak(ctx, 1, us, out, acks) }()

	// Wait for the first audio frame, then barge in.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-out:
			if _, ok := f.(*frame.AudioOutFrame); ok {
				goto interrupted
			}
		case <-deadline:
			t.Fatal("no audio before cancel")
		}
	}
interrupted:
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Speak after cancel: %v", err)
	}
	close(acks)
	if _, ok := <-acks; ok {
		t.Error("cancelled utterance must not ack")
	}
}
