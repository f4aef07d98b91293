package ttschild

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/voicewire/voicewire/internal/ttswire"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/provider/tts/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runServer feeds the given request lines to a Server and returns all
// responses it wrote.
func runServer(t *testing.T, synth tts.Synthesizer, input string) []ttswire.Response {
	t.Helper()

	var out bytes.Buffer
	s := NewServer(synth, 24000, WithLogger(discardLogger()))
	if err := s.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sc := ttswire.NewScanner(&out)
	var resps []ttswire.Response
	for {
		resp, err := sc.NextResponse()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextResponse: %v", err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func types(resps []ttswire.Response) []string {
	out := make([]string, len(resps))
	for i, r := range resps {
		out[i] = r.Type
	}
	return out
}

func TestRequestStream(t *testing.T) {
	synth := &mock.Synthesizer{Chunks: [][]byte{{1, 2}, {3, 4}}}
	resps := runServer(t, synth, `{"text":"Hello."}`+"\n")

	want := []string{ttswire.TypeStarted, ttswire.TypeAudioChunk, ttswire.TypeAudioChunk, ttswire.TypeStopped, ttswire.TypeEOF}
	got := types(resps)
	if len(got) != len(want) {
		t.Fatalf("responses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("responses = %v, want %v", got, want)
		}
	}

	pcm, err := base64.StdEncoding.DecodeString(resps[1].Data)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if !bytes.Equal(pcm, []byte{1, 2}) {
		t.Errorf("chunk payload = %v", pcm)
	}
	if resps[1].SampleRate != 24000 {
		t.Errorf("sample_rate = %d, want 24000", resps[1].SampleRate)
	}
}

func TestLargeChunksAreSplit(t *testing.T) {
	big := make([]byte, ttswire.MaxRawChunkBytes*2+100)
	synth := &mock.Synthesizer{Chunks: [][]byte{big}}
	resps := runServer(t, synth, `{"text":"long"}`+"\n")

	var total int
	for _, r := range resps {
		if r.Type != ttswire.TypeAudioChunk {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if len(pcm) > ttswire.MaxRawChunkBytes {
			t.Errorf("chunk of %d raw bytes exceeds cap", len(pcm))
		}
		total += len(pcm)
	}
	if total != len(big) {
		t.Errorf("reassembled %d bytes, want %d", total, len(big))
	}
}

func TestSynthesisErrorKeepsFraming(t *testing.T) {
	synth := &mock.Synthesizer{Err: errors.New("model exploded"), FailBeforeChunks: true}
	resps := runServer(t, synth, `{"text":"x"}`+"\n")

	got := types(resps)
	want := []string{ttswire.TypeStarted, ttswire.TypeError, ttswire.TypeEOF}
	if len(got) != len(want) {
		t.Fatalf("responses = %v, want %v", got, want)
	}
	if resps[1].Message != "model exploded" {
		t.Errorf("error message = %q", resps[1].Message)
	}
}

func TestPing(t *testing.T) {
	resps := runServer(t, &mock.Synthesizer{}, `{"ping":true}`+"\n")
	if len(resps) != 1 || resps[0].Type != ttswire.TypePong {
		t.Fatalf("responses = %v, want single pong", types(resps))
	}
}

func TestInvalidJSON(t *testing.T) {
	resps := runServer(t, &mock.Synthesizer{}, "not json\n")
	if len(resps) != 1 || resps[0].Type != ttswire.TypeError {
		t.Fatalf("responses = %v, want single error", types(resps))
	}
}

func TestMissingText(t *testing.T) {
	resps := runServer(t, &mock.Synthesizer{}, `{"speed":2.0}`+"\n")
	if len(resps) != 1 || resps[0].Type != ttswire.TypeError {
		t.Fatalf("responses = %v, want single error", types(resps))
	}
}

func TestDefaultVoiceApplied(t *testing.T) {
	synth := &mock.Synthesizer{}
	var out bytes.Buffer
	s := NewServer(synth, 24000, WithVoiceID("af_sarah"), WithLogger(discardLogger()))
	input := `{"text":"a"}` + "\n" + `{"text":"b","voice_id":"override"}` + "\n"
	if err := s.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(synth.Calls) != 2 {
		t.Fatalf("got %d synth calls, want 2", len(synth.Calls))
	}
	if synth.Calls[0].VoiceID != "af_sarah" {
		t.Errorf("default voice = %q", synth.Calls[0].VoiceID)
	}
	if synth.Calls[1].VoiceID != "override" {
		t.Errorf("override voice = %q", synth.Calls[1].VoiceID)
	}
}

func TestExitsOnEOF(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&mock.Synthesizer{}, 24000, WithLogger(discardLogger()))
	if err := s.Run(context.Background(), strings.NewReader(""), &out); err != nil {
		t.Fatalf("Run on empty input: %v", err)
	}
}
