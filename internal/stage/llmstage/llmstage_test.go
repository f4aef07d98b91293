package llmstage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	llmmock "github.com/voicewire/voicewire/pkg/provider/llm/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, ch <-chan frame.Frame) []frame.Frame {
	t.Helper()
	var got []frame.Frame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, f)
		case <-deadline:
			t.Fatalf("stream did not close; got %d frames", len(got))
		}
	}
}

var prompt = []frame.Message{
	{Role: "system", Text: "You are a voice assistant."},
	{Role: "user", Text: "what time is it"},
}

func TestStreamEmitsTokensThenDone(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "It is "},
		{Text: "noon."},
		{FinishReason: llm.FinishStop},
	}}
	s := New(p, Config{Temperature: 0.3, MaxTokens: 512}, testLogger())

	got := collect(t, s.Stream(context.Background(), 4, prompt))

	if len(got) != 3 {
		t.Fatalf("got %d frames, want 2 tokens + done", len(got))
	}
	t1 := got[0].(*frame.LLMTokenFrame)
	t2 := got[1].(*frame.LLMTokenFrame)
	if t1.Delta != "It is " || t2.Delta != "noon." {
		t.Errorf("deltas = %q, %q", t1.Delta, t2.Delta)
	}
	if t1.Turn != 4 || t2.Seq <= t1.Seq {
		t.Errorf("stamps: t1=%+v t2=%+v", t1.Meta, t2.Meta)
	}
	if _, ok := got[2].(*frame.LLMDoneFrame); !ok {
		t.Errorf("terminal frame = %T, want LLMDoneFrame", got[2])
	}

	req := p.StreamCalls[0].Req
	if req.SystemPrompt != "You are a voice assistant." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v", req.Messages)
	}
	if req.Temperature != 0.3 || req.MaxTokens != 512 {
		t.Errorf("sampling params = %+v", req)
	}
}

func TestStreamStartFailure(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errors.New("401 unauthorized")}
	s := New(p, Config{}, testLogger())

	got := collect(t, s.Stream(context.Background(), 1, prompt))

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	ef := got[0].(*frame.ErrorFrame)
	if ef.Kind != frame.ErrLLM || !ef.Recoverable {
		t.Errorf("error frame = %+v", ef)
	}
	if !strings.Contains(ef.Message, "401") {
		t.Errorf("message %q lost the cause", ef.Message)
	}
}

func TestStreamMidStreamError(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "partial"},
		{FinishReason: llm.FinishError, Text: "connection reset"},
	}}
	s := New(p, Config{}, testLogger())

	got := collect(t, s.Stream(context.Background(), 2, prompt))

	if len(got) != 2 {
		t.Fatalf("got %d frames, want token + error", len(got))
	}
	ef := got[1].(*frame.ErrorFrame)
	if ef.Kind != frame.ErrLLM || ef.Message != "connection reset" {
		t.Errorf("error frame = %+v", ef)
	}
}

func TestStreamFirstTokenTimeout(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "late"}},
		ChunkDelay: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	s := New(p, Config{FirstTokenTimeout: 20 * time.Millisecond}, testLogger())

	got := collect(t, s.Stream(context.Background(), 3, prompt))

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	ef := got[0].(*frame.ErrorFrame)
	if ef.Kind != frame.ErrTimeout {
		t.Errorf("error frame = %+v", ef)
	}
}

func TestStreamCancellationClosesWithoutTerminal(t *testing.T) {
	release := make(chan struct{})
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "a"}, {Text: "b"}},
		ChunkDelay: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	s := New(p, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Stream(ctx, 5, prompt)
	cancel()
	close(release)

	got := collect(t, ch)
	for _, f := range got {
		switch f.(type) {
		case *frame.LLMDoneFrame, *frame.ErrorFrame:
			t.Fatalf("cancelled stream emitted terminal %T", f)
		}
	}
}

func TestStreamPromptWithoutSystemMessage(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishStop}}}
	s := New(p, Config{}, testLogger())

	collect(t, s.Stream(context.Background(), 1, []frame.Message{
		{Role: "user", Text: "hi"},
	}))

	req := p.StreamCalls[0].Req
	if req.SystemPrompt != "" || len(req.Messages) != 1 {
		t.Errorf("request = %+v", req)
	}
}
