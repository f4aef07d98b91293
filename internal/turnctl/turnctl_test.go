package turnctl

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/internal/stage/llmstage"
	"github.com/voicewire/voicewire/internal/stage/ttsstage"
	"github.com/voicewire/voicewire/internal/ttsproc"
	"github.com/voicewire/voicewire/internal/ttswire"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	llmmock "github.com/voicewire/voicewire/pkg/provider/llm/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptParent fakes the TTS subprocess parent: every request yields one PCM
// chunk. The request whose index equals blockAt emits its chunk and then
// stalls until the context is cancelled, simulating mid-playback synthesis.
type scriptParent struct {
	mu      sync.Mutex
	calls   []ttswire.Request
	blockAt int
}

func newScriptParent() *scriptParent { return &scriptParent{blockAt: -1} }

func (p *scriptParent) Speak(ctx context.Context, req ttswire.Request) (<-chan ttsproc.Chunk, <-chan error) {
	p.mu.Lock()
	i := len(p.calls)
	p.calls = append(p.calls, req)
	block := i == p.blockAt
	p.mu.Unlock()

	chunks := make(chan ttsproc.Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		chunks <- ttsproc.Chunk{PCM: make([]byte, 320), SampleRate: 24000}
		if block {
			<-ctx.Done()
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

func (p *scriptParent) requests() []ttswire.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ttswire.Request(nil), p.calls...)
}

// harness wires a Controller with mocks and runs it.
type harness struct {
	store  *session.Store
	llm    *llmmock.Provider
	parent *scriptParent
	bus    *pipeline.Bus
	in     chan frame.Frame
	out    chan frame.Frame
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, systemPrompt string, maxMessages int, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:  session.NewStore(systemPrompt, maxMessages),
		llm:    &llmmock.Provider{},
		parent: newScriptParent(),
		bus:    pipeline.NewBus(testLogger()),
		in:     make(chan frame.Frame, 64),
		out:    make(chan frame.Frame, 256),
		done:   make(chan error, 1),
	}

	streamer := llmstage.New(h.llm, llmstage.Config{Temperature: 0.3, MaxTokens: 512}, testLogger())
	speaker := ttsstage.New(h.parent, ttsstage.Config{VoiceID: "af", SampleRate: 24000}, testLogger())
	c := New(h.store, streamer, speaker, h.bus, testLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- c.Run(ctx, h.in, h.out) }()
	return h
}

// userTurn feeds the upstream frames of one spoken utterance.
func (h *harness) userTurn(turn uint64, text string) {
	h.in <- &frame.VADStartFrame{Meta: frame.Meta{Turn: turn}}
	h.in <- &frame.VADEndFrame{Meta: frame.Meta{Turn: turn}}
	h.in <- &frame.TranscriptFrame{Meta: frame.Meta{Turn: turn}, Text: text, IsFinal: true}
}

// awaitFrame reads output until a frame of type T for the given turn arrives.
func awaitFrame[T frame.Frame](t *testing.T, h *harness, turn uint64) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-h.out:
			if v, ok := f.(T); ok && frame.TurnOf(f) == turn {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T for turn %d", zero, turn)
			return zero
		}
	}
}

func (h *harness) finish(t *testing.T) {
	t.Helper()
	close(h.in)
	select {
	case err := <-h.done:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func roles(msgs []llm.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(m.Role)
	}
	return b.String()
}

func TestBasicTurnCommitsPair(t *testing.T) {
	h := newHarness(t, "You are helpful.", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{Text: "Four."}, {FinishReason: llm.FinishStop}}

	h.userTurn(1, "what is two plus two")

	awaitFrame[*frame.TTSStartedFrame](t, h, 1)
	af := awaitFrame[*frame.AudioOutFrame](t, h, 1)
	if af.SampleRate != 24000 {
		t.Errorf("audio sample rate = %d", af.SampleRate)
	}
	awaitFrame[*frame.TTSStoppedFrame](t, h, 1)
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[1].Content != "what is two plus two" || msgs[2].Content != "Four." {
		t.Errorf("context = %+v", msgs)
	}

	// The prompt carried the system message and the fresh user turn.
	req := h.llm.StreamCalls[0].Req
	if req.SystemPrompt != "You are helpful." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "what is two plus two" {
		t.Errorf("prompt messages = %+v", req.Messages)
	}
	if len(h.parent.requests()) != 1 || h.parent.requests()[0].Text != "Four." {
		t.Errorf("tts requests = %+v", h.parent.requests())
	}
}

func TestBargeInCommitsOnlySpokenPrefix(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{
		{Text: "First sentence. "},
		{Text: "Second sentence."},
		{FinishReason: llm.FinishStop},
	}
	// The second utterance of turn 1 stalls mid-synthesis so the user can
	// barge in while it plays.
	h.parent.blockAt = 1

	h.userTurn(1, "tell me everything")

	// Wait for audio from the stalled second utterance, then barge in.
	awaitFrame[*frame.AudioOutFrame](t, h, 1)
	awaitFrame[*frame.AudioOutFrame](t, h, 1)
	h.bus.Publish(&frame.InterruptFrame{Meta: frame.Meta{Turn: 2}, Reason: frame.InterruptUserSpeech})
	h.userTurn(2, "actually stop")

	awaitFrame[*frame.TTSStoppedFrame](t, h, 2)
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[2].Content != "First sentence." {
		t.Errorf("interrupted assistant text = %q, want only the spoken sentence", msgs[2].Content)
	}
	if strings.Contains(msgs[2].Content, "Second") {
		t.Errorf("committed text the user never heard: %q", msgs[2].Content)
	}
	if msgs[3].Content != "actually stop" {
		t.Errorf("second user turn = %q", msgs[3].Content)
	}
}

func TestUpstreamErrorAbortsTurnWithoutCommit(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{Text: "Hello."}, {FinishReason: llm.FinishStop}}

	// Turn 1 fails in STT before any transcript.
	h.in <- &frame.VADStartFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.VADEndFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.ErrorFrame{Meta: frame.Meta{Turn: 1}, Kind: frame.ErrSTT, Message: "backend down", Recoverable: true}

	ef := awaitFrame[*frame.ErrorFrame](t, h, 1)
	if ef.Kind != frame.ErrSTT || !ef.Recoverable {
		t.Errorf("error frame = %+v", ef)
	}

	// The session continues: turn 2 runs normally.
	h.userTurn(2, "hello")
	awaitFrame[*frame.TTSStoppedFrame](t, h, 2)
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[1].Content != "hello" {
		t.Errorf("user text = %q", msgs[1].Content)
	}
}

func TestEmptyReplyCommitsEmptyAssistant(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{FinishReason: llm.FinishStop}}

	h.userTurn(1, "say nothing")

	// No synthesis happens; wait for the commit instead of a frame.
	deadline := time.Now().Add(5 * time.Second)
	for h.store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[2].Content != "" {
		t.Errorf("assistant text = %q, want empty", msgs[2].Content)
	}
	if len(h.parent.requests()) != 0 {
		t.Errorf("empty reply reached TTS: %+v", h.parent.requests())
	}
}

func TestEmptyTranscriptRetiresTurnImmediately(t *testing.T) {
	// Default transcribe deadline (double-digit seconds): if retirement
	// leaned on the timer, turn 2 below would miss the await window.
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{Text: "Hi."}, {FinishReason: llm.FinishStop}}

	// Turn 1's utterance was silence: the STT stage sends the empty final
	// transcript instead of dropping the turn on the floor.
	h.in <- &frame.VADStartFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.VADEndFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.TranscriptFrame{Meta: frame.Meta{Turn: 1}, Text: "", IsFinal: true}

	h.userTurn(2, "hello again")
	awaitFrame[*frame.TTSStoppedFrame](t, h, 2)
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[1].Content != "hello again" {
		t.Errorf("user text = %q", msgs[1].Content)
	}
	if len(h.llm.StreamCalls) != 1 {
		t.Errorf("llm calls = %d, want 1 (silent turn must not prompt)", len(h.llm.StreamCalls))
	}
}

func TestDrainEchoedAfterSilentRetirement(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)

	// Drain lands while turn 1 is still transcribing; the echo must follow
	// as soon as the silent turn retires.
	h.in <- &frame.VADStartFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.VADEndFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.SystemFrame{Kind: frame.SysDrain}
	h.in <- &frame.TranscriptFrame{Meta: frame.Meta{Turn: 1}, Text: "", IsFinal: true}

	sf := awaitFrame[*frame.SystemFrame](t, h, 0)
	if sf.Kind != frame.SysDrain {
		t.Fatalf("system frame = %+v", sf)
	}
	h.finish(t)

	if h.store.Len() != 0 {
		t.Errorf("context mutated by a silent turn: %+v", h.store.Snapshot())
	}
}

func TestSilentUtteranceRetiresByDeadline(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages, WithTranscribeDeadline(30*time.Millisecond))
	h.llm.StreamChunks = []llm.Chunk{{Text: "Hi."}, {FinishReason: llm.FinishStop}}

	// Turn 1's utterance was silence: the STT stage emits nothing.
	h.in <- &frame.VADStartFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.VADEndFrame{Meta: frame.Meta{Turn: 1}}
	time.Sleep(80 * time.Millisecond)

	// A late transcript for the retired turn must be ignored, and the
	// next turn must proceed.
	h.in <- &frame.TranscriptFrame{Meta: frame.Meta{Turn: 1}, Text: "ghost", IsFinal: true}
	h.userTurn(2, "hello again")
	awaitFrame[*frame.TTSStoppedFrame](t, h, 2)
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[1].Content != "hello again" {
		t.Errorf("user text = %q", msgs[1].Content)
	}
}

func TestClientInterruptDiscardsUncommittedTurn(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{Text: "Hi."}, {FinishReason: llm.FinishStop}}

	h.in <- &frame.VADStartFrame{Meta: frame.Meta{Turn: 1}}
	h.in <- &frame.VADEndFrame{Meta: frame.Meta{Turn: 1}}
	// Let the turn reach TRANSCRIBING before interrupting, and let the
	// interrupt land before delivering the now-stale transcript.
	time.Sleep(50 * time.Millisecond)
	h.bus.Publish(&frame.InterruptFrame{Meta: frame.Meta{Turn: 1}, Reason: frame.InterruptClient})
	time.Sleep(50 * time.Millisecond)
	h.in <- &frame.TranscriptFrame{Meta: frame.Meta{Turn: 1}, Text: "too late", IsFinal: true}

	h.userTurn(2, "next")
	awaitFrame[*frame.TTSStoppedFrame](t, h, 2)
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
	if msgs[1].Content != "next" {
		t.Errorf("user text = %q", msgs[1].Content)
	}
}

func TestDrainStopsNewTurns(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{Text: "Done."}, {FinishReason: llm.FinishStop}}

	h.in <- &frame.SystemFrame{Kind: frame.SysDrain}
	sf := awaitFrame[*frame.SystemFrame](t, h, 0)
	if sf.Kind != frame.SysDrain {
		t.Fatalf("system frame = %+v", sf)
	}

	// New speech after drain must not start a turn.
	h.userTurn(1, "one more thing")
	h.finish(t)

	if h.store.Len() != 0 {
		t.Errorf("context mutated after drain: %+v", h.store.Snapshot())
	}
	if len(h.llm.StreamCalls) != 0 {
		t.Errorf("llm called after drain")
	}
}

func TestDrainMidTurnCompletesCurrentTurn(t *testing.T) {
	h := newHarness(t, "sys", session.DefaultMaxMessages)
	h.llm.StreamChunks = []llm.Chunk{{Text: "Finishing up."}, {FinishReason: llm.FinishStop}}

	h.userTurn(1, "last question")
	h.in <- &frame.SystemFrame{Kind: frame.SysDrain}

	// The in-flight turn completes through DONE before drain is echoed.
	awaitFrame[*frame.TTSStoppedFrame](t, h, 1)
	sf := awaitFrame[*frame.SystemFrame](t, h, 0)
	if sf.Kind != frame.SysDrain {
		t.Fatalf("system frame = %+v", sf)
	}
	h.finish(t)

	msgs := h.store.Snapshot()
	if roles(msgs) != "system user assistant" {
		t.Fatalf("context roles = %q", roles(msgs))
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []TurnMetrics
}

func (s *recordingSink) RecordTurn(m TurnMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, m)
}

func (s *recordingSink) all() []TurnMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnMetrics(nil), s.records...)
}

func TestTurnMetricsRecorded(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, "sys", session.DefaultMaxMessages, WithSink(sink))
	h.llm.StreamChunks = []llm.Chunk{{Text: "Four."}, {FinishReason: llm.FinishStop}}

	h.userTurn(1, "what is two plus two")
	awaitFrame[*frame.TTSStoppedFrame](t, h, 1)
	h.finish(t)

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	m := recs[0]
	if m.Turn != 1 || m.Interrupted {
		t.Errorf("metrics = %+v", m)
	}
	if m.Created.IsZero() || m.VADEnd.IsZero() || m.STTDone.IsZero() ||
		m.FirstToken.IsZero() || m.FirstAudio.IsZero() || m.Finished.IsZero() {
		t.Errorf("missing timestamps: %+v", m)
	}
	if m.VADEnd.Before(m.Created) || m.Finished.Before(m.FirstAudio) {
		t.Errorf("timestamps out of order: %+v", m)
	}
}
