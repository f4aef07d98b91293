// Package turnctl implements the turn controller: the per-session state
// machine that watches speech boundaries and transcripts arriving from the
// upstream pipeline, drives LLM generation and synthesis for each turn, and
// owns every commit to the conversation context.
//
// The controller is the single writer of the context store. Commits happen
// only at turn boundaries (completion or interruption), so cancelling
// in-flight generation never leaves partial state behind, and the text
// committed for an interrupted reply never exceeds what the client heard.
package turnctl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/internal/session"
	"github.com/voicewire/voicewire/internal/stage/aggregate"
	"github.com/voicewire/voicewire/internal/stage/llmstage"
	"github.com/voicewire/voicewire/internal/stage/sttstage"
	"github.com/voicewire/voicewire/internal/stage/ttsstage"
)

// State is the lifecycle phase of the current turn.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
	StateDone         State = "done"
)

// Turn is one user utterance and the reply generated for it.
type Turn struct {
	ID            uint64
	State         State
	UserText      string
	AssistantText string

	CreatedAt time.Time
	VADEndAt  time.Time
	STTDoneAt time.Time
}

// TurnMetrics is the latency record emitted per finished turn.
type TurnMetrics struct {
	Turn        uint64
	Created     time.Time
	VADEnd      time.Time
	STTDone     time.Time
	FirstToken  time.Time
	FirstAudio  time.Time
	Finished    time.Time
	Interrupted bool

	UserChars      int
	AssistantChars int
}

// Sink receives per-turn metrics.
type Sink interface {
	RecordTurn(m TurnMetrics)
}

// NopSink discards metrics.
type NopSink struct{}

func (NopSink) RecordTurn(TurnMetrics) {}

// Option configures a Controller.
type Option func(*Controller)

// WithSink installs a metrics sink. Defaults to NopSink.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithTranscribeDeadline overrides how long the controller waits in
// TRANSCRIBING before abandoning a turn the STT stage silently retired.
func WithTranscribeDeadline(d time.Duration) Option {
	return func(c *Controller) { c.transcribeDeadline = d }
}

// Controller runs the turn state machine for one session.
type Controller struct {
	store   *session.Store
	llm     *llmstage.Streamer
	speaker *ttsstage.Speaker
	bus     *pipeline.Bus
	sink    Sink
	log     *slog.Logger

	transcribeDeadline time.Duration
}

var _ pipeline.Stage = (*Controller)(nil)

// New creates a Controller. The bus delivers barge-in and client interrupts.
func New(store *session.Store, llm *llmstage.Streamer, speaker *ttsstage.Speaker, bus *pipeline.Bus, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		llm:     llm,
		speaker: speaker,
		bus:     bus,
		sink:    NopSink{},
		log:     log,
		// The STT stage gives up before this fires; the margin covers
		// queueing.
		transcribeDeadline: sttstage.DefaultTimeout + 2*time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements pipeline.Stage.
func (c *Controller) Name() string { return "turnctl" }

// loop is the controller's per-run mutable state, confined to Run.
type loop struct {
	turn     *Turn
	gen      *generation
	draining bool

	// deferred buffers frames for the next turn while the current one is
	// still winding down after an interrupt.
	deferred []frame.Frame

	transcribeTimer *time.Timer
	seq             frame.Sequencer
}

func (l *loop) state() State {
	if l.turn == nil {
		return StateIdle
	}
	return l.turn.State
}

func (l *loop) timerC() <-chan time.Time {
	if l.transcribeTimer == nil {
		return nil
	}
	return l.transcribeTimer.C
}

func (l *loop) stopTimer() {
	if l.transcribeTimer != nil {
		l.transcribeTimer.Stop()
		l.transcribeTimer = nil
	}
}

func (l *loop) genFrames() <-chan frame.Frame {
	if l.gen == nil {
		return nil
	}
	return l.gen.frames
}

// Run implements pipeline.Stage. It consumes the upstream frame flow
// (speech markers, transcripts, errors) and emits the client-bound flow
// (synthesized audio, markers, errors, lifecycle).
func (c *Controller) Run(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error {
	interrupts, cancelSub := c.bus.Subscribe()
	defer cancelSub()

	l := &loop{}
	defer l.stopTimer()

	send := func(f frame.Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.abandonGeneration(l)
			return ctx.Err()

		case f, ok := <-in:
			if !ok {
				// Upstream closed: the session is over. Cancel any
				// in-flight generation and let it wind down.
				if l.gen != nil {
					l.gen.markInterrupted()
					l.gen.cancel()
					c.awaitGeneration(ctx, l, send)
				}
				return nil
			}
			if err := c.handleUpstream(ctx, l, f, send); err != nil {
				return err
			}

		case f, ok := <-interrupts:
			if !ok {
				continue
			}
			if intr, isIntr := f.(*frame.InterruptFrame); isIntr {
				c.handleInterrupt(l, intr)
			}

		case f, ok := <-l.genFrames():
			if !ok {
				if err := c.finishGeneration(ctx, l, send); err != nil {
					return err
				}
				continue
			}
			c.observeGenFrame(l, f)
			if !send(f) {
				c.abandonGeneration(l)
				return ctx.Err()
			}

		case <-l.timerC():
			if l.state() == StateTranscribing {
				// Fallback for a transcript (or its retirement marker)
				// lost on the way down.
				c.log.Debug("transcript never arrived, retiring turn", "turn", l.turn.ID)
				c.discardTurn(l)
				if err := c.echoDrainIfIdle(ctx, l, send); err != nil {
					return err
				}
			}
			l.stopTimer()
		}
	}
}

// handleUpstream dispatches one frame from the pipeline.
func (c *Controller) handleUpstream(ctx context.Context, l *loop, f frame.Frame, send func(frame.Frame) bool) error {
	switch v := f.(type) {
	case *frame.VADStartFrame:
		c.onVADStart(l, v)

	case *frame.VADEndFrame:
		if c.deferIfNextTurn(l, v) {
			return nil
		}
		if l.state() != StateListening || v.Turn != l.turn.ID {
			return nil
		}
		l.turn.State = StateTranscribing
		l.turn.VADEndAt = time.Now()
		l.stopTimer()
		l.transcribeTimer = time.NewTimer(c.transcribeDeadline)

	case *frame.TranscriptFrame:
		if !v.IsFinal {
			return nil
		}
		if c.deferIfNextTurn(l, v) {
			return nil
		}
		if l.state() != StateTranscribing || v.Turn != l.turn.ID {
			return nil
		}
		l.stopTimer()
		if strings.TrimSpace(v.Text) == "" {
			// The utterance transcribed to nothing: retire the turn now
			// rather than waiting out the transcribe deadline.
			c.log.Debug("silent utterance, turn retired", "turn", l.turn.ID)
			c.discardTurn(l)
			return c.echoDrainIfIdle(ctx, l, send)
		}
		c.beginThinking(ctx, l, v.Text)

	case *frame.ErrorFrame:
		// Upstream failures (STT, timeouts) abort the current turn but
		// leave the session and the context untouched.
		if l.turn != nil && v.Turn == l.turn.ID && l.gen == nil {
			c.log.Warn("turn aborted", "turn", l.turn.ID, "kind", v.Kind)
			c.discardTurn(l)
		}
		if !send(v) {
			return ctx.Err()
		}
		return c.echoDrainIfIdle(ctx, l, send)

	case *frame.SystemFrame:
		if v.Kind == frame.SysDrain {
			c.log.Info("drain requested")
			l.draining = true
			if l.state() == StateIdle {
				if !send(l.seq.Stamp(&frame.SystemFrame{Kind: frame.SysDrain}, 0)) {
					return ctx.Err()
				}
			}
		}

	case *frame.AudioInFrame:
		// Tagged capture audio is upstream bookkeeping only.
	}
	return nil
}

// onVADStart handles a speech onset in any state.
func (c *Controller) onVADStart(l *loop, v *frame.VADStartFrame) {
	switch l.state() {
	case StateIdle:
		if l.draining {
			c.log.Debug("draining, ignoring new turn", "turn", v.Turn)
			return
		}
		c.beginTurn(l, v.Turn)

	case StateListening, StateTranscribing:
		// A fresh onset supersedes a turn whose transcript never
		// committed; nothing has been promised to the context yet.
		if v.Turn > l.turn.ID {
			c.discardTurn(l)
			if !l.draining {
				c.beginTurn(l, v.Turn)
			}
		}

	case StateThinking, StateSpeaking:
		// Barge-in observed in-band. The bus interrupt usually lands
		// first; both paths converge here idempotently.
		if v.Turn > l.turn.ID {
			c.interruptCurrent(l, frame.InterruptUserSpeech)
			l.deferred = append(l.deferred, v)
		}
	}
}

func (c *Controller) beginTurn(l *loop, id uint64) {
	l.turn = &Turn{ID: id, State: StateListening, CreatedAt: time.Now()}
	c.log.Debug("turn started", "turn", id)
}

// discardTurn drops the current turn without touching the context.
func (c *Controller) discardTurn(l *loop) {
	l.stopTimer()
	l.turn = nil
}

// echoDrainIfIdle sends the pending drain echo once the controller has
// returned to idle with nothing in flight.
func (c *Controller) echoDrainIfIdle(ctx context.Context, l *loop, send func(frame.Frame) bool) error {
	if !l.draining || l.gen != nil || l.state() != StateIdle {
		return nil
	}
	if !send(l.seq.Stamp(&frame.SystemFrame{Kind: frame.SysDrain}, 0)) {
		return ctx.Err()
	}
	return nil
}

// deferIfNextTurn buffers frames that belong to the turn queued up behind an
// interrupted one.
func (c *Controller) deferIfNextTurn(l *loop, f frame.Frame) bool {
	if l.gen != nil && frame.TurnOf(f) > l.gen.turnID {
		l.deferred = append(l.deferred, f)
		return true
	}
	return false
}

// handleInterrupt applies one frame from the interrupt bus.
func (c *Controller) handleInterrupt(l *loop, intr *frame.InterruptFrame) {
	switch intr.Reason {
	case frame.InterruptUserSpeech:
		// The gate publishes an onset for every utterance, including
		// the one that opened the current turn. Only an onset newer
		// than a turn we are generating for is a barge-in.
		if l.gen != nil && intr.Turn > l.gen.turnID {
			c.interruptCurrent(l, intr.Reason)
		}

	case frame.InterruptClient:
		switch l.state() {
		case StateListening, StateTranscribing:
			c.log.Info("client interrupt, turn discarded", "turn", l.turn.ID)
			c.discardTurn(l)
		case StateThinking, StateSpeaking:
			c.interruptCurrent(l, intr.Reason)
		}

	case frame.InterruptShutdown:
		if l.gen != nil {
			c.interruptCurrent(l, intr.Reason)
		} else if l.turn != nil {
			c.discardTurn(l)
		}
		l.draining = true
	}
}

// interruptCurrent cancels in-flight generation for the current turn. The
// turn is finished and committed when the generation's channel closes.
func (c *Controller) interruptCurrent(l *loop, reason frame.InterruptReason) {
	if l.gen == nil || l.gen.isInterrupted() {
		return
	}
	c.log.Info("turn interrupted", "turn", l.gen.turnID, "reason", reason)
	l.turn.State = StateInterrupted
	l.gen.markInterrupted()
	l.gen.cancel()
}

// beginThinking commits nothing yet: it assembles the prompt from the
// current context plus the fresh transcript and starts generation.
func (c *Controller) beginThinking(ctx context.Context, l *loop, userText string) {
	l.turn.UserText = userText
	l.turn.STTDoneAt = time.Now()
	l.turn.State = StateThinking

	snap := c.store.Snapshot()
	prompt := make([]frame.Message, 0, len(snap)+1)
	for _, m := range snap {
		prompt = append(prompt, frame.Message{Role: m.Role, Text: m.Content})
	}
	prompt = append(prompt, frame.Message{Role: "user", Text: userText})

	l.gen = c.startGeneration(ctx, l.turn.ID, prompt)
}

// observeGenFrame updates turn state from a generation-side frame before it
// is forwarded to the client.
func (c *Controller) observeGenFrame(l *loop, f frame.Frame) {
	switch f.(type) {
	case *frame.TTSStartedFrame:
		if l.turn != nil && l.turn.State == StateThinking {
			l.turn.State = StateSpeaking
		}
	case *frame.AudioOutFrame:
		l.gen.noteFirstAudio()
	}
}

// finishGeneration runs once the generation's frame channel closes: it
// commits the turn, records metrics, and replays any deferred frames.
func (c *Controller) finishGeneration(ctx context.Context, l *loop, send func(frame.Frame) bool) error {
	g := l.gen
	turn := l.turn
	l.gen = nil
	l.turn = nil

	text, acked, firstToken, firstAudio := g.snapshot()

	fatal := g.speakError()
	interrupted := g.isInterrupted()
	llmFailed := g.llmFailed()

	switch {
	case fatal != nil:
		// The speaker already emitted the terminal error frame.
		c.log.Error("session-fatal synthesis failure", "turn", turn.ID, "err", fatal)
		return fmt.Errorf("turnctl: turn %d: %w", turn.ID, fatal)

	case interrupted:
		spoken := truncateSpoken(text, acked)
		turn.AssistantText = spoken
		c.commit(turn.UserText, spoken)
		c.record(turn, firstToken, firstAudio, true)

	case llmFailed:
		// Error frame already forwarded; context stays untouched so the
		// user can simply try again.
		c.log.Warn("turn aborted by generation failure", "turn", turn.ID)

	default:
		full := strings.TrimSpace(string(text))
		turn.AssistantText = full
		turn.State = StateDone
		c.commit(turn.UserText, full)
		c.record(turn, firstToken, firstAudio, false)
	}

	// The next turn's frames may have queued up behind the wind-down.
	deferred := l.deferred
	l.deferred = nil
	for _, f := range deferred {
		if err := c.handleUpstream(ctx, l, f, send); err != nil {
			return err
		}
	}

	if l.draining && l.state() == StateIdle {
		if !send(l.seq.Stamp(&frame.SystemFrame{Kind: frame.SysDrain}, 0)) {
			return ctx.Err()
		}
	}
	return nil
}

// awaitGeneration drains a cancelled generation to completion during
// teardown, still forwarding its frames.
func (c *Controller) awaitGeneration(ctx context.Context, l *loop, send func(frame.Frame) bool) {
	for f := range l.gen.frames {
		c.observeGenFrame(l, f)
		if !send(f) {
			break
		}
	}
	if err := c.finishGeneration(ctx, l, send); err != nil {
		c.log.Error("teardown commit failed", "err", err)
	}
}

// abandonGeneration cancels generation without draining; used when the
// session context itself is gone.
func (c *Controller) abandonGeneration(l *loop) {
	if l.gen != nil {
		l.gen.cancel()
	}
}

func (c *Controller) commit(userText, assistantText string) {
	if err := c.store.AppendUser(userText); err != nil {
		c.log.Error("context commit failed", "role", "user", "err", err)
		return
	}
	if err := c.store.AppendAssistant(assistantText); err != nil {
		c.log.Error("context commit failed", "role", "assistant", "err", err)
	}
}

func (c *Controller) record(t *Turn, firstToken, firstAudio time.Time, interrupted bool) {
	c.sink.RecordTurn(TurnMetrics{
		Turn:           t.ID,
		Created:        t.CreatedAt,
		VADEnd:         t.VADEndAt,
		STTDone:        t.STTDoneAt,
		FirstToken:     firstToken,
		FirstAudio:     firstAudio,
		Finished:       time.Now(),
		Interrupted:    interrupted,
		UserChars:      len(t.UserText),
		AssistantChars: len(t.AssistantText),
	})
}

// truncateSpoken returns the reply prefix the client actually heard: the
// full text through the last acknowledged utterance.
func truncateSpoken(text []rune, ackedEnd int) string {
	if ackedEnd > len(text) {
		ackedEnd = len(text)
	}
	return strings.TrimSpace(string(text[:ackedEnd]))
}

// ─── generation ───────────────────────────────────────────────────────────────

// generation is one turn's reply in flight: the LLM stream, the sentence
// aggregator, and the speaker, joined under a cancellable context. Its frame
// channel carries everything bound for the client and closes when all
// workers have finished.
type generation struct {
	turnID uint64
	cancel context.CancelFunc
	frames chan frame.Frame

	mu          sync.Mutex
	text        []rune
	ackedEnd    int
	firstToken  time.Time
	firstAudio  time.Time
	interrupted bool
	llmErr      bool
	speakErr    error
}

// genFrameBuf absorbs bursts so the speaker rarely blocks on the controller.
const genFrameBuf = 16

func (c *Controller) startGeneration(ctx context.Context, turnID uint64, prompt []frame.Message) *generation {
	genCtx, cancel := context.WithCancel(ctx)
	g := &generation{
		turnID: turnID,
		cancel: cancel,
		frames: make(chan frame.Frame, genFrameBuf),
	}

	utts := make(chan aggregate.Utterance, genFrameBuf)
	acks := make(chan int, genFrameBuf)

	var wg sync.WaitGroup
	wg.Add(3)

	// Token pump: LLM stream → aggregator → utterances.
	go func() {
		defer wg.Done()
		defer close(utts)
		agg := aggregate.New()
		for f := range c.llm.Stream(genCtx, turnID, prompt) {
			switch v := f.(type) {
			case *frame.LLMTokenFrame:
				g.noteToken(v.Delta)
				for _, u := range agg.Push(v.Delta) {
					select {
					case utts <- u:
					case <-genCtx.Done():
						return
					}
				}
			case *frame.LLMDoneFrame:
				for _, u := range agg.Flush() {
					select {
					case utts <- u:
					case <-genCtx.Done():
						return
					}
				}
			case *frame.ErrorFrame:
				g.setLLMFailed()
				select {
				case g.frames <- v:
				case <-genCtx.Done():
				}
				cancel()
				return
			}
		}
	}()

	// Speaker: utterances → audio frames + acks.
	go func() {
		defer wg.Done()
		defer close(acks)
		if err := c.speaker.Speak(genCtx, turnID, utts, g.frames, acks); err != nil {
			g.setSpeakErr(err)
			cancel()
		}
	}()

	// Ack cursor: tracks how far the reply has actually been spoken.
	go func() {
		defer wg.Done()
		for end := range acks {
			g.setAcked(end)
		}
	}()

	go func() {
		wg.Wait()
		close(g.frames)
	}()
	return g
}

func (g *generation) noteToken(delta string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.firstToken.IsZero() {
		g.firstToken = time.Now()
	}
	g.text = append(g.text, []rune(delta)...)
}

func (g *generation) noteFirstAudio() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.firstAudio.IsZero() {
		g.firstAudio = time.Now()
	}
}

func (g *generation) setAcked(end int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if end > g.ackedEnd {
		g.ackedEnd = end
	}
}

func (g *generation) setLLMFailed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.llmErr = true
}

func (g *generation) setSpeakErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speakErr = err
}

func (g *generation) markInterrupted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interrupted = true
}

func (g *generation) isInterrupted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interrupted
}

func (g *generation) llmFailed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.llmErr
}

func (g *generation) speakError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speakErr
}

func (g *generation) snapshot() (text []rune, ackedEnd int, firstToken, firstAudio time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.text, g.ackedEnd, g.firstToken, g.firstAudio
}
