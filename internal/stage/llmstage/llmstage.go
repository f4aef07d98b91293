// Package llmstage streams language-model completions for a turn. Unlike the
// upstream stages it is not chained into the frame pipeline: the turn
// controller invokes it directly once a transcript commits, and cancels it on
// barge-in by cancelling the stream context.
package llmstage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/pkg/provider/llm"
)

const (
	// DefaultQueueDepth is the token channel buffer. The sentence
	// aggregator normally keeps up; the buffer absorbs provider bursts.
	DefaultQueueDepth = 64

	// DefaultFirstTokenTimeout bounds the wait for the first streamed token.
	DefaultFirstTokenTimeout = 3 * time.Second

	// DefaultTotalTimeout bounds the whole completion.
	DefaultTotalTimeout = 30 * time.Second
)

// Config tunes one Streamer.
type Config struct {
	Temperature       float64
	MaxTokens         int
	FirstTokenTimeout time.Duration
	TotalTimeout      time.Duration
	QueueDepth        int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FirstTokenTimeout <= 0 {
		out.FirstTokenTimeout = DefaultFirstTokenTimeout
	}
	if out.TotalTimeout <= 0 {
		out.TotalTimeout = DefaultTotalTimeout
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = DefaultQueueDepth
	}
	return out
}

// Streamer turns assembled prompts into streamed token frames.
type Streamer struct {
	provider llm.Provider
	cfg      Config
	log      *slog.Logger
}

// New creates a Streamer on the given provider.
func New(p llm.Provider, cfg Config, log *slog.Logger) *Streamer {
	return &Streamer{provider: p, cfg: cfg.withDefaults(), log: log}
}

// Stream starts a completion for the given turn and returns the frame
// channel. The channel carries zero or more LLMTokenFrames terminated by
// exactly one LLMDoneFrame or ErrorFrame, then closes. Cancelling ctx stops
// the stream; a cancelled stream closes without a terminal frame.
//
// messages is the full prompt in order: an optional leading system message,
// the retained history, and the current user turn.
func (s *Streamer) Stream(ctx context.Context, turn uint64, messages []frame.Message) <-chan frame.Frame {
	out := make(chan frame.Frame, s.cfg.QueueDepth)
	go func() {
		defer close(out)
		s.run(ctx, turn, messages, out)
	}()
	return out
}

func (s *Streamer) run(ctx context.Context, turn uint64, messages []frame.Message, out chan<- frame.Frame) {
	var seq frame.Sequencer

	emit := func(f frame.Frame) bool {
		select {
		case out <- seq.Stamp(f, turn):
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(kind frame.ErrorKind, msg string) {
		s.log.Warn("completion failed", "turn", turn, "kind", kind, "msg", msg)
		emit(&frame.ErrorFrame{Kind: kind, Message: msg, Recoverable: true})
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancel()

	chunks, err := s.provider.StreamCompletion(streamCtx, buildRequest(messages, s.cfg))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fail(frame.ErrLLM, fmt.Sprintf("start completion: %v", err))
		return
	}

	start := time.Now()
	firstToken := time.NewTimer(s.cfg.FirstTokenTimeout)
	defer firstToken.Stop()

	tokens := 0
	for {
		var waitFirst <-chan time.Time
		if tokens == 0 {
			waitFirst = firstToken.C
		}

		select {
		case <-ctx.Done():
			return
		case <-waitFirst:
			cancel()
			fail(frame.ErrTimeout, fmt.Sprintf("no token within %s", s.cfg.FirstTokenTimeout))
			return
		case chunk, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				// A provider may close the stream on deadline without
				// a terminal error chunk.
				if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
					fail(frame.ErrTimeout, fmt.Sprintf("completion exceeded %s", s.cfg.TotalTimeout))
					return
				}
				s.log.Debug("completion finished",
					"turn", turn, "tokens", tokens, "took", time.Since(start))
				emit(&frame.LLMDoneFrame{})
				return
			}
			if chunk.FinishReason == llm.FinishError {
				if ctx.Err() != nil {
					return
				}
				kind := frame.ErrLLM
				if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
					kind = frame.ErrTimeout
				}
				fail(kind, chunk.Text)
				return
			}
			if chunk.Text != "" {
				tokens++
				if !emit(&frame.LLMTokenFrame{Delta: chunk.Text}) {
					return
				}
			}
		}
	}
}

// buildRequest splits a leading system message into the request's dedicated
// field and maps the rest of the prompt.
func buildRequest(messages []frame.Message, cfg Config) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	for i, m := range messages {
		if i == 0 && m.Role == "system" {
			req.SystemPrompt = m.Text
			continue
		}
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Text})
	}
	return req
}
