// Package aggregate assembles streamed LLM deltas into sentence-granular
// utterances for synthesis. Emitting at sentence boundaries keeps
// time-to-first-audio low while giving the synthesizer enough context for
// natural prosody.
package aggregate

import (
	"strings"
	"unicode"
)

// MaxUtteranceChars caps utterance length. A run of text that reaches the cap
// without a sentence boundary is split at the last comma, then at the last
// whitespace, then hard.
const MaxUtteranceChars = 180

// Utterance is one synthesizable chunk of assistant text.
type Utterance struct {
	// Text is the chunk with surrounding whitespace trimmed.
	Text string

	// End is the cumulative rune offset into the full streamed reply that
	// this utterance consumes through. On barge-in the controller commits
	// the reply truncated at the End of the last utterance the client
	// actually heard.
	End int
}

// Aggregator buffers streamed deltas and yields utterances. It is confined
// to one goroutine per turn; a fresh Aggregator (or Reset) starts each reply.
type Aggregator struct {
	pending []rune
	base    int
}

// New creates an empty Aggregator.
func New() *Aggregator { return &Aggregator{} }

// Push appends one streamed delta and returns any utterances it completes,
// in order. The returned slice is often empty.
func (a *Aggregator) Push(delta string) []Utterance {
	a.pending = append(a.pending, []rune(delta)...)
	return a.harvest(false)
}

// Flush terminates the reply, returning the final partial utterance if any
// text remains. Use it when the LLM stream completes.
func (a *Aggregator) Flush() []Utterance {
	out := a.harvest(true)
	return out
}

// Reset discards buffered state so the Aggregator can serve the next reply.
func (a *Aggregator) Reset() {
	a.pending = a.pending[:0]
	a.base = 0
}

func (a *Aggregator) harvest(eos bool) []Utterance {
	var out []Utterance
	for {
		a.skipLeadingSpace()

		n, ok := a.nextBoundary(eos)
		if !ok {
			break
		}
		if u, emitted := a.emit(n); emitted {
			out = append(out, u)
		}
	}
	return out
}

// nextBoundary finds the rune count to cut the next utterance at, or reports
// that no complete utterance is buffered yet.
func (a *Aggregator) nextBoundary(eos bool) (int, bool) {
	p := a.pending
	if len(p) == 0 {
		return 0, false
	}

	limit := min(len(p), MaxUtteranceChars)
	for i := 0; i < limit; i++ {
		if !isTerminal(p[i]) {
			continue
		}
		// A terminator counts only when followed by whitespace (or the
		// end of the reply); "3.14" and "e.g." stream on unbroken.
		if i+1 < len(p) && unicode.IsSpace(p[i+1]) {
			return i + 1, true
		}
		if i == len(p)-1 && eos {
			return i + 1, true
		}
	}

	if len(p) < MaxUtteranceChars {
		if eos {
			return len(p), true
		}
		return 0, false
	}

	// Over the cap with no sentence boundary: prefer a comma, then
	// whitespace, then cut hard.
	for i := limit - 1; i > 0; i-- {
		if p[i] == ',' {
			return i + 1, true
		}
	}
	for i := limit - 1; i > 0; i-- {
		if unicode.IsSpace(p[i]) {
			return i, true
		}
	}
	return limit, true
}

// emit consumes n runes from the buffer. It reports false for chunks that
// trim to nothing, which still advance the offset.
func (a *Aggregator) emit(n int) (Utterance, bool) {
	chunk := a.pending[:n]
	a.base += n
	a.pending = a.pending[n:]

	text := strings.TrimSpace(string(chunk))
	if text == "" {
		return Utterance{}, false
	}
	return Utterance{Text: text, End: a.base}, true
}

func (a *Aggregator) skipLeadingSpace() {
	i := 0
	for i < len(a.pending) && unicode.IsSpace(a.pending[i]) {
		i++
	}
	if i > 0 {
		a.base += i
		a.pending = a.pending[i:]
	}
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':':
		return true
	}
	return false
}
