// Package session holds per-session conversation state.
//
// The central type is [Store], the append-only conversation log consulted for
// prompt assembly. It is written exclusively by the turn controller at turn
// commit points; nothing else mutates it.
package session

import (
	"fmt"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/llm"
)

// DefaultMaxMessages is the default bound on retained non-system messages.
const DefaultMaxMessages = 20

// Store is an ordered conversation log with a pinned system message and a
// bounded tail of user/assistant messages.
//
// Non-system messages alternate strictly: user, assistant, user, assistant.
// When the log grows past its bound, the oldest user/assistant pair is
// evicted; the system message is never evicted. An assistant message with
// empty text is retained for alternation but does not consume eviction
// budget, so an aborted turn cannot displace real history.
//
// All methods are safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	system      string
	maxMessages int
	messages    []llm.Message
}

// NewStore creates a Store with the given pinned system prompt (may be
// empty) and bound on non-system messages. A bound <= 0 falls back to
// DefaultMaxMessages.
func NewStore(systemPrompt string, maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		system:      systemPrompt,
		maxMessages: maxMessages,
	}
}

// AppendUser appends a user message at the start of a turn commit. Eviction
// runs first, so the new turn and its eventual assistant reply never push
// history out mid-turn.
//
// Returns an error if the previous non-system message is also from the user,
// which would break alternation.
func (s *Store) AppendUser(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.messages); n > 0 && s.messages[n-1].Role == "user" {
		return fmt.Errorf("session: append user after user breaks alternation")
	}

	s.evictLocked()
	s.messages = append(s.messages, llm.Message{Role: "user", Content: text})
	return nil
}

// AppendAssistant appends the assistant reply that completes the current
// turn. An empty text is legal (aborted or empty turn) and is recorded for
// alternation without counting against the eviction budget.
//
// Returns an error if there is no preceding user message awaiting a reply.
func (s *Store) AppendAssistant(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.messages); n == 0 || s.messages[n-1].Role != "user" {
		return fmt.Errorf("session: append assistant without pending user message")
	}

	s.messages = append(s.messages, llm.Message{Role: "assistant", Content: text})
	return nil
}

// Snapshot returns a read-only copy of the log for prompt assembly: the
// system message first (when set), then the retained conversation tail.
func (s *Store) Snapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]llm.Message, 0, len(s.messages)+1)
	if s.system != "" {
		out = append(out, llm.Message{Role: "system", Content: s.system})
	}
	out = append(out, s.messages...)
	return out
}

// Len reports the number of retained non-system messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Reset drops all conversation messages. The system message is retained.
// Idempotent.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// evictLocked removes the oldest user/assistant pairs while the budgeted
// message count exceeds the bound. Empty assistant messages do not count
// toward the budget but are evicted along with their pair.
func (s *Store) evictLocked() {
	for s.budgetLocked() > s.maxMessages && len(s.messages) >= 2 {
		s.messages = s.messages[2:]
	}
}

// budgetLocked counts non-system messages with non-empty text.
func (s *Store) budgetLocked() int {
	n := 0
	for _, m := range s.messages {
		if m.Content != "" {
			n++
		}
	}
	return n
}
