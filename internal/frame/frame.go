// Package frame defines the typed messages that flow through the voice
// pipeline. Frames form a closed tagged union: every variant embeds [Meta]
// and implements the unexported marker method, so stages can type-switch
// exhaustively and no package outside this one can add variants.
//
// Every frame except [SystemFrame] belongs to exactly one turn. Stages stamp
// outgoing frames with a per-stage [Sequencer] so that sequence ids within a
// turn are strictly increasing at every stage boundary.
package frame

import "time"

// Meta carries the identity shared by all frame variants: a monotonic
// per-stage sequence id and the id of the turn the frame belongs to.
// Turn 0 means "no turn" and is only valid for SystemFrame.
type Meta struct {
	// Seq is assigned by the emitting stage's Sequencer and is strictly
	// increasing among the frames that stage emits for one turn.
	Seq uint64

	// Turn is the id of the turn this frame belongs to.
	Turn uint64
}

func (m *Meta) frameMeta() *Meta { return m }

// Frame is the sealed interface implemented by all frame variants.
// Frames are always passed as pointers.
type Frame interface {
	frameMeta() *Meta
}

// TurnOf returns the turn id carried by f.
func TurnOf(f Frame) uint64 { return f.frameMeta().Turn }

// SeqOf returns the sequence id carried by f.
func SeqOf(f Frame) uint64 { return f.frameMeta().Seq }

// Sequencer stamps frames with increasing sequence ids. Each stage owns one
// Sequencer; it is not safe for concurrent use (a stage is a single worker).
type Sequencer struct {
	next uint64
}

// Stamp assigns the next sequence id and the given turn id to f and
// returns f for convenient inline use.
func (s *Sequencer) Stamp(f Frame, turn uint64) Frame {
	m := f.frameMeta()
	s.next++
	m.Seq = s.next
	m.Turn = turn
	return f
}

// ─── Audio frames ─────────────────────────────────────────────────────────────

// AudioInFrame is a block of raw capture audio from the client.
type AudioInFrame struct {
	Meta

	// PCM is 16-bit little-endian linear PCM.
	PCM        []byte
	SampleRate int
	Channels   int

	// Timestamp marks when this block was captured, relative to session start.
	Timestamp time.Duration

	// InSpeech is set by the VAD gate on frames that fall inside a detected
	// speech segment. Upstream of the gate it is always false.
	InSpeech bool
}

// AudioOutFrame is a block of synthesized playback audio bound for the client.
type AudioOutFrame struct {
	Meta

	PCM        []byte
	SampleRate int
	Channels   int
}

// UserSpeechFrame is one complete segmented utterance ready for STT,
// including the pre-speech padding prepended by the VAD gate.
type UserSpeechFrame struct {
	Meta

	PCM        []byte
	SampleRate int
}

// ─── Boundary markers ─────────────────────────────────────────────────────────

// VADStartFrame marks the onset of user speech.
type VADStartFrame struct {
	Meta
}

// VADEndFrame marks the end of user speech after the silence hold-off.
type VADEndFrame struct {
	Meta
}

// TTSStartedFrame marks the start of a synthesized audio stream for a turn.
type TTSStartedFrame struct {
	Meta
}

// TTSStoppedFrame marks the end of a synthesized audio stream for a turn.
type TTSStoppedFrame struct {
	Meta
}

// ─── Text frames ──────────────────────────────────────────────────────────────

// TranscriptFrame carries STT output. Non-final transcripts are advisory;
// exactly one final transcript is emitted per utterance.
type TranscriptFrame struct {
	Meta

	Text    string
	IsFinal bool
}

// Message is one entry of an assembled LLM prompt.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	Text string
}

// PromptFrame is the assembled LLM input: system message, history, and the
// current user turn, in order.
type PromptFrame struct {
	Meta

	Messages []Message
}

// LLMTokenFrame is one streamed chunk of LLM output.
type LLMTokenFrame struct {
	Meta

	Delta string
}

// LLMDoneFrame terminates the LLM stream for the current turn.
type LLMDoneFrame struct {
	Meta
}

// UtteranceFrame is a sentence-granular chunk of assistant text ready for TTS.
type UtteranceFrame struct {
	Meta

	Text string
}

// ─── Control frames ───────────────────────────────────────────────────────────

// InterruptReason explains why in-flight generation is being cancelled.
type InterruptReason string

const (
	// InterruptUserSpeech is raised by the VAD gate when the user starts
	// speaking while the bot is speaking (barge-in).
	InterruptUserSpeech InterruptReason = "user_speech"

	// InterruptClient is raised when the client sends an explicit interrupt.
	InterruptClient InterruptReason = "client"

	// InterruptShutdown is raised during session teardown.
	InterruptShutdown InterruptReason = "shutdown"
)

// InterruptFrame cancels in-flight generation and playback for its turn.
// It travels on the session's interrupt bus, not the data path.
type InterruptFrame struct {
	Meta

	Reason InterruptReason
}

// ErrorKind is the stable error taxonomy token surfaced to clients.
type ErrorKind string

const (
	ErrProtocol     ErrorKind = "protocol"
	ErrConfig       ErrorKind = "config"
	ErrModelLoad    ErrorKind = "model_load"
	ErrSTT          ErrorKind = "stt"
	ErrLLM          ErrorKind = "llm"
	ErrTTS          ErrorKind = "tts"
	ErrTimeout      ErrorKind = "timeout"
	ErrChildExit    ErrorKind = "child_exit"
	ErrBackpressure ErrorKind = "backpressure"
)

// ErrorFrame reports a pipeline failure. Recoverable errors leave the session
// open; unrecoverable ones terminate it.
type ErrorFrame struct {
	Meta

	Kind        ErrorKind
	Message     string
	Recoverable bool
}

// SystemKind identifies a lifecycle event.
type SystemKind string

const (
	SysHello  SystemKind = "hello"
	SysAccept SystemKind = "accept"
	SysDrain  SystemKind = "drain"
	SysStart  SystemKind = "start"
	SysStop   SystemKind = "stop"
)

// SystemFrame carries session lifecycle signals. It is the only frame variant
// that belongs to no turn.
type SystemFrame struct {
	Meta

	Kind SystemKind
}
