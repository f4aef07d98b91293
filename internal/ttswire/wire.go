// Package ttswire defines the newline-delimited JSON protocol spoken between
// the engine and its TTS child process over the child's stdin/stdout.
//
// The parent writes one request object per line. For every synthesis request
// the child answers with a stream of response lines:
//
//	{"type":"started"}
//	{"type":"audio_chunk","sample_rate":24000,"data":"<base64 pcm>"}
//	... zero or more audio_chunk lines ...
//	{"type":"stopped"}
//	{"type":"eof"}
//
// A synthesis failure replaces the chunk stream with a single
// {"type":"error","message":"..."} line; the eof sentinel still follows, so
// the parent can always resynchronise on eof. A malformed request line draws
// a bare error line with no eof. A liveness probe {"ping":true} is answered
// with a single {"type":"pong"} line (no eof).
//
// Stdout carries protocol lines exclusively; the child logs to stderr. One
// request is processed at a time.
package ttswire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxRawChunkBytes caps the raw PCM payload of one audio_chunk line.
	// 16 KiB of PCM expands to ~22 KiB of base64, comfortably below the
	// line-buffer limit.
	MaxRawChunkBytes = 16 * 1024

	// MaxLineBytes is the maximum accepted length of a single protocol
	// line on either side.
	MaxLineBytes = 64 * 1024
)

// Response type discriminators.
const (
	TypeStarted    = "started"
	TypeAudioChunk = "audio_chunk"
	TypeStopped    = "stopped"
	TypeEOF        = "eof"
	TypeError      = "error"
	TypePong       = "pong"
)

// Request is one line written by the parent. Exactly one of Text or Ping is
// set: a non-empty Text asks for synthesis, Ping asks for a liveness pong.
// Optional fields fall back to the child's command-line defaults.
type Request struct {
	Text     string  `json:"text,omitempty"`
	VoiceID  string  `json:"voice_id,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Ping     bool    `json:"ping,omitempty"`
}

// Response is one line written by the child.
type Response struct {
	Type string `json:"type"`

	// SampleRate accompanies audio_chunk responses.
	SampleRate int `json:"sample_rate,omitempty"`

	// Data is the base64-encoded PCM payload of an audio_chunk.
	Data string `json:"data,omitempty"`

	// Message accompanies error responses.
	Message string `json:"message,omitempty"`
}

// Writer serialises protocol messages onto a stream, one JSON object per
// line. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	dst io.Writer
	enc *json.Encoder
}

// NewWriter wraps dst in a line-oriented protocol writer.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, enc: json.NewEncoder(dst)}
}

// WriteRequest emits one request line.
func (w *Writer) WriteRequest(req Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(req); err != nil {
		return fmt.Errorf("ttswire: write request: %w", err)
	}
	return nil
}

// WriteResponse emits one response line.
func (w *Writer) WriteResponse(resp Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(resp); err != nil {
		return fmt.Errorf("ttswire: write response: %w", err)
	}
	return nil
}

// Scanner reads protocol lines from a stream. Not safe for concurrent use.
type Scanner struct {
	sc *bufio.Scanner
}

// NewScanner wraps src in a line-oriented protocol reader enforcing
// MaxLineBytes.
func NewScanner(src io.Reader) *Scanner {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &Scanner{sc: sc}
}

// NextLine returns the next raw line. io.EOF signals a cleanly closed stream.
func (s *Scanner) NextLine() ([]byte, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return nil, fmt.Errorf("ttswire: read line: %w", err)
		}
		return nil, io.EOF
	}
	return s.sc.Bytes(), nil
}

// NextResponse reads and decodes the next response line. io.EOF signals a
// cleanly closed stream.
func (s *Scanner) NextResponse() (Response, error) {
	line, err := s.NextLine()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("ttswire: decode response: %w", err)
	}
	return resp, nil
}
