// Package transport implements the client-facing duplex channel: binary
// message framing, the hello/accept handshake, and the per-connection
// session that bridges the wire to the frame pipeline.
//
// The same codec runs over a raw TCP connection or a WebSocket; the
// WebSocket endpoint adapts the socket to a net.Conn and reuses everything
// else unchanged.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Message kind tags on the wire.
const (
	// KindAudioIn carries a client→server PCM16 capture block.
	KindAudioIn byte = 0x01

	// KindAudioOut carries a server→client PCM16 playback block.
	KindAudioOut byte = 0x02

	// KindControl carries a JSON control message (either direction).
	KindControl byte = 0x10

	// KindError carries a server→client JSON error.
	KindError byte = 0x20

	// KindSystem carries a JSON lifecycle message (hello/accept/drain).
	KindSystem byte = 0xFF
)

// MaxPayloadBytes bounds a single wire message. Capture blocks are a few
// KiB; anything near the limit is a protocol violation.
const MaxPayloadBytes = 1 << 20

// Message is one framed wire message: a kind tag and its payload.
type Message struct {
	Kind    byte
	Payload []byte
}

// headerLen is the 4-byte big-endian length prefix plus the kind tag. The
// length counts the kind byte and the payload.
const headerLen = 4

func validKind(k byte) bool {
	switch k {
	case KindAudioIn, KindAudioOut, KindControl, KindError, KindSystem:
		return true
	}
	return false
}

// Codec reads and writes framed messages on a byte stream. Reads are
// single-caller; writes are serialized internally so the write pump and
// error reporting can share the stream.
type Codec struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewCodec wraps a duplex byte stream.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

// Read decodes the next message. It returns io.EOF on a clean stream end
// and a descriptive error on framing violations.
func (c *Codec) Read() (Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("transport: truncated header: %w", err)
		}
		return Message{}, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length < 1 {
		return Message{}, fmt.Errorf("transport: message length %d lacks a kind tag", length)
	}
	if length-1 > MaxPayloadBytes {
		return Message{}, fmt.Errorf("transport: payload %d exceeds %d bytes", length-1, MaxPayloadBytes)
	}

	kind, err := c.r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("transport: read kind: %w", err)
	}
	if !validKind(kind) {
		return Message{}, fmt.Errorf("transport: unknown message kind 0x%02x", kind)
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Message{}, fmt.Errorf("transport: truncated payload: %w", err)
	}
	return Message{Kind: kind, Payload: payload}, nil
}

// Write encodes one message and flushes it.
func (c *Codec) Write(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if !validKind(m.Kind) {
		return fmt.Errorf("transport: unknown message kind 0x%02x", m.Kind)
	}
	if len(m.Payload) > MaxPayloadBytes {
		return fmt.Errorf("transport: payload %d exceeds %d bytes", len(m.Payload), MaxPayloadBytes)
	}

	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(m.Payload)+1))
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if err := c.w.WriteByte(m.Kind); err != nil {
		return fmt.Errorf("transport: write kind: %w", err)
	}
	if _, err := c.w.Write(m.Payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}
