package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/frame"
	"github.com/voicewire/voicewire/internal/pipeline"
)

const (
	// HandshakeTimeout bounds the wait for the client's accept message.
	HandshakeTimeout = 5 * time.Second

	// backpressureWait is how long an inbound audio frame may wait on a
	// saturated pipeline before older audio is dropped to make room.
	backpressureWait = 5 * time.Second
)

// JSON payload of hello and accept system messages.
type handshakeMsg struct {
	Kind  string `json:"kind"`
	SRIn  int    `json:"sr_in"`
	SROut int    `json:"sr_out"`
	Codec string `json:"codec,omitempty"`
}

// JSON payload of control messages on kind 0x10.
type controlMsg struct {
	Type string `json:"type"`
	Turn uint64 `json:"turn,omitempty"`
}

// JSON payload of error messages on kind 0x20.
type errorMsg struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// JSON payload of system messages on kind 0xFF past the handshake.
type systemMsg struct {
	Kind string `json:"kind"`
}

// Session bridges one client connection to the session pipeline: decoded
// client messages become inbound frames, outbound frames become wire
// messages. Interrupt requests bypass the queue onto the bus.
type Session struct {
	conn  net.Conn
	codec *Codec
	bus   *pipeline.Bus
	log   *slog.Logger

	srIn  int
	srOut int
}

// NewSession wraps an accepted connection. srIn and srOut are the capture
// and playback sample rates announced in the handshake.
func NewSession(conn net.Conn, bus *pipeline.Bus, srIn, srOut int, log *slog.Logger) *Session {
	return &Session{
		conn:  conn,
		codec: NewCodec(conn),
		bus:   bus,
		log:   log,
		srIn:  srIn,
		srOut: srOut,
	}
}

// Run performs the handshake and pumps both directions until the client
// disconnects, the server finishes draining, or ctx is cancelled. It closes
// inbound when no more client frames will arrive; the caller closes the
// connection's pipeline around it.
func (s *Session) Run(ctx context.Context, inbound chan frame.Frame, outbound <-chan frame.Frame) error {
	defer s.conn.Close()

	// Unblock conn reads promptly on cancellation; an abrupt teardown
	// must not wait on a idle client.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	if err := s.handshake(); err != nil {
		s.writeError(frame.ErrProtocol, err.Error(), false)
		return fmt.Errorf("transport: handshake: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, inbound) })
	g.Go(func() error {
		// Once nothing more will be written the session is over; closing
		// the connection unblocks a pending read.
		defer s.conn.Close()
		return s.writeLoop(gctx, outbound)
	})

	err := g.Wait()
	if err != nil && !isDisconnect(err) && ctx.Err() == nil {
		return err
	}
	return nil
}

// handshake announces the server's rates and waits for a matching accept.
func (s *Session) handshake() error {
	hello, err := json.Marshal(handshakeMsg{Kind: "hello", SRIn: s.srIn, SROut: s.srOut, Codec: "pcm16"})
	if err != nil {
		return err
	}
	if err := s.codec.Write(Message{Kind: KindSystem, Payload: hello}); err != nil {
		return err
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return err
	}
	m, err := s.codec.Read()
	if err != nil {
		return fmt.Errorf("no accept within %s: %w", HandshakeTimeout, err)
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	if m.Kind != KindSystem {
		return fmt.Errorf("expected accept, got kind 0x%02x", m.Kind)
	}
	var accept handshakeMsg
	if err := json.Unmarshal(m.Payload, &accept); err != nil {
		return fmt.Errorf("malformed accept: %w", err)
	}
	if accept.Kind != "accept" {
		return fmt.Errorf("expected accept, got %q", accept.Kind)
	}
	if accept.SRIn != s.srIn || accept.SROut != s.srOut {
		return fmt.Errorf("codec mismatch: client %d/%d Hz, server %d/%d Hz",
			accept.SRIn, accept.SROut, s.srIn, s.srOut)
	}
	s.log.Debug("session accepted", "remote", s.conn.RemoteAddr(), "sr_in", s.srIn, "sr_out", s.srOut)
	return nil
}

// readLoop decodes client messages into inbound frames until the stream
// ends. It always closes inbound so the pipeline drains behind it.
func (s *Session) readLoop(ctx context.Context, inbound chan frame.Frame) error {
	defer close(inbound)

	var seq frame.Sequencer
	start := time.Now()

	for {
		m, err := s.codec.Read()
		if err != nil {
			if isDisconnect(err) || ctx.Err() != nil {
				return nil
			}
			s.writeError(frame.ErrProtocol, err.Error(), false)
			return fmt.Errorf("transport: %w", err)
		}

		switch m.Kind {
		case KindAudioIn:
			f := seq.Stamp(&frame.AudioInFrame{
				PCM:        m.Payload,
				SampleRate: s.srIn,
				Channels:   1,
				Timestamp:  time.Since(start),
			}, 0)
			if err := s.pushAudio(ctx, inbound, f); err != nil {
				return nil
			}

		case KindControl:
			var c controlMsg
			if err := json.Unmarshal(m.Payload, &c); err != nil {
				s.writeError(frame.ErrProtocol, fmt.Sprintf("malformed control message: %v", err), false)
				return fmt.Errorf("transport: malformed control message: %w", err)
			}
			if c.Type == "interrupt" {
				s.bus.Publish(&frame.InterruptFrame{
					Meta:   frame.Meta{Turn: c.Turn},
					Reason: frame.InterruptClient,
				})
			}

		case KindSystem:
			var sys systemMsg
			if err := json.Unmarshal(m.Payload, &sys); err != nil {
				s.writeError(frame.ErrProtocol, fmt.Sprintf("malformed system message: %v", err), false)
				return fmt.Errorf("transport: malformed system message: %w", err)
			}
			if sys.Kind == "drain" {
				select {
				case inbound <- &frame.SystemFrame{Kind: frame.SysDrain}:
				case <-ctx.Done():
					return nil
				}
			}

		default:
			s.writeError(frame.ErrProtocol, fmt.Sprintf("client may not send kind 0x%02x", m.Kind), false)
			return fmt.Errorf("transport: client sent kind 0x%02x", m.Kind)
		}
	}
}

// pushAudio enqueues a capture frame. When the pipeline stays saturated past
// backpressureWait, the oldest queued audio is dropped; transcripts and
// lifecycle frames are never dropped.
func (s *Session) pushAudio(ctx context.Context, inbound chan frame.Frame, f frame.Frame) error {
	select {
	case inbound <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backpressureWait):
	}

	return s.shedOldestAudio(ctx, inbound, f)
}

// shedOldestAudio makes room for f by dropping the oldest queued audio
// frame. The queue is unloaded and re-enqueued wholesale so every other
// frame keeps its position; a queued drain request must never slip behind
// younger capture audio. When the queue holds no audio at all, nothing is
// dropped and the final send blocks until the pipeline catches up.
func (s *Session) shedOldestAudio(ctx context.Context, inbound chan frame.Frame, f frame.Frame) error {
	var queued []frame.Frame
unload:
	for {
		select {
		case old := <-inbound:
			queued = append(queued, old)
		default:
			break unload
		}
	}

	dropped := false
	kept := queued[:0]
	for _, q := range queued {
		if _, isAudio := q.(*frame.AudioInFrame); isAudio && !dropped {
			dropped = true
			continue
		}
		kept = append(kept, q)
	}

	for _, q := range append(kept, f) {
		select {
		case inbound <- q:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if dropped {
		s.log.Warn("pipeline saturated, dropped oldest capture audio")
	}
	return nil
}

// writeLoop encodes outbound frames onto the wire. Receiving the drain echo
// ends the session after the flush.
func (s *Session) writeLoop(ctx context.Context, outbound <-chan frame.Frame) error {
	for {
		var f frame.Frame
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-outbound:
			if !ok {
				return nil
			}
			f = v
		}

		switch v := f.(type) {
		case *frame.AudioOutFrame:
			if err := s.codec.Write(Message{Kind: KindAudioOut, Payload: v.PCM}); err != nil {
				return err
			}

		case *frame.TTSStartedFrame:
			if err := s.writeControl(controlMsg{Type: "tts_started", Turn: v.Turn}); err != nil {
				return err
			}

		case *frame.TTSStoppedFrame:
			if err := s.writeControl(controlMsg{Type: "tts_stopped", Turn: v.Turn}); err != nil {
				return err
			}

		case *frame.ErrorFrame:
			s.writeError(v.Kind, v.Message, v.Recoverable)
			if !v.Recoverable {
				return fmt.Errorf("transport: session-fatal error: %s", v.Message)
			}

		case *frame.SystemFrame:
			if v.Kind == frame.SysDrain {
				payload, _ := json.Marshal(systemMsg{Kind: "drain"})
				if err := s.codec.Write(Message{Kind: KindSystem, Payload: payload}); err != nil {
					return err
				}
				s.log.Info("drain complete, closing session")
				return nil
			}
		}
	}
}

func (s *Session) writeControl(c controlMsg) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.codec.Write(Message{Kind: KindControl, Payload: payload})
}

// writeError is best effort; the connection may already be gone.
func (s *Session) writeError(kind frame.ErrorKind, msg string, recoverable bool) {
	payload, err := json.Marshal(errorMsg{Kind: string(kind), Message: msg, Recoverable: recoverable})
	if err != nil {
		return
	}
	if err := s.codec.Write(Message{Kind: KindError, Payload: payload}); err != nil {
		s.log.Debug("error frame not delivered", "err", err)
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
