// Package ttsproc implements the parent half of the TTS subprocess protocol:
// it supervises the child process, forwards synthesis requests over stdin,
// and streams decoded PCM chunks back to the engine.
//
// The child is spawned lazily on the first request and reused across
// utterances. If it exits, the parent respawns it, at most MaxRestarts times
// within RestartWindow; past that budget the failure is unrecoverable and
// surfaced as ErrRestartBudget. One request is in flight at a time.
package ttsproc

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/voicewire/voicewire/internal/ttswire"
)

// Sentinel errors surfaced by Speak.
var (
	// ErrChildExited reports that the child process died mid-session. The
	// next request respawns it, budget permitting.
	ErrChildExited = errors.New("ttsproc: child process exited")

	// ErrRestartBudget reports that the child died too often and will not
	// be respawned.
	ErrRestartBudget = errors.New("ttsproc: child restart budget exhausted")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("ttsproc: parent closed")
)

const (
	defaultMaxRestarts   = 3
	defaultRestartWindow = 30 * time.Second

	// shutdownGrace is how long Close waits for a clean exit after
	// closing the child's stdin before killing it.
	shutdownGrace = 2 * time.Second

	// drainTimeout bounds how long a cancelled request waits for the
	// child's eof sentinel before the child is killed.
	drainTimeout = 5 * time.Second

	// idleProbeAfter is the idle period after which the supervisor sends
	// a liveness ping.
	idleProbeAfter = 30 * time.Second

	// chunkChanBuf is the buffer depth of the chunk channel returned by
	// Speak.
	chunkChanBuf = 64
)

// Chunk is one decoded PCM chunk received from the child.
type Chunk struct {
	PCM        []byte
	SampleRate int
}

// Option is a functional option for configuring a Parent.
type Option func(*Parent)

// WithMaxRestarts overrides the restart budget. Defaults to 3.
func WithMaxRestarts(n int) Option {
	return func(p *Parent) { p.maxRestarts = n }
}

// WithRestartWindow overrides the window the restart budget applies to.
// Defaults to 30 s.
func WithRestartWindow(d time.Duration) Option {
	return func(p *Parent) { p.restartWindow = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Parent) { p.log = log }
}

// WithIdleProbe overrides the idle period before a liveness ping. Zero
// disables probing. Defaults to 30 s.
func WithIdleProbe(d time.Duration) Option {
	return func(p *Parent) { p.idleProbe = d }
}

// Parent supervises one TTS child process. Safe for concurrent use; requests
// are serialised internally.
type Parent struct {
	path string
	args []string
	log  *slog.Logger

	maxRestarts   int
	restartWindow time.Duration
	idleProbe     time.Duration

	mu       sync.Mutex
	child    *child
	restarts []time.Time
	lastUse  time.Time
	closed   bool
	stop     chan struct{}
}

// child bundles one running subprocess with its protocol endpoints.
type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	w     *ttswire.Writer

	// lines carries every stdout protocol line; closed when stdout ends.
	lines chan ttswire.Response
}

// New creates a Parent that will run the child binary at path with args. The
// child is not started until the first request.
func New(path string, args []string, opts ...Option) *Parent {
	p := &Parent{
		path:          path,
		args:          args,
		log:           slog.Default(),
		maxRestarts:   defaultMaxRestarts,
		restartWindow: defaultRestartWindow,
		idleProbe:     idleProbeAfter,
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.idleProbe > 0 {
		go p.idleLoop()
	}
	return p
}

// Speak forwards one synthesis request to the child and returns a chunk
// channel plus an error channel. The chunk channel is closed when the
// utterance completes, the request fails, or ctx is cancelled; the buffered
// error channel then yields the terminal error, if any.
//
// On cancellation the parent drains the child's output to the eof sentinel
// so the protocol stays framed, discarding the remaining chunks.
func (p *Parent) Speak(ctx context.Context, req ttswire.Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, chunkChanBuf)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		p.mu.Lock()
		defer p.mu.Unlock()

		if err := p.speakLocked(ctx, req, chunks); err != nil {
			errs <- err
		}
		p.lastUse = time.Now()
	}()

	return chunks, errs
}

func (p *Parent) speakLocked(ctx context.Context, req ttswire.Request, chunks chan<- Chunk) error {
	if p.closed {
		return ErrClosed
	}
	c, err := p.ensureChildLocked()
	if err != nil {
		return err
	}

	if err := c.w.WriteRequest(req); err != nil {
		p.reapLocked(c)
		return fmt.Errorf("%w: %v", ErrChildExited, err)
	}

	cancelled := false
	for {
		select {
		case resp, ok := <-c.lines:
			if !ok {
				p.reapLocked(c)
				return ErrChildExited
			}
			switch resp.Type {
			case ttswire.TypeEOF:
				if cancelled {
					return ctx.Err()
				}
				return nil
			case ttswire.TypeError:
				// The eof sentinel still follows a synthesis
				// error; resynchronise before reporting it.
				p.log.Warn("child reported synthesis error", "message", resp.Message)
				if err := p.awaitEOF(c); err != nil {
					return err
				}
				return fmt.Errorf("ttsproc: synthesis failed: %s", resp.Message)
			case ttswire.TypeAudioChunk:
				if cancelled {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(resp.Data)
				if err != nil {
					p.log.Warn("undecodable audio chunk", "err", err)
					continue
				}
				select {
				case chunks <- Chunk{PCM: pcm, SampleRate: resp.SampleRate}:
				case <-ctx.Done():
					cancelled = true
				}
			case ttswire.TypeStarted, ttswire.TypeStopped:
				// Stream boundaries; the caller sees chunk arrival
				// and channel close instead.
			default:
				p.log.Warn("unexpected child response", "type", resp.Type)
			}
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
			}
			if err := p.awaitEOF(c); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

// awaitEOF discards child output until the eof sentinel, bounding the wait
// with drainTimeout. A child that does not resynchronise in time is killed.
func (p *Parent) awaitEOF(c *child) error {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for {
		select {
		case resp, ok := <-c.lines:
			if !ok {
				p.reapLocked(c)
				return ErrChildExited
			}
			if resp.Type == ttswire.TypeEOF {
				return nil
			}
		case <-deadline.C:
			p.log.Error("child did not resynchronise, killing", "timeout", drainTimeout)
			p.reapLocked(c)
			return ErrChildExited
		}
	}
}

// Ping verifies the child is alive and responsive. It spawns the child if it
// is not yet running.
func (p *Parent) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	c, err := p.ensureChildLocked()
	if err != nil {
		return err
	}
	if err := c.w.WriteRequest(ttswire.Request{Ping: true}); err != nil {
		p.reapLocked(c)
		return fmt.Errorf("%w: %v", ErrChildExited, err)
	}

	select {
	case resp, ok := <-c.lines:
		if !ok {
			p.reapLocked(c)
			return ErrChildExited
		}
		if resp.Type != ttswire.TypePong {
			return fmt.Errorf("ttsproc: unexpected ping response %q", resp.Type)
		}
		p.lastUse = time.Now()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a child process is currently alive.
func (p *Parent) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.child != nil
}

// Close shuts the child down: stdin is closed (the child exits on EOF) and
// SIGTERM is sent; after shutdownGrace it is killed. Close is idempotent.
func (p *Parent) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)

	if p.child == nil {
		return nil
	}
	c := p.child
	p.child = nil

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownGrace):
		p.log.Warn("child did not exit on SIGTERM, killing")
		_ = c.cmd.Process.Kill()
		return <-done
	}
}

// ensureChildLocked returns the running child, spawning one if needed and
// the restart budget allows.
func (p *Parent) ensureChildLocked() (*child, error) {
	if p.child != nil {
		return p.child, nil
	}

	// The first spawn is free; only respawns after a death count against
	// the budget.
	if len(p.restarts) > 0 {
		cutoff := time.Now().Add(-p.restartWindow)
		recent := p.restarts[:0]
		for _, t := range p.restarts {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		p.restarts = recent
		if len(p.restarts) > p.maxRestarts {
			return nil, ErrRestartBudget
		}
	}

	c, err := p.spawn()
	if err != nil {
		return nil, err
	}
	p.child = c
	return c, nil
}

// spawn starts the child binary and wires its pipes.
func (p *Parent) spawn() (*child, error) {
	cmd := exec.Command(p.path, p.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ttsproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ttsproc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ttsproc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ttsproc: start %s: %w", p.path, err)
	}
	p.log.Info("tts child started", "path", p.path, "pid", cmd.Process.Pid)

	c := &child{
		cmd:   cmd,
		stdin: stdin,
		w:     ttswire.NewWriter(stdin),
		lines: make(chan ttswire.Response, chunkChanBuf),
	}

	// Reader goroutine: every stdout line lands on c.lines until EOF.
	go func() {
		defer close(c.lines)
		sc := ttswire.NewScanner(stdout)
		for {
			resp, err := sc.NextResponse()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					p.log.Warn("child stdout error", "err", err)
				}
				return
			}
			c.lines <- resp
		}
	}()

	// Stderr is the child's log stream; relay it line by line.
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 4096), ttswire.MaxLineBytes)
		for sc.Scan() {
			p.log.Info("tts child", "line", sc.Text())
		}
	}()

	return c, nil
}

// reapLocked kills and forgets a dead or wedged child and charges the
// restart budget.
func (p *Parent) reapLocked(c *child) {
	if p.child != c {
		return
	}
	p.child = nil
	p.restarts = append(p.restarts, time.Now())

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	go func() { _ = c.cmd.Wait() }()
	p.log.Warn("tts child reaped", "recentRestarts", len(p.restarts))
}

// idleLoop pings the child when no request has used it for idleProbe.
func (p *Parent) idleLoop() {
	ticker := time.NewTicker(p.idleProbe / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		idle := p.child != nil && time.Since(p.lastUse) >= p.idleProbe
		p.mu.Unlock()
		if !idle {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
			p.log.Warn("idle probe failed", "err", err)
		}
		cancel()
	}
}
