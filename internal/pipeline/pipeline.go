// Package pipeline provides the session runtime: a chain of concurrent
// stages connected by bounded frame queues, plus the interrupt bus that
// carries cancellation signals against the data-flow direction.
//
// Each stage is one worker goroutine with exclusive ownership of its state.
// Stages communicate only through their input and output channels; the
// runner owns channel lifecycle so a stage never closes its own output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/frame"
)

// DefaultQueueDepth is the buffer of inter-stage queues unless a stage
// requests otherwise.
const DefaultQueueDepth = 64

// DrainDeadline bounds how long a stage may keep running after its input
// closes during graceful shutdown.
const DrainDeadline = 2 * time.Second

// Stage is one concurrent worker in the chain. Run consumes frames from in
// until the channel closes or ctx is cancelled, emitting results on out. The
// runner closes out after Run returns; implementations must never close
// either channel.
//
// A stage passes through frame variants it does not handle so that markers
// emitted upstream reach their consumers further down.
type Stage interface {
	Name() string
	Run(ctx context.Context, in <-chan frame.Frame, out chan<- frame.Frame) error
}

// link pairs a stage with its pre-wired output queue.
type link struct {
	stage Stage
	depth int
	out   chan frame.Frame
}

// Runner wires stages into a chain and supervises their goroutines.
type Runner struct {
	log   *slog.Logger
	links []link
	in    chan frame.Frame
}

// NewRunner creates an empty Runner. Stages run in the order appended.
func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// Append adds a stage whose output queue holds depth frames; depth <= 0
// selects DefaultQueueDepth. Queues are created here, not in Run, so Input
// and Output are usable by goroutines started before Run is scheduled.
func (r *Runner) Append(s Stage, depth int) {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	r.links = append(r.links, link{stage: s, depth: depth, out: make(chan frame.Frame, depth)})
	if r.in == nil {
		r.in = make(chan frame.Frame, depth)
	}
}

// Input returns the channel feeding the first stage. Closing it starts a
// graceful drain: each stage finishes its remaining input, then its output
// closes, rippling down the chain in reverse topological order.
//
// The channel is bidirectional so a saturated producer can reclaim its own
// queued frames when applying a drop-oldest policy.
func (r *Runner) Input() chan frame.Frame { return r.in }

// Output returns the channel carrying the last stage's frames. Valid once a
// stage has been appended.
func (r *Runner) Output() <-chan frame.Frame {
	if len(r.links) == 0 {
		return nil
	}
	return r.links[len(r.links)-1].out
}

// Run wires the queues and runs all stages until the chain drains or ctx is
// cancelled. It returns the first stage error, if any.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.links) == 0 {
		return fmt.Errorf("pipeline: no stages")
	}

	g, ctx := errgroup.WithContext(ctx)

	// The intake forwarder decouples the caller-visible input channel
	// from the first stage queue so the runner can observe input close
	// for the drain watchdog.
	first := make(chan frame.Frame, r.links[0].depth)
	intakeDone := make(chan struct{})
	g.Go(func() error {
		defer close(intakeDone)
		defer close(first)
		for {
			select {
			case f, ok := <-r.in:
				if !ok {
					return nil
				}
				select {
				case first <- f:
				case <-ctx.Done():
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	in := (<-chan frame.Frame)(first)
	upstreamDone := (<-chan struct{})(intakeDone)
	for _, l := range r.links {
		s := l.stage
		stageIn, stageOut, prevDone := in, l.out, upstreamDone
		stageDone := make(chan struct{})

		g.Go(func() error {
			defer close(stageDone)
			defer close(stageOut)

			stageCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go drainWatchdog(s.Name(), r.log, cancel, prevDone, stageDone)

			// Cancellation (parent shutdown or the drain watchdog) is
			// not a stage failure.
			if err := s.Run(stageCtx, stageIn, stageOut); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("stage failed", "stage", s.Name(), "err", err)
				return fmt.Errorf("pipeline: stage %s: %w", s.Name(), err)
			}
			r.log.Debug("stage finished", "stage", s.Name())
			return nil
		})

		in = l.out
		upstreamDone = stageDone
	}

	return g.Wait()
}

// drainWatchdog cancels a stage that keeps running past DrainDeadline after
// its upstream stage has finished (and therefore its input has closed).
func drainWatchdog(name string, log *slog.Logger, cancel context.CancelFunc, upstreamDone, stageDone <-chan struct{}) {
	select {
	case <-stageDone:
		return
	case <-upstreamDone:
	}
	select {
	case <-stageDone:
	case <-time.After(DrainDeadline):
		log.Warn("stage exceeded drain deadline, cancelling", "stage", name)
		cancel()
	}
}
