package pipeline

import (
	"log/slog"
	"sync"

	"github.com/voicewire/voicewire/internal/frame"
)

// subscriberBuf is the per-subscriber queue depth on the interrupt bus.
// Interrupts are rare and coalescable, so a small buffer suffices.
const subscriberBuf = 16

// Bus broadcasts interrupt frames to every subscriber. It carries signals
// against the data-flow direction: the VAD gate publishes barge-in, the
// controller and the synthesis side subscribe. Delivery is best-effort; a
// subscriber that has fallen subscriberBuf frames behind loses the oldest
// pending frame rather than stalling the publisher.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan frame.Frame
	closed bool
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{log: log, subs: make(map[int]chan frame.Frame)}
}

// Subscribe registers a new subscriber and returns its receive channel and a
// cancel function. The channel closes when cancel is called or the bus shuts
// down.
func (b *Bus) Subscribe() (<-chan frame.Frame, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan frame.Frame, subscriberBuf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers f to all current subscribers. When a subscriber's queue is
// full the oldest pending frame is dropped to make room, so the newest
// interrupt always lands.
func (b *Bus) Publish(f frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- f:
		default:
			select {
			case old := <-ch:
				b.log.Warn("interrupt subscriber lagging, dropped oldest",
					"subscriber", id, "dropped_turn", frame.TurnOf(old))
			default:
			}
			// Holding mu means no concurrent Publish can refill the
			// slot we just freed.
			ch <- f
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Publish and
// Subscribe after Close are safe no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
