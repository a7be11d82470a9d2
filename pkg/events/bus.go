package events

import (
	"log"
	"sync"
)

// DefaultQueueSize is the per-subscriber buffer. Past it the bus drops the
// subscriber's oldest event rather than block the publisher; an unbounded
// queue would let a stalled consumer grow memory without limit.
const DefaultQueueSize = 256

// Bus fans events out from the network goroutines to any number of
// subscribers. Publishing never blocks. Delivery order is preserved per
// publishing goroutine; no total order is guaranteed across components.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	queueSize int
	closed    bool
}

// Subscription is one consumer's bounded view of the event stream. C is
// closed when the subscription or the bus shuts down.
type Subscription struct {
	C  <-chan Event
	id int
	b  *Bus
}

// NewBus creates a bus with the given per-subscriber queue size. Sizes below
// one fall back to DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[int]chan Event),
		queueSize: queueSize,
	}
}

// Subscribe registers a new consumer. Events published before Subscribe are
// not replayed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.queueSize)
	if b.closed {
		close(ch)
		return &Subscription{C: ch, id: -1, b: b}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &Subscription{C: ch, id: id, b: b}
}

// Publish delivers an event to every subscriber. A subscriber whose queue is
// full loses its oldest event to make room; the drop is logged, not fatal.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		// Queue full: shed the oldest event, then retry once.
		select {
		case <-ch:
			log.Printf("[EVENTS] subscriber queue full, dropped oldest event")
		default:
		}
		select {
		case ch <- ev:
		default:
			// A concurrent publisher refilled the queue between shed and
			// retry. The new event is lost; every drop gets a warning.
			log.Printf("[EVENTS] subscriber queue full, dropped event")
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Close detaches the subscription and closes its channel. Safe to call after
// the bus itself has closed.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	ch, ok := s.b.subs[s.id]
	if !ok {
		return
	}
	delete(s.b.subs, s.id)
	close(ch)
}
