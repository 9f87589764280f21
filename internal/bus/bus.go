// Package bus implements the in-process publish/subscribe Event Bus (spec
// §2, §9 design note: "Event emitters -> message passing"). It is adapted
// from the teacher's observe.Sink/observe.MultiSink/observe.AsyncSink
// trio: a bounded per-subscriber buffer, a configurable slow-subscriber
// policy, and ordering preserved per run.
package bus

import (
	"context"
	"sync"

	"github.com/orchestrahub/hub/internal/types"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest buffered event to make room (default).
	DropOldest OverflowPolicy = iota
	// DropNewest silently discards the incoming event.
	DropNewest
	// Disconnect closes the subscriber's channel; no further events are
	// delivered to it.
	Disconnect
)

// Sink receives published events. Implementations must not block the
// publisher for long. Bus never calls Sink.Emit itself; AsSink adapts a
// Bus into a Sink whose Emit runs Publish on the caller's goroutine.
type Sink interface {
	Emit(ctx context.Context, event types.Event) error
}

type SinkFunc func(ctx context.Context, event types.Event) error

func (f SinkFunc) Emit(ctx context.Context, event types.Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type subscriber struct {
	id       int
	ch       chan types.Event
	policy   OverflowPolicy
	closed   bool
}

// Bus is a bounded, multi-subscriber, per-run-ordered publish/subscribe
// hub. A slow subscriber cannot stall the publisher (§9): overflow is
// handled per the subscriber's configured OverflowPolicy.
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]*subscriber
	// runOrder serializes every Publish call, so events for the same run
	// (and for all runs) are fanned out to every subscriber in the order
	// they were published (§5 Ordering guarantees).
	runOrder sync.Mutex
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: map[int]*subscriber{}}
}

// Subscribe registers a new subscriber with the given buffer size and
// overflow policy, returning an id (for Unsubscribe) and a receive-only
// channel of events.
func (b *Bus) Subscribe(buffer int, policy OverflowPolicy) (int, <-chan types.Event) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan types.Event, buffer), policy: policy}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish fans an event out to every live subscriber. Events for the same
// RunID are serialized relative to each other across concurrent publishers.
func (b *Bus) Publish(event types.Event) {
	b.runOrder.Lock()
	defer b.runOrder.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.closed {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscriber, event types.Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	switch sub.policy {
	case DropNewest:
		return
	case Disconnect:
		sub.closed = true
		close(sub.ch)
		return
	case DropOldest:
		fallthrough
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// AsSink adapts the Bus to the Sink interface so components that hold a
// Sink handle (executor, registry, interrupt subsystem) can publish without
// depending on Bus directly.
func (b *Bus) AsSink() Sink {
	return SinkFunc(func(_ context.Context, event types.Event) error {
		b.Publish(event)
		return nil
	})
}

// MultiSink fans a single Emit out to several sinks, stopping at the first
// error — mirrors the teacher's observe.MultiSink.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return SinkFunc(func(context.Context, types.Event) error { return nil })
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

func (m *MultiSink) Emit(ctx context.Context, event types.Event) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
