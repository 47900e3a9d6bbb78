// Package queue implements the Request Channel (C3): bounded
// multi-producer, multi-consumer fan-out for RequestPackage and
// ResponsePackage values flowing between the acceptor, the packet
// handler pool, and the response writer pool.
//
// Grounded on the teacher's client.go, which pairs a buffered
// "outgoing"/"incoming" channel per connection with a select against a
// stop channel; FanOut generalizes that single-channel pattern to N
// child channels so a bounded pool of handler or response workers can
// each own one consumer channel instead of contending on a single one.
package queue

import (
	"context"
	"time"

	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
)

// RequestPackage is one decoded inbound packet awaiting dispatch
// (section 4.1/4.3).
type RequestPackage struct {
	ConnectionID     model.ConnectionID
	RemoteAddr       string
	Packet           packets.Packet
	ReceiveTimestamp time.Time
}

// ResponsePackage is one outbound packet produced by the packet
// handler (section 4.4) awaiting the response writer.
type ResponsePackage struct {
	ConnectionID     model.ConnectionID
	Packet           packets.Packet
	ReceiveTimestamp time.Time
}

// backoffStep is the base back-pressure sleep unit (section 4.3:
// "2 ms, 4 ms, 6 ms, ... sleeps until acceptance").
const backoffStep = 2 * time.Millisecond

// FanOut is a bounded fan-out: one producer side, N equally sized
// child channels, each value delivered to exactly one child. Post
// round-robins across children, trying
// each once per pass; if none accept immediately the producer backs
// off with a linearly increasing sleep and tries again.
type FanOut[T any] struct {
	children []chan T
	next     int
}

// NewFanOut creates a FanOut with n child channels, each buffered to
// capacity.
func NewFanOut[T any](n, capacity int) *FanOut[T] {
	if n < 1 {
		n = 1
	}
	f := &FanOut[T]{children: make([]chan T, n)}
	for i := range f.children {
		f.children[i] = make(chan T, capacity)
	}
	return f
}

// Children returns the child channels for consumers to range over,
// one per worker.
func (f *FanOut[T]) Children() []chan T {
	return f.children
}

// Post enqueues v on the next child in round-robin order, retrying
// with increasing back-off until it is accepted or ctx is done. The
// round-robin cursor only advances once something is actually posted;
// after a pass in which no child accepted, the next pass starts from
// the same child.
func (f *FanOut[T]) Post(ctx context.Context, v T) error {
	attempt := 0
	for {
		start := f.next
		for i := 0; i < len(f.children); i++ {
			idx := (start + i) % len(f.children)
			select {
			case f.children[idx] <- v:
				f.next = (idx + 1) % len(f.children)
				return nil
			default:
			}
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoffStep):
		}
	}
}

// PostKeyed enqueues v on the child selected by key (key % number of
// children), so every value sharing a key lands on the same child and
// is processed in FIFO order relative to the others sharing it. Used
// to route a connection_id's packets to one handler slot so ordering
// is preserved per connection (section 5's ordering guarantee) while
// still spreading distinct connections across the pool.
func (f *FanOut[T]) PostKeyed(ctx context.Context, key uint64, v T) error {
	idx := int(key % uint64(len(f.children)))
	attempt := 0
	for {
		select {
		case f.children[idx] <- v:
			return nil
		default:
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoffStep):
		}
	}
}

// Len sums the queued depth of every child, used by the drain
// contract on shutdown: a FanOut is "drained" once Len() reports 0.
func (f *FanOut[T]) Len() int {
	total := 0
	for _, c := range f.children {
		total += len(c)
	}
	return total
}

// Capacity sums the configured capacity of every child.
func (f *FanOut[T]) Capacity() int {
	total := 0
	for _, c := range f.children {
		total += cap(c)
	}
	return total
}

// Close closes every child channel. Callers must stop posting before
// calling Close; a post racing a close panics, same as any Go channel.
func (f *FanOut[T]) Close() {
	for _, c := range f.children {
		close(c)
	}
}

// WaitDrained blocks until Len() reaches 0 (children at full spare
// capacity, per section 5's shutdown ordering: "drains request and
// response channels, detected by capacity returning to configured
// size") or ctx is done.
func WaitDrained[T any](ctx context.Context, f *FanOut[T], poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if f.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
