// Package bus is the in-process fan-out from the producer to every
// subscription.
//
// The bus keeps the last capacity updates in a ring. Each Reader owns a
// cursor into the total publish sequence; Publish only writes the ring slot
// and advances the head, so its cost does not depend on how many readers
// exist or how far behind they are. A reader that falls more than capacity
// updates behind can no longer be served in order and gets a LagError
// instead of silently skipping.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"geyserfeed/internal/model"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

var (
	// ErrClosed is returned by Recv after the bus was closed.
	ErrClosed = errors.New("bus closed")
	// ErrLagged matches every *LagError via errors.Is.
	ErrLagged = errors.New("reader lagged")
)

// LagError reports how many updates a reader can no longer receive.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("lagged: missed %d updates", e.Missed)
}

func (e *LagError) Is(target error) bool { return target == ErrLagged }

// Stats is a point-in-time view of the bus.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Published uint64 `json:"published"`
	Readers   int    `json:"readers"`
	LagFaults uint64 `json:"lagFaults"`
}

type Bus struct {
	mu        sync.Mutex
	ring      []model.Update
	head      uint64 // sequence number of the next publish
	readers   int
	lagFaults uint64
	closed    bool
	// wake is closed and cleared by the next Publish. It is only allocated
	// when a reader waits.
	wake chan struct{}
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ring: make([]model.Update, capacity)}
}

func (b *Bus) Capacity() int { return len(b.ring) }

// Publish appends u and wakes waiting readers. It never blocks on readers
// and returns the number of readers registered at the time of the call.
// Publishing with no readers is a no-op apart from retaining u.
// Publishing to a closed bus drops u.
func (b *Bus) Publish(u model.Update) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.ring[b.head%uint64(len(b.ring))] = u
	b.head++
	n := b.readers
	wake := b.wake
	b.wake = nil
	b.mu.Unlock()
	if wake != nil {
		close(wake)
	}
	return n
}

// Subscribe registers a reader that receives every update published after
// this call returns.
func (b *Bus) Subscribe() *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &Reader{bus: b, next: b.head}
	if !b.closed {
		b.readers++
	} else {
		r.released = true
	}
	return r
}

// Close wakes every reader; subsequent Recv calls return ErrClosed.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	wake := b.wake
	b.wake = nil
	b.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Capacity: len(b.ring), Published: b.head, Readers: b.readers, LagFaults: b.lagFaults}
}

// Published returns the total number of updates published so far.
func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// waitChan must be called with b.mu held.
func (b *Bus) waitChan() chan struct{} {
	if b.wake == nil {
		b.wake = make(chan struct{})
	}
	return b.wake
}

// Reader is a cursor into the bus. A Reader must be used by one goroutine
// at a time, except for Close which may be called from anywhere.
type Reader struct {
	bus      *Bus
	next     uint64 // guarded by bus.mu
	lagged   bool   // guarded by bus.mu
	released bool   // guarded by bus.mu
}

// Recv returns the next update in publish order, blocking until one is
// published, ctx is done or the bus is closed. Once a LagError has been
// returned every later call returns it again.
func (r *Reader) Recv(ctx context.Context) (model.Update, error) {
	b := r.bus
	for {
		b.mu.Lock()
		if err := r.lagErrLocked(); err != nil {
			b.mu.Unlock()
			return model.Update{}, err
		}
		if b.closed || r.released {
			b.mu.Unlock()
			return model.Update{}, ErrClosed
		}
		if r.next < b.head {
			u := b.ring[r.next%uint64(len(b.ring))]
			r.next++
			b.mu.Unlock()
			return u, nil
		}
		wait := b.waitChan()
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Update{}, ctx.Err()
		case <-wait:
		}
	}
}

// lagErrLocked must be called with bus.mu held.
func (r *Reader) lagErrLocked() error {
	b := r.bus
	behind := b.head - r.next
	capacity := uint64(len(b.ring))
	if behind <= capacity {
		if r.lagged {
			return &LagError{}
		}
		return nil
	}
	if !r.lagged {
		r.lagged = true
		b.lagFaults++
	}
	return &LagError{Missed: behind - capacity}
}

// Lagged reports whether the reader has fallen out of the retained window.
func (r *Reader) Lagged() bool { return r.Lag() != nil }

// Lag returns the *LagError Recv would return, or nil. It does not consume.
func (r *Reader) Lag() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	return r.lagErrLocked()
}

// Behind returns how many published updates the reader has not consumed.
func (r *Reader) Behind() uint64 {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	return r.bus.head - r.next
}

// Changed returns a channel that is closed by the next Publish or by Close.
// It lets a consumer that is blocked elsewhere notice lag without reading.
func (r *Reader) Changed() <-chan struct{} {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.waitChan()
}

// Closed reports whether the bus behind the reader was closed.
func (r *Reader) Closed() bool { return r.bus.Closed() }

// Close releases the reader. It is idempotent.
func (r *Reader) Close() {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	b.readers--
}
