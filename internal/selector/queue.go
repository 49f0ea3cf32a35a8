package selector

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push once the producer side is gone.
var ErrQueueClosed = errors.New("selector queue closed")

// Queue carries validated selectors from the control plane to the
// producer. It is unbounded and keeps push order; the producer drains it at
// confirmation boundaries and only the newest entry takes effect.
type Queue struct {
	mu      sync.Mutex
	pending []*Selector
	closed  bool
}

func NewQueue() *Queue { return &Queue{} }

// Push enqueues s. It never blocks.
func (q *Queue) Push(s *Selector) error {
	if s == nil {
		return errors.New("nil selector")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pending = append(q.pending, s)
	return nil
}

// Drain empties the queue and returns the last selector pushed. ok is
// false when nothing was pending.
func (q *Queue) Drain() (latest *Selector, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	latest = q.pending[len(q.pending)-1]
	clear(q.pending)
	q.pending = q.pending[:0]
	return latest, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects further pushes and drops anything pending.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}
