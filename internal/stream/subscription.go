package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"geyserfeed/internal/bus"
	"geyserfeed/internal/model"
	"geyserfeed/internal/selector"
)

// State is the lifecycle of a subscription.
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateLagged
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateLagged:
		return "lagged"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further updates will be forwarded.
func (s State) Terminal() bool { return s >= StateLagged }

type Subscription struct {
	id     uint64
	reader *bus.Reader
	out    chan model.Update
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the forwarding goroutine
	hint     *selector.Selector
	hintKeys *selector.ActiveKeys
	internal bool

	state atomic.Int32
	mu    sync.Mutex
	err   error
}

func (s *Subscription) ID() uint64 { return s.id }

// Updates yields the snapshot followed by the stream. It is closed once the
// subscription has terminated and everything buffered before that point
// has been queued.
func (s *Subscription) Updates() <-chan model.Update { return s.out }

// Done is closed after the forwarding goroutine has exited and the bus
// reader is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) State() State { return State(s.state.Load()) }

// Err is nil while streaming and after a normal close. A lagged
// subscription returns a *bus.LagError; one cut off by bus shutdown
// returns bus.ErrClosed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and waits for its goroutine to exit. It is
// safe to call more than once and from several goroutines.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// run forwards until the subscription terminates and reports why.
func (s *Subscription) run() (State, error) {
	s.state.Store(int32(StateStreaming))
	for {
		u, err := s.reader.Recv(s.ctx)
		if err != nil {
			return s.classify(err)
		}
		if !s.admit(u) {
			continue
		}
		if state, err := s.send(u); state.Terminal() {
			return state, err
		}
	}
}

// send blocks until u is queued. While blocked it keeps watching the
// reader so that a full outbound queue cannot hide a lag. A terminal
// state means u was not queued.
func (s *Subscription) send(u model.Update) (State, error) {
	for {
		select {
		case s.out <- u:
			return StateStreaming, nil
		case <-s.ctx.Done():
			return StateClosed, nil
		case <-s.reader.Changed():
			if err := s.reader.Lag(); err != nil {
				return StateLagged, err
			}
			if s.reader.Closed() {
				return StateErrored, bus.ErrClosed
			}
		}
	}
}

func (s *Subscription) classify(err error) (State, error) {
	switch {
	case errors.Is(err, bus.ErrLagged):
		return StateLagged, err
	case s.ctx.Err() != nil:
		return StateClosed, nil
	default:
		return StateErrored, err
	}
}

func (s *Subscription) admit(u model.Update) bool {
	if s.hint == nil || u.AccountWrite == nil {
		return true
	}
	w := u.AccountWrite
	emit, _ := s.hintKeys.ShouldEmit(w.Pubkey, s.hint.Matches(w.Pubkey, w.Owner))
	return emit
}

func (s *Subscription) finish(state State, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(state))
	s.cancel()
	close(s.out)
}
