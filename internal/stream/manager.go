// Package stream turns bus readers into per-subscriber streams.
//
// Every subscription gets its own forwarding goroutine that moves updates
// from the bus into a bounded outbound channel. The transport drains that
// channel at whatever pace the peer allows. A subscriber that stops
// draining long enough for its reader to fall out of the bus window is
// terminated as lagged; nobody else notices.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"geyserfeed/internal/bus"
	"geyserfeed/internal/model"
	"geyserfeed/internal/selector"
)

// DefaultSubscriberBuffer is the outbound channel size when Options leaves
// it unset.
const DefaultSubscriberBuffer = 256

// ErrManagerClosed is returned by Subscribe after CloseAll.
var ErrManagerClosed = errors.New("subscription manager closed")

type Options struct {
	// SubscriberBuffer bounds each subscription's outbound channel. It
	// always has room for the snapshot.
	SubscriberBuffer int
	Logger           *slog.Logger
	// OnOpen and OnClose run on the subscriber's goroutines and must not
	// block. OnClose runs before Done is closed, so it must not call
	// Subscription.Close.
	OnOpen  func(id uint64)
	OnClose func(id uint64, state State, err error)
}

// SubscribeOptions are the per-request knobs of Subscribe.
type SubscribeOptions struct {
	// Hint narrows account writes for this subscriber only. Writes to
	// accounts the subscriber already received keep flowing after they
	// stop matching, like the producer-side tracker.
	Hint *selector.Selector
	// Internal marks a subscription the service opens for itself. OnOpen
	// and OnClose are not called for it.
	Internal bool
}

// Info describes a live subscription for the admin endpoints.
type Info struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	Behind   uint64 `json:"behind"`
	Queued   int    `json:"queued"`
	Filtered bool   `json:"filtered"`
	Internal bool   `json:"internal,omitempty"`
}

type Manager struct {
	bus       *bus.Bus
	highWater *atomic.Uint64
	opts      Options
	log       *slog.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewManager returns a manager reading from b. highWater is the producer's
// highest write slot and is read once per subscription for its snapshot.
func NewManager(b *bus.Bus, highWater *atomic.Uint64, opts Options) *Manager {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:       b,
		highWater: highWater,
		opts:      opts,
		log:       logger.With("component", "stream"),
		subs:      map[uint64]*Subscription{},
	}
}

// Subscribe registers a subscriber. The returned subscription's first
// update is the snapshot; after it come, in publish order, the updates
// published after Subscribe registered the bus reader. The subscription
// ends when ctx is done, Close is called, the reader lags or the bus
// closes.
func (m *Manager) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	id := m.nextID.Add(1) - 1
	reader := m.bus.Subscribe()
	// loaded after the reader exists so no write between the two is lost
	snap := model.Update{SubscribeResponse: &model.SubscribeResponse{HighestWriteSlot: m.highWater.Load()}}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		id:     id,
		reader: reader,
		out:    make(chan model.Update, m.opts.SubscriberBuffer),
		done:   make(chan struct{}),
		ctx:    sctx,
		cancel: cancel,
		hint:   opts.Hint,

		internal: opts.Internal,
	}
	if opts.Hint != nil {
		s.hintKeys = selector.NewActiveKeys()
	}
	s.out <- snap
	m.subs[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Debug("subscription opened", "id", id, "filtered", opts.Hint != nil, "internal", opts.Internal)
	if m.opts.OnOpen != nil && !opts.Internal {
		m.opts.OnOpen(id)
	}
	go m.forward(s)
	return s, nil
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// List returns the live subscriptions ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	out := make([]Info, 0, len(subs))
	for _, s := range subs {
		out = append(out, Info{
			ID:       s.id,
			State:    s.State().String(),
			Behind:   s.reader.Behind(),
			Queued:   len(s.out),
			Filtered: s.hint != nil,
			Internal: s.internal,
		})
	}
	return out
}

// CloseAll closes every subscription, rejects new ones and waits for all
// forwarding goroutines to exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) forward(s *Subscription) {
	state, err := s.run()
	s.reader.Close()
	s.finish(state, err)

	m.mu.Lock()
	delete(m.subs, s.id)
	m.mu.Unlock()

	switch state {
	case StateLagged:
		m.log.Warn("subscription lagged", "id", s.id, "err", err)
	case StateErrored:
		m.log.Info("subscription ended", "id", s.id, "err", err)
	default:
		m.log.Debug("subscription closed", "id", s.id)
	}
	if m.opts.OnClose != nil && !s.internal {
		m.opts.OnClose(s.id, state, err)
	}
	close(s.done)
	m.wg.Done()
}
