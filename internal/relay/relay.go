// Package relay mirrors the update stream to Redis pub/sub and accepts
// selector updates from a Redis control channel.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"geyserfeed/internal/bus"
	"geyserfeed/internal/codec"
	"geyserfeed/internal/model"
	"geyserfeed/internal/stream"
)

const (
	publishTimeout = 2 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Conn is the subset of *redis.Client the relay needs.
type Conn interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// SubmitFunc hands a selector payload received on the control channel to
// the control plane.
type SubmitFunc func(ctx context.Context, source string, payload []byte) error

// listenFunc opens a confirmed subscription to channel. The message
// channel is closed after the returned close func runs.
type listenFunc func(ctx context.Context, channel string) (<-chan *redis.Message, func() error, error)

type Options struct {
	Channel        string
	ControlChannel string
	Logger         *slog.Logger
}

type Relay struct {
	conn    Conn
	manager *stream.Manager
	submit  SubmitFunc
	opts    Options
	log     *slog.Logger
	wire    codec.Wire

	listen     listenFunc
	retryDelay time.Duration

	lags atomic.Uint64
}

// Dial connects to the Redis server at url (redis://...).
func Dial(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// New returns a relay. submit may be nil, in which case the control channel
// is not consumed.
func New(conn Conn, manager *stream.Manager, submit SubmitFunc, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wire, _ := codec.NewWire("json")
	r := &Relay{
		conn:       conn,
		manager:    manager,
		submit:     submit,
		opts:       opts,
		log:        logger.With("component", "relay"),
		wire:       wire,
		retryDelay: time.Second,
	}
	r.listen = r.subscribe
	return r
}

// Run mirrors until ctx is done or the subscription manager shuts down.
// Redis being unreachable never ends Run: publishes are dropped and the
// control channel is resubscribed with backoff.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.mirror(ctx) })
	if r.submit != nil && r.opts.ControlChannel != "" {
		g.Go(func() error {
			r.control(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Lags returns how many times the mirror subscription fell behind and was
// reopened.
func (r *Relay) Lags() uint64 { return r.lags.Load() }

func (r *Relay) Close() error { return r.conn.Close() }

func (r *Relay) mirror(ctx context.Context) error {
	for {
		sub, err := r.manager.Subscribe(ctx, stream.SubscribeOptions{Internal: true})
		if errors.Is(err, stream.ErrManagerClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		for u := range sub.Updates() {
			if u.SubscribeResponse != nil {
				continue
			}
			r.publish(ctx, u)
		}
		err = sub.Err()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, bus.ErrLagged):
			r.lags.Add(1)
			r.log.Warn("mirror fell behind; resubscribing", "err", err)
		case errors.Is(err, bus.ErrClosed):
			return nil
		case sub.State() == stream.StateClosed:
			return nil
		default:
			return err
		}
	}
}

func (r *Relay) publish(ctx context.Context, u model.Update) {
	data, err := r.wire.Marshal(u)
	if err != nil {
		r.log.Error("encode update", "kind", u.Kind(), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.conn.Publish(ctx, r.opts.Channel, data).Err(); err != nil && ctx.Err() == nil {
		r.log.Debug("redis publish failed", "kind", u.Kind(), "err", err)
	}
}

// control feeds the control channel to submit until ctx is done.
func (r *Relay) control(ctx context.Context) {
	attempt := 0
	for {
		msgs, closeFn, err := r.listen(ctx, r.opts.ControlChannel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := r.backoff(attempt)
			attempt++
			r.log.Warn("control channel subscribe failed", "channel", r.opts.ControlChannel, "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		attempt = 0
		r.log.Info("control channel subscribed", "channel", r.opts.ControlChannel)
		r.consume(ctx, msgs)
		_ = closeFn()
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("control channel closed; resubscribing", "channel", r.opts.ControlChannel)
	}
}

func (r *Relay) consume(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := r.submit(ctx, "redis", []byte(msg.Payload)); err != nil {
				r.log.Warn("selector update from redis rejected", "err", err)
			}
		}
	}
}

func (r *Relay) subscribe(ctx context.Context, channel string) (<-chan *redis.Message, func() error, error) {
	ps := r.conn.Subscribe(ctx, channel)
	// the first receive confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	return ps.Channel(), ps.Close, nil
}

func (r *Relay) backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	d := r.retryDelay * time.Duration(1<<attempt)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
