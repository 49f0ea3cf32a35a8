package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"geyserfeed/internal/api"
	"geyserfeed/internal/bus"
	"geyserfeed/internal/codec"
	"geyserfeed/internal/config"
	"geyserfeed/internal/control"
	"geyserfeed/internal/metrics"
	"geyserfeed/internal/relay"
	"geyserfeed/internal/selector"
	"geyserfeed/internal/store"
	"geyserfeed/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// service is everything one load owns. Nothing here is global, so a
// plugin can be unloaded and loaded again in the same process.
type service struct {
	cfg config.Config
	log *slog.Logger

	bus       *bus.Bus
	highWater atomic.Uint64
	streams   *stream.Manager
	queue     *selector.Queue
	control   *control.Control
	store     store.Store
	metrics   *metrics.Metrics
	payload   codec.Payload
	relay     *relay.Relay

	// prodMu guards the producer state below. Only the producer writes it;
	// the lock is for status readers on other goroutines.
	prodMu   sync.Mutex
	selector *selector.Selector
	active   *selector.ActiveKeys
	current  atomic.Pointer[selector.Selector]

	listener net.Listener
	httpSrv  *http.Server
	promLn   net.Listener
	promSrv  *http.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

func newService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*service, error) {
	sel, err := cfg.Selector()
	if err != nil {
		return nil, fmt.Errorf("accounts selector: %w", err)
	}
	s := &service{
		cfg:      cfg,
		log:      logger,
		metrics:  metrics.New(),
		queue:    selector.NewQueue(),
		selector: sel,
		active:   selector.NewActiveKeys(),
	}
	s.current.Store(sel)

	s.payload, err = codec.NewPayload(cfg.Compression)
	if err != nil {
		logger.Warn("unknown compression, sending raw account data", "compression", cfg.Compression, "err", err)
		s.payload, _ = codec.NewPayload("none")
	}

	s.bus = bus.New(cfg.Service.ChannelCapacity)
	s.metrics.ObserveBus(s.bus.Published)
	s.streams = stream.NewManager(s.bus, &s.highWater, stream.Options{
		SubscriberBuffer: cfg.Service.SubscriberBuffer,
		Logger:           logger,
		OnOpen: func(uint64) {
			s.metrics.SubscribersActive.Inc()
			s.metrics.SubscribersTotal.Inc()
		},
		OnClose: func(_ uint64, state stream.State, _ error) {
			s.metrics.SubscribersActive.Dec()
			if state == stream.StateLagged {
				s.metrics.SubscriberLagFaults.Inc()
			}
		},
	})

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open selector store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate selector store: %w", err)
		}
		s.store = pg
	} else {
		s.store = store.NewMemory()
	}
	s.control = control.New(s.queue, s.store, s.metrics, logger)

	if cfg.Redis.URL != "" {
		conn, err := relay.Dial(cfg.Redis.URL)
		if err != nil {
			_ = s.store.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.relay = relay.New(conn, s.streams, s.control.Submit, relay.Options{
			Channel:        cfg.Redis.Channel,
			ControlChannel: cfg.Redis.ControlChannel,
			Logger:         logger,
		})
	}
	return s, nil
}

// start binds the listeners and launches the background tasks. Binding
// happens here, not in the goroutines, so a bad address fails OnLoad.
func (s *service) start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.BindAddress, err)
	}
	s.listener = ln

	srv := &api.Server{
		Bus:     s.bus,
		Streams: s.streams,
		Control: s.control,
		Store:   s.store,
		Metrics: s.metrics,
		Limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit.RPS), s.cfg.RateLimit.Burst),
		Status:  s.status,
		Log:     s.log,

		SelectorSecret: s.cfg.SelectorSecret,
	}
	s.httpSrv = &http.Server{
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.cfg.Prometheus != nil {
		pln, err := net.Listen("tcp", s.cfg.Prometheus.Address)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen prometheus %s: %w", s.cfg.Prometheus.Address, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.promLn = pln
		s.promSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { return serve(s.httpSrv, ln) })
	if s.promSrv != nil {
		g.Go(func() error { return serve(s.promSrv, s.promLn) })
	}
	g.Go(func() error {
		heartbeat(ctx, s.bus, s.cfg.Service.HeartbeatInterval)
		return nil
	})
	if s.relay != nil {
		g.Go(func() error {
			// a broken redis connection must not take the api down with it
			if err := s.relay.Run(ctx); err != nil {
				s.log.Error("relay stopped", "err", err)
			}
			return nil
		})
	}

	s.log.Info("listening", "addr", ln.Addr().String(), "capacity", s.bus.Capacity(), "compression", s.payload.Name())
	return nil
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// stop tears down in dependency order: no new selectors, subscribers
// drained, bus closed, listeners shut, background tasks joined, then the
// external connections.
func (s *service) stop() error {
	s.queue.Close()
	s.cancel()
	s.streams.CloseAll()
	s.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown api: %w", err))
	}
	if s.promSrv != nil {
		if err := s.promSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown prometheus: %w", err))
		}
	}
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	errs = append(errs, s.closeResources())
	return errors.Join(errs...)
}

func (s *service) closeResources() error {
	var errs []error
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// status feeds /v1/admin/stats.
func (s *service) status() map[string]any {
	out := map[string]any{
		"highestWriteSlot": s.highWater.Load(),
		"activeAccounts":   s.activeCount(),
		"pendingSelectors": s.queue.Len(),
		"compression":      s.payload.Name(),
	}
	if sel := s.current.Load(); sel != nil {
		out["selector"] = sel.Config()
	}
	if s.relay != nil {
		out["relayLags"] = s.relay.Lags()
	}
	return out
}
