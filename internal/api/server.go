package api

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"geyserfeed/internal/bus"
	"geyserfeed/internal/control"
	"geyserfeed/internal/metrics"
	"geyserfeed/internal/store"
	"geyserfeed/internal/stream"
)

// StatusFunc reports host state (active selector, highest slot) for the
// admin stats endpoint.
type StatusFunc func() map[string]any

type Server struct {
	Bus     *bus.Bus
	Streams *stream.Manager
	Control *control.Control
	Store   store.Store
	Metrics *metrics.Metrics
	// Limiter throttles UpdateSelector. Nil means unlimited.
	Limiter *rate.Limiter
	// SelectorSecret, when set, is the HMAC key UpdateSelector bodies are
	// signed with.
	SelectorSecret string
	Status         StatusFunc
	Log            *slog.Logger

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration
}

// Routes returns the service mux wrapped in the access log and metrics
// middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Streaming
	mux.HandleFunc("/v1/subscribe", s.SubscribeWSHandler)
	mux.HandleFunc("/v1/subscribe/sse", s.SubscribeSSEHandler)

	// Control plane
	mux.HandleFunc("/v1/selector", s.UpdateSelectorHandler)

	// Admin
	mux.HandleFunc("/v1/admin/selector-history", s.SelectorHistoryHandler)
	mux.HandleFunc("/v1/admin/selector-history/", s.SelectorRequestHandler)
	mux.HandleFunc("/v1/admin/stats", s.StatsHandler)

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)

	// Docs, metrics, debug
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	mux.HandleFunc("/debug/info", s.DebugJSON)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}

	return s.logMiddleware(mux)
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.PingInterval
}
