package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geyserfeed/internal/buildinfo"
)

// Metrics holds the collectors of one service instance on its own
// registry, so several instances (tests, reloads) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTPRequests counts requests by method, path, and status
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration records request durations in seconds
	HTTPDuration *prometheus.HistogramVec

	BroadcastAccounts  prometheus.Counter
	BroadcastSlots     *prometheus.CounterVec
	SlotsLastProcessed *prometheus.GaugeVec

	SubscribersActive   prometheus.Gauge
	SubscribersTotal    prometheus.Counter
	SubscriberLagFaults prometheus.Counter

	// SelectorUpdates counts UpdateSelector requests by result (ok, invalid, rejected)
	SelectorUpdates *prometheus.CounterVec
	SelectorSwaps   prometheus.Counter

	StartupFinished prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
			[]string{"method", "path", "status"},
		),
		BroadcastAccounts: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "broadcast_accounts_total", Help: "Account writes published to subscribers."},
		),
		BroadcastSlots: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "broadcast_slots_total", Help: "Slot status updates published, by status."},
			[]string{"status"},
		),
		SlotsLastProcessed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "slots_last_processed", Help: "Last slot seen for each status."},
			[]string{"status"},
		),
		SubscribersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "subscribers_active", Help: "Open subscriptions."},
		),
		SubscribersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "subscribers_total", Help: "Subscriptions opened since start."},
		),
		SubscriberLagFaults: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "subscriber_lag_faults_total", Help: "Subscriptions terminated because they fell behind."},
		),
		SelectorUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "selector_updates_total", Help: "UpdateSelector requests by result."},
			[]string{"result"},
		),
		SelectorSwaps: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "selector_swaps_total", Help: "Selectors applied at a confirmed slot."},
		),
		StartupFinished: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "startup_finished_total", Help: "End-of-startup notifications received."},
		),
	}
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "build_info", Help: "Build information; value is always 1."},
		[]string{"version", "commit", "builtAt"},
	)
	info := buildinfo.Info()
	buildInfo.WithLabelValues(info["version"], info["commit"], info["builtAt"]).Set(1)

	m.Registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.BroadcastAccounts,
		m.BroadcastSlots,
		m.SlotsLastProcessed,
		m.SubscribersActive,
		m.SubscribersTotal,
		m.SubscriberLagFaults,
		m.SelectorUpdates,
		m.SelectorSwaps,
		m.StartupFinished,
		buildInfo,
		// Go/process collectors on our registry
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveBus exposes the bus publish counter without copying it.
func (m *Metrics) ObserveBus(published func() uint64) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "bus_published_total", Help: "Updates published on the broadcast bus."},
		func() float64 { return float64(published()) },
	))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
