// Package control implements UpdateSelector: validate a selector payload,
// queue it for the producer and keep a history of requests.
package control

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"geyserfeed/internal/metrics"
	"geyserfeed/internal/selector"
	"geyserfeed/internal/store"
)

// Result is the UpdateSelector reply. Failures are reported here, never as
// transport errors.
type Result struct {
	IsOk         bool   `json:"isOk"`
	ErrorMessage string `json:"errorMessage"`
}

type Control struct {
	queue   *selector.Queue
	store   store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New returns a Control feeding q. st and m may be nil.
func New(q *selector.Queue, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{queue: q, store: st, metrics: m, log: logger.With("component", "control")}
}

// UpdateSelector parses payload, a JSON object with optional accounts and
// owners lists, and queues the resulting selector. It takes effect at the
// next confirmed slot; a later request queued before then supersedes it.
func (c *Control) UpdateSelector(ctx context.Context, source string, payload []byte) Result {
	rec := store.SelectorRequest{Source: source, ReceivedAt: time.Now().UTC()}
	res, result := c.apply(payload, &rec)
	rec.Accepted = res.IsOk
	rec.Error = res.ErrorMessage
	if c.metrics != nil {
		c.metrics.SelectorUpdates.WithLabelValues(result).Inc()
	}
	if res.IsOk {
		c.log.Info("selector update queued", "source", source, "accounts", len(rec.Accounts), "owners", len(rec.Owners))
	} else {
		c.log.Warn("selector update rejected", "source", source, "reason", res.ErrorMessage)
	}
	if c.store != nil {
		if _, err := c.store.RecordSelectorRequest(ctx, rec); err != nil {
			c.log.Error("record selector request", "err", err)
		}
	}
	return res
}

// Submit adapts UpdateSelector to callers that only need an error.
func (c *Control) Submit(ctx context.Context, source string, payload []byte) error {
	if res := c.UpdateSelector(ctx, source, payload); !res.IsOk {
		return errors.New(res.ErrorMessage)
	}
	return nil
}

func (c *Control) apply(payload []byte, rec *store.SelectorRequest) (Result, string) {
	cfg, err := selector.ParseConfig(payload)
	if err != nil {
		return Result{ErrorMessage: err.Error()}, "invalid"
	}
	rec.Accounts, rec.Owners = cfg.Accounts, cfg.Owners
	sel, err := selector.FromConfig(cfg)
	if err != nil {
		return Result{ErrorMessage: err.Error()}, "invalid"
	}
	if err := c.queue.Push(sel); err != nil {
		return Result{ErrorMessage: err.Error()}, "rejected"
	}
	return Result{IsOk: true}, "ok"
}
