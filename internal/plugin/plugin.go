// Package plugin is the ingestion adapter. The host loads it with a
// config, feeds it account writes and slot status changes from one
// goroutine, and unloads it when done.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"geyserfeed/internal/codec"
	"geyserfeed/internal/config"
	"geyserfeed/internal/model"
)

var (
	ErrNotLoaded     = errors.New("plugin not loaded")
	ErrAlreadyLoaded = errors.New("plugin already loaded")
)

// Name is reported to the host and in logs.
const Name = "GeyserFeed"

type Plugin struct {
	log *slog.Logger

	// mu serialises load and unload; the producer callbacks only read svc.
	mu  sync.Mutex
	svc atomic.Pointer[service]
}

// New returns an unloaded plugin. A nil logger means slog.Default.
func New(logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{log: logger.With("plugin", Name)}
}

// OnLoad builds the service from cfg and starts the listeners, heartbeat
// and optional relay. ctx bounds setup only (database connect and
// migration); the running service lives until OnUnload.
func (p *Plugin) OnLoad(ctx context.Context, cfg config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.svc.Load() != nil {
		return ErrAlreadyLoaded
	}
	p.log.Info("loading", "bind_address", cfg.BindAddress)
	svc, err := newService(ctx, cfg, p.log)
	if err != nil {
		return err
	}
	if err := svc.start(); err != nil {
		svc.closeResources()
		return err
	}
	p.svc.Store(svc)
	return nil
}

// OnUnload stops every subscription and background task and closes the
// listeners. It returns once they have all exited.
func (p *Plugin) OnUnload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := p.svc.Swap(nil)
	if svc == nil {
		return ErrNotLoaded
	}
	p.log.Info("unloading")
	return svc.stop()
}

// OnWrite handles one account write.
func (p *Plugin) OnWrite(info model.AccountInfo, slot uint64, isStartup bool) error {
	svc := p.svc.Load()
	if svc == nil {
		return ErrNotLoaded
	}
	svc.onWrite(info, slot, isStartup)
	return nil
}

// OnStatusChange handles a slot reaching status. A pending selector is
// applied when status is confirmed, before the slot update is published.
func (p *Plugin) OnStatusChange(slot uint64, parent *uint64, status model.SlotStatus) error {
	svc := p.svc.Load()
	if svc == nil {
		return ErrNotLoaded
	}
	svc.onStatusChange(slot, parent, status)
	return nil
}

// OnEndOfStartup marks the end of the startup snapshot replay.
func (p *Plugin) OnEndOfStartup() error {
	svc := p.svc.Load()
	if svc == nil {
		return ErrNotLoaded
	}
	svc.metrics.StartupFinished.Inc()
	svc.log.Info("startup finished", "highest_write_slot", svc.highWater.Load(), "active_accounts", svc.activeCount())
	return nil
}

// Addr is the address the API listener is bound to, or "" when not loaded.
func (p *Plugin) Addr() string {
	svc := p.svc.Load()
	if svc == nil {
		return ""
	}
	return svc.listener.Addr().String()
}

func (s *service) onWrite(info model.AccountInfo, slot uint64, isStartup bool) {
	s.prodMu.Lock()
	selected := s.selector.Matches(info.Pubkey, info.Owner)
	emit, _ := s.active.ShouldEmit(info.Pubkey, selected)
	s.prodMu.Unlock()
	if !emit {
		return
	}
	storeMax(&s.highWater, slot)

	data, compression := s.encode(info.Data)
	s.bus.Publish(model.Update{AccountWrite: &model.AccountWrite{
		Slot:         slot,
		Pubkey:       info.Pubkey,
		Lamports:     info.Lamports,
		Owner:        info.Owner,
		Executable:   info.Executable,
		RentEpoch:    info.RentEpoch,
		Data:         data,
		Compression:  compression,
		WriteVersion: info.WriteVersion,
		IsStartup:    isStartup,
		IsSelected:   selected,
	}})
	s.metrics.BroadcastAccounts.Inc()
}

// encode applies the payload codec. The host may reuse data after the call,
// so the raw path copies it.
func (s *service) encode(data []byte) ([]byte, string) {
	if s.payload.Name() == "" {
		return copyData(data), ""
	}
	out, err := s.payload.Encode(data)
	if err != nil {
		if !codec.IsIncompressible(err) {
			s.log.Error("payload compression failed", "codec", s.payload.Name(), "err", err)
		}
		return copyData(data), ""
	}
	return out, s.payload.Name()
}

// copyData never returns nil, so empty accounts encode as "" rather than null.
func copyData(data []byte) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	return bytes.Clone(data)
}

func (s *service) onStatusChange(slot uint64, parent *uint64, status model.SlotStatus) {
	if status == model.SlotStatusConfirmed {
		if next, ok := s.queue.Drain(); ok {
			s.prodMu.Lock()
			changed := !next.Equal(s.selector)
			s.selector = next
			s.prodMu.Unlock()
			s.current.Store(next)
			s.metrics.SelectorSwaps.Inc()
			s.log.Info("selector applied", "slot", slot, "selector", next.String(), "changed", changed)
		}
	}

	var p *uint64
	if parent != nil {
		v := *parent
		p = &v
	}
	s.bus.Publish(model.Update{SlotUpdate: &model.SlotUpdate{Slot: slot, Parent: p, Status: status}})

	label := status.String()
	s.metrics.SlotsLastProcessed.WithLabelValues(label).Set(float64(slot))
	s.metrics.BroadcastSlots.WithLabelValues(label).Inc()
}

func (s *service) activeCount() int {
	s.prodMu.Lock()
	defer s.prodMu.Unlock()
	return s.active.Len()
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
