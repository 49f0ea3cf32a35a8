package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"geyserfeed/internal/model"
	"geyserfeed/internal/plugin"
)

const (
	demoAccounts     = 16
	demoConfirmDepth = 2
	demoRootDepth    = 32
)

// runDemo drives p like a validator would: a startup replay of every demo
// account, then per slot a few random writes and the status transitions.
// Slots are occasionally skipped so parents are not always slot-1.
func runDemo(ctx context.Context, p *plugin.Plugin, slotTime time.Duration, log *slog.Logger) {
	owners := []model.Pubkey{demoKey(0xf0), demoKey(0xf1)}
	accounts := make([]model.Pubkey, demoAccounts)
	for i := range accounts {
		accounts[i] = demoKey(byte(i + 1))
	}
	var writeVersion uint64
	write := func(slot uint64, i int, startup bool) {
		writeVersion++
		data := make([]byte, 32+rand.IntN(96))
		for j := range data {
			data[j] = byte(rand.Uint32())
		}
		info := model.AccountInfo{
			Pubkey:       accounts[i],
			Owner:        owners[i%len(owners)],
			Lamports:     rand.Uint64N(1_000_000_000),
			Data:         data,
			WriteVersion: writeVersion,
		}
		if err := p.OnWrite(info, slot, startup); err != nil {
			log.Debug("demo write dropped", "err", err)
		}
	}

	slot := uint64(1)
	for i := range accounts {
		write(slot, i, true)
	}
	_ = p.OnEndOfStartup()

	ticker := time.NewTicker(slotTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		parent := slot
		slot += 1 + uint64(rand.IntN(2))
		for n := rand.IntN(4); n > 0; n-- {
			write(slot, rand.IntN(len(accounts)), false)
		}
		_ = p.OnStatusChange(slot, &parent, model.SlotStatusProcessed)
		if slot > demoConfirmDepth {
			_ = p.OnStatusChange(slot-demoConfirmDepth, nil, model.SlotStatusConfirmed)
		}
		if slot > demoRootDepth {
			_ = p.OnStatusChange(slot-demoRootDepth, nil, model.SlotStatusRooted)
		}
	}
}

func demoKey(b byte) model.Pubkey {
	var pk model.Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}
