// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ffutop/sunspec-gateway/internal/hoymiles"
	"github.com/ffutop/sunspec-gateway/internal/source"
	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/transport"
)

// Bus is the RTU bus shared with the poller.
type Bus interface {
	Exclusive(ctx context.Context, fn func(transport.Sender) error) error
}

// Config holds the forwarder settings.
type Config struct {
	Address byte          // DTU bus address
	Delay   time.Duration // settle time after every command
	Timeout time.Duration // budget for one command
}

// Forwarder turns power limit writes on the register map into DTU commands
// for every configured source.
type Forwarder struct {
	bus   Bus
	fleet *source.Fleet
	cfg   Config

	sent   atomic.Uint64
	failed atomic.Uint64
	sleep  func(ctx context.Context, d time.Duration)
}

// New creates a Forwarder.
func New(bus Bus, fleet *source.Fleet, cfg Config) *Forwarder {
	return &Forwarder{
		bus:   bus,
		fleet: fleet,
		cfg:   cfg,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// OnControl implements sunspec.ControlListener. It blocks until every
// source has been commanded.
func (f *Forwarder) OnControl(ev sunspec.ControlEvent) {
	if err := f.Apply(context.Background(), ev); err != nil {
		slog.Error("power limit not applied to every source", "err", err)
	}
}

// Apply sends the command sequence for ev to each source in order. The bus
// is held from the first write to the last settle delay, so no poll runs in
// between. A failing source does not stop the others; all failures are joined.
func (f *Forwarder) Apply(ctx context.Context, ev sunspec.ControlEvent) error {
	var errs []error
	err := f.bus.Exclusive(ctx, func(bus transport.Sender) error {
		for i := 0; i < f.fleet.Len(); i++ {
			id := f.fleet.Identity(i)
			if err := f.applyOne(ctx, bus, id, ev); err != nil {
				errs = append(errs, fmt.Errorf("source %s: %w", id.Name, err))
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (f *Forwarder) applyOne(ctx context.Context, bus transport.Sender, id source.Identity, ev sunspec.ControlEvent) error {
	if !ev.Enabled {
		slog.Info("clearing power limit", "source", id.Name, "port", id.Port)
		return f.command(ctx, bus, modbus.FuncCodeWriteSingleRegister, hoymiles.LimitAddress(id.Port), hoymiles.LimitMax)
	}

	pct := hoymiles.LimitPercent(ev.LimitPct)
	slog.Info("setting power limit", "source", id.Name, "port", id.Port, "percent", pct)
	if err := f.command(ctx, bus, modbus.FuncCodeWriteSingleRegister, hoymiles.LimitAddress(id.Port), pct); err != nil {
		return err
	}
	return f.command(ctx, bus, modbus.FuncCodeWriteSingleCoil, hoymiles.OnOffAddress(id.Port), modbus.CoilOn)
}

// command sends one write and waits the settle delay, successful or not.
func (f *Forwarder) command(ctx context.Context, bus transport.Sender, fc byte, address, value uint16) error {
	req := modbus.ProtocolDataUnit{FunctionCode: fc, Data: make([]byte, 4)}
	binary.BigEndian.PutUint16(req.Data[0:2], address)
	binary.BigEndian.PutUint16(req.Data[2:4], value)

	cctx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	resp, err := bus.Send(cctx, f.cfg.Address, req)
	if err == nil {
		err = resp.AsError()
	}
	f.sleep(ctx, f.cfg.Delay)

	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("write %#04x to %#04x: %w", value, address, err)
	}
	f.sent.Add(1)
	return nil
}

// Stats returns the number of commands acknowledged and failed.
func (f *Forwarder) Stats() (sent, failed uint64) {
	return f.sent.Load(), f.failed.Load()
}
