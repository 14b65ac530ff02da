// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

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
	"github.com/ffutop/sunspec-gateway/modbus"
	rtupacket "github.com/ffutop/sunspec-gateway/modbus/rtu"
)

// Sender issues one request on the RTU bus.
type Sender interface {
	Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
}

// State is the scheduler state shared by all sources.
type State int32

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	if s == AwaitingResponse {
		return "awaiting response"
	}
	return "idle"
}

// Config holds the poller settings.
type Config struct {
	Address      byte          // DTU bus address
	PollInterval time.Duration // one full round over all sources
	Timeout      time.Duration // response budget per request
}

// Poller reads the sources round-robin, one outstanding request at a time.
type Poller struct {
	bus      Sender
	fleet    *source.Fleet
	cfg      Config
	onUpdate func(i int)

	next  int
	state atomic.Int32
	now   func() time.Time
}

// New creates a Poller. onUpdate, if not nil, runs after every successful decode.
func New(bus Sender, fleet *source.Fleet, cfg Config, onUpdate func(i int)) *Poller {
	return &Poller{
		bus:      bus,
		fleet:    fleet,
		cfg:      cfg,
		onUpdate: onUpdate,
		now:      time.Now,
	}
}

// State returns the scheduler state. Polls run on the caller's goroutine, so
// it is only of interest to observers.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// SlotInterval is the poll interval divided evenly across the sources.
func (p *Poller) SlotInterval() time.Duration {
	n := p.fleet.Len()
	if n == 0 {
		return p.cfg.PollInterval
	}
	return p.cfg.PollInterval / time.Duration(n)
}

// Run polls one source per slot until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if p.fleet.Len() == 0 {
		<-ctx.Done()
		return nil
	}

	slot := p.SlotInterval()
	slog.Info("poller started", "sources", p.fleet.Len(), "slot", slot)

	ticker := time.NewTicker(slot)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollNext(ctx)
		}
	}
}

// PollNext polls the next source in round-robin order and advances the index.
func (p *Poller) PollNext(ctx context.Context) error {
	i := p.next
	p.next = (p.next + 1) % p.fleet.Len()
	return p.Poll(ctx, i)
}

// Poll reads source i once and records the outcome. The returned error is
// informational; every outcome is already counted.
func (p *Poller) Poll(ctx context.Context, i int) error {
	id := p.fleet.Identity(i)
	start := hoymiles.DataAddress(id.Port)

	req := modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         make([]byte, 4),
	}
	binary.BigEndian.PutUint16(req.Data[0:2], start)
	binary.BigEndian.PutUint16(req.Data[2:4], hoymiles.ReadCount)

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	p.state.Store(int32(AwaitingResponse))
	resp, err := p.bus.Send(ctx, p.cfg.Address, req)
	p.state.Store(int32(Idle))

	if err != nil {
		kind := classify(err)
		p.fleet.RecordFailure(i, kind)
		slog.Warn("poll failed", "source", id.Name, "port", id.Port, "kind", kind, "err", err)
		return fmt.Errorf("poll %s: %w", id.Name, err)
	}

	if resp.IsException() {
		p.fleet.RecordFailure(i, source.FailException)
		exErr := resp.AsError()
		slog.Warn("poll failed", "source", id.Name, "port", id.Port, "kind", source.FailException, "err", exErr)
		return fmt.Errorf("poll %s: %w", id.Name, exErr)
	}

	regs, err := registers(resp)
	if err != nil {
		p.fleet.RecordFailure(i, source.FailMalformed)
		slog.Warn("poll failed", "source", id.Name, "port", id.Port, "kind", source.FailMalformed, "err", err)
		return fmt.Errorf("poll %s: %w", id.Name, err)
	}

	block, err := hoymiles.Decode(regs)
	if err != nil {
		p.fleet.RecordFailure(i, source.FailShort)
		slog.Warn("poll failed", "source", id.Name, "port", id.Port, "kind", source.FailShort, "err", err)
		return fmt.Errorf("poll %s: %w", id.Name, err)
	}
	if block.Port != id.Port {
		err := fmt.Errorf("block is for port %d", block.Port)
		p.fleet.RecordFailure(i, source.FailMalformed)
		slog.Warn("poll failed", "source", id.Name, "port", id.Port, "kind", source.FailMalformed, "err", err)
		return fmt.Errorf("poll %s: %w", id.Name, err)
	}

	prev, _ := p.fleet.Measurement(i)
	m := block.Measurement(prev)
	serial := ""
	if !p.fleet.HasSerial(i) {
		serial = block.SerialString()
		if serial != "" {
			slog.Info("captured source serial", "source", id.Name, "serial", serial)
		}
	}
	p.fleet.RecordSuccess(i, m, serial, p.now())
	slog.Debug("poll ok", "source", id.Name, "power", m.Power, "voltage", m.Voltage, "status", block.OperatingStatus)

	if p.onUpdate != nil {
		p.onUpdate(i)
	}
	return nil
}

// registers unpacks a Read Holding Registers response body.
func registers(resp modbus.ProtocolDataUnit) ([]uint16, error) {
	if resp.FunctionCode != modbus.FuncCodeReadHoldingRegisters || len(resp.Data) < 1 {
		return nil, fmt.Errorf("unexpected response: function %#x, %d bytes", resp.FunctionCode, len(resp.Data))
	}
	count := int(resp.Data[0])
	if count%2 != 0 || len(resp.Data)-1 != count {
		return nil, fmt.Errorf("byte count %d does not match %d payload bytes", count, len(resp.Data)-1)
	}
	regs := make([]uint16, count/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp.Data[1+2*i:])
	}
	return regs, nil
}

func classify(err error) source.Failure {
	var crcErr *rtupacket.CRCError
	switch {
	case errors.As(err, &crcErr):
		return source.FailCRC
	case errors.Is(err, rtupacket.ErrRequestTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		return source.FailTimeout
	default:
		return source.FailMalformed
	}
}
