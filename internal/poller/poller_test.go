// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/sunspec-gateway/internal/source"
	"github.com/ffutop/sunspec-gateway/modbus"
	rtupacket "github.com/ffutop/sunspec-gateway/modbus/rtu"
)

type call struct {
	slaveID byte
	start   uint16
	count   uint16
}

// fakeBus answers requests from a queue of canned replies.
type fakeBus struct {
	calls   []call
	replies []func() (modbus.ProtocolDataUnit, error)
	state   func() State
	states  []State
}

func (b *fakeBus) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	b.calls = append(b.calls, call{
		slaveID: slaveID,
		start:   binary.BigEndian.Uint16(pdu.Data[0:2]),
		count:   binary.BigEndian.Uint16(pdu.Data[2:4]),
	})
	if b.state != nil {
		b.states = append(b.states, b.state())
	}
	next := b.replies[0]
	b.replies = b.replies[1:]
	return next()
}

// block builds a block of n registers for port reporting power in watts at 230 V.
func block(port byte, n int, power float64) []uint16 {
	regs := make([]uint16, n)
	regs[0] = 0x3C11
	regs[1] = 0x6491
	regs[2] = 0x2345
	regs[3] = 0x6700 | uint16(port)
	regs[4] = 328                // 32.8 V
	regs[5] = 1000               // 10.00 A
	regs[6] = 2300               // 230.0 V
	regs[7] = 5000               // 50.00 Hz
	regs[8] = uint16(power * 10) // W x0.1
	regs[9] = 123                // today Wh
	regs[10], regs[11] = 0x0001, 0x86A0
	regs[12] = 251 // 25.1 °C
	regs[13] = 3
	return regs
}

func readReply(regs []uint16) func() (modbus.ProtocolDataUnit, error) {
	return func() (modbus.ProtocolDataUnit, error) {
		data := make([]byte, 1+2*len(regs))
		data[0] = byte(2 * len(regs))
		for i, r := range regs {
			binary.BigEndian.PutUint16(data[1+2*i:], r)
		}
		return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: data}, nil
	}
}

func errReply(err error) func() (modbus.ProtocolDataUnit, error) {
	return func() (modbus.ProtocolDataUnit, error) { return modbus.ProtocolDataUnit{}, err }
}

func newFleet() *source.Fleet {
	return source.NewFleet([]source.Identity{
		{Name: "east", Port: 0, Phases: 1, Phase: 1},
		{Name: "west", Port: 2, Phases: 1, Phase: 2},
	})
}

func TestPoller_Success(t *testing.T) {
	fleet := newFleet()
	var updated []int
	bus := &fakeBus{replies: []func() (modbus.ProtocolDataUnit, error){readReply(block(2, 20, 450))}}
	p := New(bus, fleet, Config{Address: 126, PollInterval: time.Second}, func(i int) { updated = append(updated, i) })
	bus.state = p.State

	require.NoError(t, p.Poll(context.Background(), 1))

	require.Len(t, bus.calls, 1)
	assert.Equal(t, call{slaveID: 126, start: 0x1050, count: 20}, bus.calls[0])
	assert.Equal(t, []State{AwaitingResponse}, bus.states)
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, []int{1}, updated)

	s := fleet.Snapshot(1)
	assert.True(t, s.DataValid)
	assert.Equal(t, uint64(1), s.Stats.Success)
	assert.Equal(t, "116491234567", s.DecodedSerial)
	assert.InDelta(t, 450.0, s.Measurement.Power.V, 1e-9)
	assert.InDelta(t, 450.0/230.0, s.Measurement.Current.V, 1e-9)
	assert.InDelta(t, 25.1, s.Measurement.Temperature.V, 1e-9)
	assert.False(t, fleet.Snapshot(0).DataValid)
}

func TestPoller_ShortResponseKeepsRecord(t *testing.T) {
	fleet := newFleet()
	updates := 0
	bus := &fakeBus{replies: []func() (modbus.ProtocolDataUnit, error){
		readReply(block(0, 20, 300)),
		readReply(block(0, 16, 999)),
	}}
	p := New(bus, fleet, Config{Address: 126, PollInterval: time.Second}, func(int) { updates++ })

	require.NoError(t, p.Poll(context.Background(), 0))
	before := fleet.Snapshot(0)

	assert.Error(t, p.Poll(context.Background(), 0))

	after := fleet.Snapshot(0)
	assert.Equal(t, before.Measurement, after.Measurement)
	assert.True(t, after.DataValid)
	assert.Equal(t, before.LastPoll, after.LastPoll)
	assert.Equal(t, uint64(1), after.Stats.Fail)
	assert.Equal(t, uint64(1), after.Stats.Success)
	assert.Equal(t, 1, updates)
}

// A reply carrying another port's block is rejected and the record for the
// polled source stays as it was.
func TestPoller_WrongPortKeepsRecord(t *testing.T) {
	fleet := newFleet()
	updates := 0
	bus := &fakeBus{replies: []func() (modbus.ProtocolDataUnit, error){
		readReply(block(2, 20, 300)),
		readReply(block(0, 20, 999)),
	}}
	p := New(bus, fleet, Config{Address: 126, PollInterval: time.Second}, func(int) { updates++ })

	require.NoError(t, p.Poll(context.Background(), 1))
	before := fleet.Snapshot(1)

	assert.Error(t, p.Poll(context.Background(), 1))

	after := fleet.Snapshot(1)
	assert.Equal(t, before.Measurement, after.Measurement)
	assert.InDelta(t, 300.0, after.Measurement.Power.V, 1e-9)
	assert.Equal(t, source.Stats{Success: 1, Fail: 1}, after.Stats)
	assert.Equal(t, 1, updates)
	assert.False(t, fleet.Snapshot(0).DataValid)
}

func TestPoller_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply func() (modbus.ProtocolDataUnit, error)
		want  source.Stats
	}{
		{
			name:  "timeout",
			reply: errReply(rtupacket.ErrRequestTimedOut),
			want:  source.Stats{Timeout: 1},
		},
		{
			name:  "crc",
			reply: errReply(&rtupacket.CRCError{Expected: 0x1234, Received: 0x4321}),
			want:  source.Stats{Fail: 1, CRCErrors: 1},
		},
		{
			name: "exception",
			reply: func() (modbus.ProtocolDataUnit, error) {
				return modbus.Exception(0x03, modbus.ExceptionCodeIllegalDataAddress), nil
			},
			want: source.Stats{Fail: 1},
		},
		{
			name: "byte count mismatch",
			reply: func() (modbus.ProtocolDataUnit, error) {
				return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x28, 0x00, 0x01}}, nil
			},
			want: source.Stats{Fail: 1},
		},
		{
			name:  "context deadline",
			reply: errReply(context.DeadlineExceeded),
			want:  source.Stats{Timeout: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fleet := newFleet()
			called := false
			bus := &fakeBus{replies: []func() (modbus.ProtocolDataUnit, error){tt.reply}}
			p := New(bus, fleet, Config{Address: 126, PollInterval: time.Second}, func(int) { called = true })

			assert.Error(t, p.Poll(context.Background(), 0))

			s := fleet.Snapshot(0)
			assert.Equal(t, tt.want, s.Stats)
			assert.False(t, s.DataValid)
			assert.False(t, called)
			assert.Equal(t, Idle, p.State())
		})
	}
}

func TestPoller_RoundRobin(t *testing.T) {
	fleet := newFleet()
	bus := &fakeBus{}
	for i := 0; i < 5; i++ {
		bus.replies = append(bus.replies, readReply(block(byte(2*(i%2)), 20, 100)))
	}
	p := New(bus, fleet, Config{Address: 126, PollInterval: time.Second}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.PollNext(context.Background()))
	}

	var starts []uint16
	for _, c := range bus.calls {
		starts = append(starts, c.start)
	}
	assert.Equal(t, []uint16{0x1000, 0x1050, 0x1000, 0x1050, 0x1000}, starts)
	assert.Equal(t, uint64(3), fleet.Snapshot(0).Stats.Success)
	assert.Equal(t, uint64(2), fleet.Snapshot(1).Stats.Success)
}

func TestPoller_SlotInterval(t *testing.T) {
	p := New(&fakeBus{}, newFleet(), Config{PollInterval: 5 * time.Second}, nil)
	assert.Equal(t, 2500*time.Millisecond, p.SlotInterval())
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	fleet := source.NewFleet([]source.Identity{{Name: "only", Port: 0, Phases: 1, Phase: 1}})
	bus := &fakeBus{}
	for i := 0; i < 100; i++ {
		bus.replies = append(bus.replies, readReply(block(0, 20, 100)))
	}
	p := New(bus, fleet, Config{Address: 126, PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.GreaterOrEqual(t, fleet.Snapshot(0).Stats.Success, uint64(2))
}
