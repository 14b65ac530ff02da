// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sunspec

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNameplate() Nameplate {
	return Nameplate{
		UnitID:       126,
		Phases:       3,
		Manufacturer: "Hoymiles",
		Model:        "Hoymiles Aggregate",
		Version:      "1.1.0",
		Serial:       "HM-BRIDGE-001",
		RatedPower:   2600,
		RatedCurrent: 3.8,
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []ControlEvent
}

func (l *recordingListener) OnControl(ev ControlEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func TestRegisterMap_Layout(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	regs := m.Snapshot()
	require.Len(t, regs, Length)

	assert.Equal(t, uint16(0x5375), regs[0])
	assert.Equal(t, uint16(0x6e53), regs[1])

	models, err := WalkModels(regs)
	require.NoError(t, err)
	require.Len(t, models, 4)
	assert.Equal(t, ModelHeader{ID: 1, Offset: 2, Length: 66}, models[0])
	assert.Equal(t, ModelHeader{ID: 103, Offset: 70, Length: 50}, models[1])
	assert.Equal(t, ModelHeader{ID: 120, Offset: 122, Length: 26}, models[2])
	assert.Equal(t, ModelHeader{ID: 123, Offset: 150, Length: 24}, models[3])
	assert.Equal(t, uint16(0xFFFF), regs[176])
	assert.Equal(t, uint16(0), regs[177])
}

func TestRegisterMap_Common(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	common, err := m.Read(Address(OffsetCommon+2), CommonLength)
	require.NoError(t, err)

	assert.Equal(t, "Hoymiles", String(common[CommonMn:CommonMd]))
	assert.Equal(t, "Hoymiles Aggregate", String(common[CommonMd:CommonOpt]))
	assert.Equal(t, "1.1.0", String(common[CommonVr:CommonSN]))
	assert.Equal(t, "HM-BRIDGE-001", String(common[CommonSN:CommonDA]))
	assert.Equal(t, uint16(126), common[CommonDA])
	assert.Equal(t, uint16(0x8000), common[CommonPad])
}

func TestRegisterMap_SinglePhaseModel(t *testing.T) {
	np := testNameplate()
	np.Phases = 1
	m := NewRegisterMap(np)
	hdr, err := m.Read(Address(OffsetInverter), 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), hdr[0])
}

func TestRegisterMap_InitialInverter(t *testing.T) {
	inv := NewRegisterMap(testNameplate()).Inverter()

	assert.Equal(t, uint16(StateSleeping), inv[InvSt])
	assert.Equal(t, uint16(0xFFFF), inv[InvA])
	assert.Equal(t, uint16(0x8000), inv[InvW])
	assert.Equal(t, uint16(0x8000), inv[InvTmpCab])
	assert.Equal(t, uint16(0), inv[InvEvt1])
	assert.Equal(t, uint16(0), inv[InvEvt1+1])

	sf, ok := DecodeSF(inv[InvASF])
	assert.True(t, ok)
	assert.Equal(t, int16(-2), sf)
	sf, _ = DecodeSF(inv[InvTmpSF])
	assert.Equal(t, int16(-1), sf)

	_, ok = DecodeS16(inv[InvW], 0)
	assert.False(t, ok, "sentinel decodes to not available")
}

func TestRegisterMap_Nameplate(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	d, err := m.Read(Address(OffsetNameplate+2), NameplateLength)
	require.NoError(t, err)

	assert.Equal(t, uint16(4), d[NameDERTyp])
	assert.Equal(t, uint16(2600), d[NameWRtg])
	assert.Equal(t, uint16(38), d[NameARtg])
	assert.Equal(t, uint16(0xFFFF), d[NameWHRtg])
	sf, _ := DecodeSF(d[NameARtgSF])
	assert.Equal(t, int16(-1), sf)
}

func TestRegisterMap_ReadRange(t *testing.T) {
	m := NewRegisterMap(testNameplate())

	_, err := m.Read(BaseAddress, Length)
	assert.NoError(t, err)

	cases := []struct {
		name     string
		address  uint16
		quantity uint16
	}{
		{"before base", BaseAddress - 1, 2},
		{"past end", BaseAddress + Length - 1, 2},
		{"zero quantity", BaseAddress, 0},
		{"far away", 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Read(tc.address, tc.quantity)
			assert.Error(t, err)
		})
	}
}

func TestRegisterMap_WriteRejected(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	before := m.Snapshot()

	for off := 0; off < Length; off++ {
		if off >= writableFirst && off <= writableLast {
			continue
		}
		err := m.Write(Address(off), []uint16{1})
		assert.ErrorIs(t, err, ErrNotWritable, "offset %d", off)
	}

	err := m.Write(ControlAddress(CtlWMaxLimEna), []uint16{1, 1})
	assert.ErrorIs(t, err, ErrNotWritable, "write crossing the writable range")

	err = m.Write(BaseAddress-1, []uint16{1})
	assert.True(t, errors.Is(err, ErrAddress))

	assert.Equal(t, before, m.Snapshot())
}

func TestRegisterMap_WriteReadBack(t *testing.T) {
	m := NewRegisterMap(testNameplate())

	values := []uint16{500, 30, 60, 10, 1}
	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimPct), values))
	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimPct), values))

	got, err := m.Read(ControlAddress(CtlWMaxLimPct), 5)
	require.NoError(t, err)
	assert.Equal(t, values, got)

	pct, enabled := m.PowerLimit()
	assert.Equal(t, 50.0, pct)
	assert.True(t, enabled)
}

func TestRegisterMap_ControlEvents(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	l := &recordingListener{}
	m.SetControlListener(l)

	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimPctWinTms), []uint16{5}))
	assert.Empty(t, l.events, "timing cells do not raise events")

	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimPct), []uint16{650}))
	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimEna), []uint16{1}))
	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimEna), []uint16{0}))

	require.Len(t, l.events, 3)
	assert.Equal(t, ControlEvent{LimitPct: 650, Enabled: false}, l.events[0])
	assert.Equal(t, ControlEvent{LimitPct: 650, Enabled: true}, l.events[1])
	assert.Equal(t, ControlEvent{LimitPct: 650, Enabled: false}, l.events[2])
}

func TestRegisterMap_ListenerMayRead(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	done := make(chan float64, 1)
	m.SetControlListener(listenerFunc(func(ControlEvent) {
		pct, _ := m.PowerLimit()
		done <- pct
	}))

	require.NoError(t, m.Write(ControlAddress(CtlWMaxLimPct), []uint16{420}))
	assert.Equal(t, 42.0, <-done)
}

type listenerFunc func(ControlEvent)

func (f listenerFunc) OnControl(ev ControlEvent) { f(ev) }

func TestRegisterMap_UpdateInverter(t *testing.T) {
	m := NewRegisterMap(testNameplate())
	m.UpdateInverter(func(inv []uint16) {
		require.Len(t, inv, InverterLength)
		inv[InvW] = EncodeS16(2100, SFPower)
		inv[InvSt] = uint16(StateMPPT)
	})

	got, err := m.Read(InverterAddress(InvW), 1)
	require.NoError(t, err)
	w, ok := DecodeS16(got[0], SFPower)
	assert.True(t, ok)
	assert.Equal(t, 2100.0, w)
	assert.Equal(t, uint16(StateMPPT), m.Inverter()[InvSt])
}

func TestWalkModels_NoMarker(t *testing.T) {
	_, err := WalkModels([]uint16{0, 0, 1, 0})
	assert.ErrorIs(t, err, ErrNoMarker)
}

func TestWalkModels_Truncated(t *testing.T) {
	regs := NewRegisterMap(testNameplate()).Snapshot()
	models, err := WalkModels(regs[:100])
	assert.Error(t, err)
	assert.Len(t, models, 2)
}
