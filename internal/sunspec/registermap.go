// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sunspec

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAddress is returned for accesses outside the map.
	ErrAddress = errors.New("address range out of bounds")
	// ErrNotWritable is returned for writes outside the immediate controls sub-range.
	ErrNotWritable = errors.New("register not writable")
)

// Nameplate is the static identity the map is built from.
type Nameplate struct {
	UnitID       byte
	Phases       int
	Manufacturer string
	Model        string
	Options      string
	Version      string
	Serial       string
	RatedPower   int
	RatedCurrent float64
}

// ControlEvent is raised by a write touching WMaxLimPct or WMaxLim_Ena.
type ControlEvent struct {
	// LimitPct is WMaxLimPct in tenths of a percent.
	LimitPct uint16
	Enabled  bool
}

// ControlListener observes control events.
type ControlListener interface {
	OnControl(ev ControlEvent)
}

// RegisterMap is the SunSpec holding register image served to TCP clients.
type RegisterMap struct {
	mu       sync.RWMutex
	regs     [Length]uint16
	listener ControlListener
}

// NewRegisterMap builds the static blocks from np. Telemetry cells start out
// not implemented and St starts as Sleeping.
func NewRegisterMap(np Nameplate) *RegisterMap {
	m := &RegisterMap{}
	r := m.regs[:]

	r[OffsetMarker] = MarkerHigh
	r[OffsetMarker+1] = MarkerLow

	buildCommon(r[OffsetCommon:OffsetInverter], np)
	buildInverter(r[OffsetInverter:OffsetNameplate], np.Phases)
	buildNameplate(r[OffsetNameplate:OffsetControls], np)
	buildControls(r[OffsetControls:OffsetEnd])

	r[OffsetEnd] = ModelEnd
	r[OffsetEnd+1] = 0
	return m
}

func buildCommon(b []uint16, np Nameplate) {
	b[0], b[1] = ModelCommon, CommonLength
	d := b[2:]
	PutString(d[CommonMn:CommonMd], np.Manufacturer)
	PutString(d[CommonMd:CommonOpt], np.Model)
	PutString(d[CommonOpt:CommonVr], np.Options)
	PutString(d[CommonVr:CommonSN], np.Version)
	PutString(d[CommonSN:CommonDA], np.Serial)
	d[CommonDA] = uint16(np.UnitID)
	d[CommonPad] = NotImplementedS16
}

// inverterSigned lists the int16 and sunssf cells of the inverter block.
var inverterSigned = map[int]bool{
	InvASF: true, InvVSF: true, InvW: true, InvWSF: true, InvHzSF: true,
	InvVA: true, InvVASF: true, InvVAr: true, InvVArSF: true, InvPF: true,
	InvPFSF: true, InvWHSF: true, InvDCASF: true, InvDCVSF: true, InvDCW: true,
	InvDCWSF: true, InvTmpCab: true, InvTmpSnk: true, InvTmpTrns: true,
	InvTmpOt: true, InvTmpSF: true,
}

func buildInverter(b []uint16, phases int) {
	b[0], b[1] = ModelInverterSingle, InverterLength
	if phases == 3 {
		b[0] = ModelInverterThree
	}
	d := b[2:]
	for i := range d {
		if inverterSigned[i] {
			d[i] = NotImplementedS16
		} else {
			d[i] = NotImplementedU16
		}
	}
	PutAcc32(d[InvWH:], 0)
	for _, i := range []int{InvEvt1, InvEvt2, InvEvtVnd1, InvEvtVnd2, InvEvtVnd3, InvEvtVnd4} {
		d[i], d[i+1] = 0, 0
	}

	d[InvASF] = EncodeSF(SFCurrent)
	d[InvVSF] = EncodeSF(SFVoltage)
	d[InvWSF] = EncodeSF(SFPower)
	d[InvHzSF] = EncodeSF(SFFrequency)
	d[InvVASF] = EncodeSF(SFVA)
	d[InvVArSF] = EncodeSF(SFVAr)
	d[InvPFSF] = EncodeSF(SFPowerFactor)
	d[InvWHSF] = EncodeSF(SFEnergy)
	d[InvDCASF] = EncodeSF(SFDCCurrent)
	d[InvDCVSF] = EncodeSF(SFDCVoltage)
	d[InvDCWSF] = EncodeSF(SFDCPower)
	d[InvTmpSF] = EncodeSF(SFTemperature)
	d[InvSt] = uint16(StateSleeping)
}

// nameplateSigned lists the int16 and sunssf cells of model 120.
var nameplateSigned = map[int]bool{
	2: true, 4: true, 5: true, 6: true, 7: true, 8: true, 9: true, 11: true,
	12: true, 13: true, 14: true, 15: true, 16: true, 18: true, 20: true,
	22: true, 24: true,
}

func buildNameplate(b []uint16, np Nameplate) {
	b[0], b[1] = ModelNameplate, NameplateLength
	d := b[2:]
	for i := range d {
		if nameplateSigned[i] {
			d[i] = NotImplementedS16
		} else {
			d[i] = NotImplementedU16
		}
	}
	d[NameDERTyp] = DERTypePV
	d[NameWRtg] = EncodeU16(float64(np.RatedPower), 0)
	d[NameWRtgSF] = EncodeSF(0)
	d[NameVARtg] = EncodeU16(float64(np.RatedPower), 0)
	d[NameVARtgSF] = EncodeSF(0)
	d[NameARtg] = EncodeU16(np.RatedCurrent, -1)
	d[NameARtgSF] = EncodeSF(-1)
}

// controlsSigned lists the int16 and sunssf cells of model 123.
var controlsSigned = map[int]bool{
	CtlOutPFSet: true, 13: true, 14: true, 15: true,
	CtlWMaxLimPctSF: true, CtlOutPFSetSF: true, CtlVArPctSF: true,
}

func buildControls(b []uint16) {
	b[0], b[1] = ModelControls, ControlsLength
	d := b[2:]
	for i := range d {
		if controlsSigned[i] {
			d[i] = NotImplementedS16
		} else {
			d[i] = NotImplementedU16
		}
	}
	d[CtlConn] = 1
	d[CtlWMaxLimPct] = LimitFull
	d[CtlWMaxLimEna] = 0
	d[CtlWMaxLimPctSF] = EncodeSF(SFLimitPct)
}

// SetControlListener registers l for control events. Pass nil to detach.
func (m *RegisterMap) SetControlListener(l ControlListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func offsetOf(address, quantity uint16) (int, error) {
	if quantity == 0 {
		return 0, fmt.Errorf("quantity must be greater than 0")
	}
	if address < BaseAddress || int(address)-BaseAddress+int(quantity) > Length {
		return 0, fmt.Errorf("%w: %d+%d", ErrAddress, address, quantity)
	}
	return int(address) - BaseAddress, nil
}

// Read returns quantity registers starting at address.
func (m *RegisterMap) Read(address, quantity uint16) ([]uint16, error) {
	off, err := offsetOf(address, quantity)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uint16, quantity)
	copy(out, m.regs[off:])
	return out, nil
}

// Write stores values starting at address. Every target cell must lie inside
// the immediate controls writable sub-range. A write touching WMaxLimPct or
// WMaxLim_Ena notifies the control listener after the map is unlocked.
func (m *RegisterMap) Write(address uint16, values []uint16) error {
	off, err := offsetOf(address, uint16(len(values)))
	if err != nil {
		return err
	}
	last := off + len(values) - 1
	if off < writableFirst || last > writableLast {
		return fmt.Errorf("%w: %d+%d", ErrNotWritable, address, len(values))
	}

	m.mu.Lock()
	copy(m.regs[off:], values)
	touched := off <= offsetLimitPct && offsetLimitPct <= last ||
		off <= offsetLimitEna && offsetLimitEna <= last
	ev := ControlEvent{
		LimitPct: m.regs[offsetLimitPct],
		Enabled:  m.regs[offsetLimitEna] == 1,
	}
	l := m.listener
	m.mu.Unlock()

	if touched && l != nil {
		l.OnControl(ev)
	}
	return nil
}

// UpdateInverter runs fn on the inverter data block under the write lock.
func (m *RegisterMap) UpdateInverter(fn func(block []uint16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.regs[OffsetInverter+2 : OffsetNameplate])
}

// Inverter returns a copy of the inverter data block.
func (m *RegisterMap) Inverter() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint16, InverterLength)
	copy(out, m.regs[OffsetInverter+2:OffsetNameplate])
	return out
}

// PowerLimit returns the current WMaxLimPct in percent and its enable flag.
func (m *RegisterMap) PowerLimit() (pct float64, enabled bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.regs[offsetLimitPct]) / 10, m.regs[offsetLimitEna] == 1
}

// Snapshot returns a copy of the whole map.
func (m *RegisterMap) Snapshot() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint16, Length)
	copy(out, m.regs[:])
	return out
}
