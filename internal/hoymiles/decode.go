// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package hoymiles

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ffutop/sunspec-gateway/internal/source"
)

// ShortBlockError is returned when a port block is too short to decode.
type ShortBlockError struct {
	Registers int
}

func (e *ShortBlockError) Error() string {
	return fmt.Sprintf("hoymiles: port block has %d registers, need %d", e.Registers, MinRegisters)
}

// Block is one port's real-time data as the DTU reports it, already scaled.
type Block struct {
	DataType        byte
	Serial          [serialLength]byte
	Port            byte
	PVVoltage       float64 // V
	PVCurrent       float64 // A
	GridVoltage     float64 // V
	Frequency       float64 // Hz
	PVPower         float64 // W
	TodayWh         uint16
	TotalWh         uint32
	Temperature     float64 // °C
	OperatingStatus uint16
	AlarmCode       uint16
	AlarmCount      uint16
	LinkStatus      byte
	LinkReserved    byte
}

// highByte and lowByte split a register into its big-endian bytes.
func highByte(w uint16) byte { return byte(w >> 8) }
func lowByte(w uint16) byte  { return byte(w) }

// unpackBytes flattens registers into their big-endian byte stream.
func unpackBytes(regs []uint16) []byte {
	out := make([]byte, 0, len(regs)*2)
	for _, w := range regs {
		out = append(out, highByte(w), lowByte(w))
	}
	return out
}

// Decode parses a port block. regs[0] must be the register at DataAddress(port).
func Decode(regs []uint16) (Block, error) {
	if len(regs) < MinRegisters {
		return Block{}, &ShortBlockError{Registers: len(regs)}
	}

	var b Block
	head := unpackBytes(regs[wordTypeSerial : wordSerialEnd+1])
	b.DataType = head[0]
	copy(b.Serial[:], head[1:1+serialLength])
	b.Port = head[1+serialLength]

	b.PVVoltage = float64(regs[wordPVVoltage]) / 10
	b.PVCurrent = float64(regs[wordPVCurrent]) / 100
	b.GridVoltage = float64(regs[wordGridVoltage]) / 10
	b.Frequency = float64(regs[wordFrequency]) / 100
	b.PVPower = float64(regs[wordPVPower]) / 10
	b.TodayWh = regs[wordTodayWh]
	b.TotalWh = uint32(regs[wordTotalWhHigh])<<16 | uint32(regs[wordTotalWhLow])
	b.Temperature = float64(int16(regs[wordTemperature])) / 10
	b.OperatingStatus = regs[wordOperating]
	b.AlarmCode = regs[wordAlarmCode]
	b.AlarmCount = regs[wordAlarmCount]
	b.LinkStatus = highByte(regs[wordLinkStatus])
	b.LinkReserved = lowByte(regs[wordLinkStatus])
	return b, nil
}

// SerialString renders the serial as the 12 hex digits printed on the device.
// An all-zero or all-0xFF serial is reported as empty.
func (b Block) SerialString() string {
	allZero, allFF := true, true
	for _, c := range b.Serial {
		allZero = allZero && c == 0x00
		allFF = allFF && c == 0xFF
	}
	if allZero || allFF {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(b.Serial[:]))
}

// Measurement converts the block into the canonical record. prev supplies the
// AC current when it cannot be derived because the grid voltage is zero.
// A micro-inverter reports no separate AC power, so PV power stands in for it.
func (b Block) Measurement(prev source.Measurement) source.Measurement {
	m := source.Measurement{
		Power:           source.Some(b.PVPower),
		Voltage:         source.Some(b.GridVoltage),
		Frequency:       source.Some(b.Frequency),
		EnergyWh:        source.Some(float64(b.TotalWh)),
		TodayWh:         source.Some(float64(b.TodayWh)),
		Temperature:     source.Some(b.Temperature),
		DCVoltage:       source.Some(b.PVVoltage),
		DCCurrent:       source.Some(b.PVCurrent),
		DCPower:         source.Some(b.PVPower),
		OperatingStatus: b.OperatingStatus,
		AlarmCode:       b.AlarmCode,
		AlarmCount:      b.AlarmCount,
		LinkStatus:      b.LinkStatus,
		LinkReserved:    b.LinkReserved,
		Producing:       b.PVPower > 0,
	}
	if b.GridVoltage > 0 {
		m.Current = source.Some(b.PVPower / b.GridVoltage)
	} else {
		m.Current = prev.Current
	}
	return m
}
