// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package hoymiles

// DTU real-time data area. The vendor documents each port block as 40 bytes
// starting at 0x1000 + port*0x28; fields are byte-addressed and packed
// big-endian, two bytes per register.
const (
	DataBase   = 0x1000
	PortStride = 0x28

	// ReadCount covers the documented 40-byte port block.
	ReadCount = 20
	// MinRegisters covers everything up to and including the link status byte.
	MinRegisters = 17
)

// Word offsets inside a port block.
//
//	byte 0x00     data type            word 0 high
//	byte 0x01-06  serial (6 bytes)     word 0 low .. word 3 high
//	byte 0x07     port number          word 3 low
//	byte 0x08-09  PV voltage   x0.1 V  word 4
//	byte 0x0A-0B  PV current   x0.01 A word 5
//	byte 0x0C-0D  grid voltage x0.1 V  word 6
//	byte 0x0E-0F  frequency    x0.01Hz word 7
//	byte 0x10-11  PV power     x0.1 W  word 8
//	byte 0x12-13  today Wh             word 9
//	byte 0x14-17  lifetime Wh          words 10-11, high word first
//	byte 0x18-19  temperature  x0.1 C  word 12, signed
//	byte 0x1A-1B  operating status     word 13
//	byte 0x1C-1D  alarm code           word 14
//	byte 0x1E-1F  alarm count          word 15
//	byte 0x20     link status          word 16 high
//	byte 0x21     reserved             word 16 low
const (
	wordTypeSerial   = 0
	wordSerialEnd    = 3
	wordPVVoltage    = 4
	wordPVCurrent    = 5
	wordGridVoltage  = 6
	wordFrequency    = 7
	wordPVPower      = 8
	wordTodayWh      = 9
	wordTotalWhHigh  = 10
	wordTotalWhLow   = 11
	wordTemperature  = 12
	wordOperating    = 13
	wordAlarmCode    = 14
	wordAlarmCount   = 15
	wordLinkStatus   = 16
	serialLength     = 6
)

// Per-port control registers.
const (
	ControlBase   = 0xC006
	ControlStride = 6

	onOffOffset = 0
	limitOffset = 1

	// LimitMin and LimitMax bound the native power limit percentage.
	LimitMin = 2
	LimitMax = 100
)

// DataAddress returns the first register of a port's data block.
func DataAddress(port byte) uint16 {
	return DataBase + uint16(port)*PortStride
}

// OnOffAddress returns the coil that switches a port's inverter on or off.
func OnOffAddress(port byte) uint16 {
	return ControlBase + uint16(port)*ControlStride + onOffOffset
}

// LimitAddress returns the register holding a port's power limit percentage.
func LimitAddress(port byte) uint16 {
	return ControlBase + uint16(port)*ControlStride + limitOffset
}

// LimitPercent converts a tenth-of-percent limit (0..1000) to the native whole
// percentage, clamped to [LimitMin, LimitMax].
func LimitPercent(tenths uint16) uint16 {
	pct := tenths / 10
	if pct < LimitMin {
		return LimitMin
	}
	if pct > LimitMax {
		return LimitMax
	}
	return pct
}
