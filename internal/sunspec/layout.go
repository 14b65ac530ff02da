// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sunspec

// Map layout. Offsets are relative to BaseAddress; every model block starts
// with a two register header (model id, block length).
const (
	BaseAddress = 40000
	Length      = 178

	OffsetMarker = 0

	OffsetCommon = 2
	ModelCommon  = 1
	CommonLength = 66

	OffsetInverter       = 70
	ModelInverterSingle  = 101
	ModelInverterThree   = 103
	InverterLength       = 50

	OffsetNameplate = 122
	ModelNameplate  = 120
	NameplateLength = 26

	OffsetControls = 150
	ModelControls  = 123
	ControlsLength = 24

	OffsetEnd = 176
	ModelEnd  = 0xFFFF
)

// Marker is "SunS".
const (
	MarkerHigh = 0x5375
	MarkerLow  = 0x6e53
)

// Common model (1) data indices.
const (
	CommonMn  = 0  // manufacturer, 16 registers
	CommonMd  = 16 // model, 16 registers
	CommonOpt = 32 // options, 8 registers
	CommonVr  = 40 // version, 8 registers
	CommonSN  = 48 // serial, 16 registers
	CommonDA  = 64
	CommonPad = 65
)

// Inverter model (101/103) data indices.
const (
	InvA       = 0
	InvAphA    = 1
	InvAphB    = 2
	InvAphC    = 3
	InvASF     = 4
	InvPPVphAB = 5
	InvPPVphBC = 6
	InvPPVphCA = 7
	InvPhVphA  = 8
	InvPhVphB  = 9
	InvPhVphC  = 10
	InvVSF     = 11
	InvW       = 12
	InvWSF     = 13
	InvHz      = 14
	InvHzSF    = 15
	InvVA      = 16
	InvVASF    = 17
	InvVAr     = 18
	InvVArSF   = 19
	InvPF      = 20
	InvPFSF    = 21
	InvWH      = 22 // acc32, two registers
	InvWHSF    = 24
	InvDCA     = 25
	InvDCASF   = 26
	InvDCV     = 27
	InvDCVSF   = 28
	InvDCW     = 29
	InvDCWSF   = 30
	InvTmpCab  = 31
	InvTmpSnk  = 32
	InvTmpTrns = 33
	InvTmpOt   = 34
	InvTmpSF   = 35
	InvSt      = 36
	InvStVnd   = 37
	InvEvt1    = 38 // bitfield32
	InvEvt2    = 40
	InvEvtVnd1 = 42
	InvEvtVnd2 = 44
	InvEvtVnd3 = 46
	InvEvtVnd4 = 48
)

// Fixed scale factors of the inverter block.
const (
	SFCurrent     int16 = -2
	SFVoltage     int16 = -1
	SFPower       int16 = 0
	SFFrequency   int16 = -2
	SFVA          int16 = 0
	SFVAr         int16 = 0
	SFPowerFactor int16 = -2
	SFEnergy      int16 = 0
	SFDCCurrent   int16 = -2
	SFDCVoltage   int16 = -1
	SFDCPower     int16 = 0
	SFTemperature int16 = -1
)

// Nameplate model (120) data indices.
const (
	NameDERTyp  = 0
	NameWRtg    = 1
	NameWRtgSF  = 2
	NameVARtg   = 3
	NameVARtgSF = 4
	NameARtg    = 10
	NameARtgSF  = 11
	NameWHRtg   = 17
	NameWHRtgSF = 18
	NamePad     = 25

	DERTypePV = 4
)

// Immediate controls model (123) data indices.
const (
	CtlConnWinTms        = 0
	CtlConnRvrtTms       = 1
	CtlConn              = 2
	CtlWMaxLimPct        = 3
	CtlWMaxLimPctWinTms  = 4
	CtlWMaxLimPctRvrtTms = 5
	CtlWMaxLimPctRmpTms  = 6
	CtlWMaxLimEna        = 7
	CtlOutPFSet          = 8
	CtlOutPFSetEna       = 12
	CtlVArPctMod         = 19
	CtlVArPctEna         = 20
	CtlWMaxLimPctSF      = 21
	CtlOutPFSetSF        = 22
	CtlVArPctSF          = 23

	SFLimitPct int16 = -1

	// LimitFull is WMaxLimPct at 100.0 %.
	LimitFull = 1000
)

// Writable sub-range: WMaxLimPct through WMaxLim_Ena.
const (
	writableFirst = OffsetControls + 2 + CtlWMaxLimPct
	writableLast  = OffsetControls + 2 + CtlWMaxLimEna

	offsetLimitPct = OffsetControls + 2 + CtlWMaxLimPct
	offsetLimitEna = OffsetControls + 2 + CtlWMaxLimEna
)

// Address returns the Modbus address of a map offset.
func Address(offset int) uint16 {
	return uint16(BaseAddress + offset)
}

// InverterAddress returns the Modbus address of an inverter block field.
func InverterAddress(index int) uint16 {
	return Address(OffsetInverter + 2 + index)
}

// ControlAddress returns the Modbus address of an immediate controls field.
func ControlAddress(index int) uint16 {
	return Address(OffsetControls + 2 + index)
}
