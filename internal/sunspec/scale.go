// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package sunspec

import (
	"math"
	"strings"
)

// Not-implemented sentinels.
const (
	NotImplementedS16 uint16 = 0x8000
	NotImplementedU16 uint16 = 0xFFFF
)

// State is the SunSpec operating state (St).
type State uint16

const (
	StateOff          State = 1
	StateSleeping     State = 2
	StateStarting     State = 3
	StateMPPT         State = 4
	StateThrottled    State = 5
	StateShuttingDown State = 6
	StateFault        State = 7
	StateStandby      State = 8
)

var stateNames = map[State]string{
	StateOff:          "Off",
	StateSleeping:     "Sleeping",
	StateStarting:     "Starting",
	StateMPPT:         "MPPT",
	StateThrottled:    "Throttled",
	StateShuttingDown: "ShuttingDown",
	StateFault:        "Fault",
	StateStandby:      "Standby",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func pow10(sf int16) float64 {
	return math.Pow(10, float64(sf))
}

// EncodeU16 scales v by 10^-sf, rounds and clamps into the unsigned range
// below the sentinel.
func EncodeU16(v float64, sf int16) uint16 {
	raw := math.Round(v / pow10(sf))
	if math.IsNaN(raw) || raw < 0 {
		return 0
	}
	if raw > float64(NotImplementedU16-1) {
		return NotImplementedU16 - 1
	}
	return uint16(raw)
}

// EncodeS16 scales v by 10^-sf, rounds and clamps into [-32767, 32767].
func EncodeS16(v float64, sf int16) uint16 {
	raw := math.Round(v / pow10(sf))
	switch {
	case math.IsNaN(raw):
		return 0
	case raw > math.MaxInt16:
		raw = math.MaxInt16
	case raw < -math.MaxInt16:
		raw = -math.MaxInt16
	}
	return uint16(int16(raw))
}

// EncodeSF encodes a scale factor register.
func EncodeSF(sf int16) uint16 {
	return uint16(sf)
}

// DecodeU16 returns the physical value of an unsigned register; ok is false
// for the sentinel.
func DecodeU16(raw uint16, sf int16) (v float64, ok bool) {
	if raw == NotImplementedU16 {
		return 0, false
	}
	return float64(raw) * pow10(sf), true
}

// DecodeS16 returns the physical value of a signed register; ok is false for
// the sentinel.
func DecodeS16(raw uint16, sf int16) (v float64, ok bool) {
	if raw == NotImplementedS16 {
		return 0, false
	}
	return float64(int16(raw)) * pow10(sf), true
}

// DecodeSF returns a scale factor; ok is false for the sentinel.
func DecodeSF(raw uint16) (int16, bool) {
	if raw == NotImplementedS16 {
		return 0, false
	}
	return int16(raw), true
}

// PutAcc32 stores a 32-bit accumulator high word first.
func PutAcc32(regs []uint16, v uint32) {
	regs[0] = uint16(v >> 16)
	regs[1] = uint16(v)
}

// Acc32 reads a 32-bit accumulator stored high word first.
func Acc32(regs []uint16) uint32 {
	return uint32(regs[0])<<16 | uint32(regs[1])
}

// PutString packs s two characters per register, high byte first, padding
// with zeros. Input longer than the field is truncated.
func PutString(regs []uint16, s string) {
	for i := range regs {
		var hi, lo byte
		if 2*i < len(s) {
			hi = s[2*i]
		}
		if 2*i+1 < len(s) {
			lo = s[2*i+1]
		}
		regs[i] = uint16(hi)<<8 | uint16(lo)
	}
}

// String unpacks a register string, dropping NUL padding.
func String(regs []uint16) string {
	b := make([]byte, 0, 2*len(regs))
	for _, r := range regs {
		b = append(b, byte(r>>8), byte(r))
	}
	return strings.TrimRight(string(b), "\x00 ")
}
