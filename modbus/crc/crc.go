// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

const (
	polynomial = 0xA001
	initial    = 0xFFFF
)

var table [256]uint16

func init() {
	for i := range table {
		c := uint16(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ polynomial
			} else {
				c >>= 1
			}
		}
		table[i] = c
	}
}

// CRC is the Modbus CRC16 accumulator. Call Reset before the first PushBytes.
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = initial
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		crc.value = crc.value>>8 ^ table[byte(crc.value)^b]
	}
	return crc
}

func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC16 of bs.
func Checksum(bs []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(bs).Value()
}

// Append appends the CRC16 of frame, low byte first.
func Append(frame []byte) []byte {
	sum := Checksum(frame)
	return append(frame, byte(sum), byte(sum>>8))
}

// Valid reports whether the trailing two bytes of frame hold the CRC16 of the rest.
func Valid(frame []byte) bool {
	n := len(frame)
	if n < 2 {
		return false
	}
	received := uint16(frame[n-1])<<8 | uint16(frame[n-2])
	return received == Checksum(frame[:n-2])
}
