// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestChecksum_ReadRequest(t *testing.T) {
	// 01 03 00 00 00 0A -> C5 CD on the wire
	sum := Checksum([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	if sum != 0xCDC5 {
		t.Fatalf("crc expected 0xCDC5, actual 0x%04X", sum)
	}
}

func TestAppendValid(t *testing.T) {
	frames := [][]byte{
		{},
		{0x7E},
		{0x7E, 0x03, 0x10, 0x00, 0x00, 0x14},
		{0x7E, 0x06, 0xC0, 0x07, 0x00, 0x32},
		{0x01, 0x10, 0x9C, 0xDB, 0x00, 0x01, 0x02, 0x03, 0xE8},
	}

	for _, f := range frames {
		framed := Append(append([]byte(nil), f...))
		if len(framed) != len(f)+2 {
			t.Fatalf("framed length expected %d, actual %d", len(f)+2, len(framed))
		}
		if !Valid(framed) {
			t.Errorf("frame % X: appended crc does not validate", framed)
		}
	}
}

func TestValid_SingleBitFlip(t *testing.T) {
	frame := Append([]byte{0x7E, 0x03, 0x28, 0x01, 0x16, 0x49, 0x12, 0x34, 0x56, 0x78, 0x00, 0x09, 0x2C})

	for i := 0; i < len(frame)*8; i++ {
		corrupt := append([]byte(nil), frame...)
		corrupt[i/8] ^= 1 << uint(i%8)
		if Valid(corrupt) {
			t.Fatalf("flipping bit %d went undetected", i)
		}
	}
}

func TestValid_Short(t *testing.T) {
	if Valid(nil) || Valid([]byte{0x01}) {
		t.Fatal("frames shorter than the trailer must not validate")
	}
}
