// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ffutop/sunspec-gateway/modbus/crc"
)

func TestCalculateResponseLength(t *testing.T) {
	tests := []struct {
		name string
		adu  []byte
		want int
	}{
		{"ReadHoldingRegisters_20", []byte{0x7E, 0x03, 0x10, 0x00, 0x00, 0x14, 0, 0}, 4 + 1 + 40},
		{"ReadCoils_9", []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x09, 0, 0}, 4 + 1 + 2},
		{"WriteSingleRegister", []byte{0x7E, 0x06, 0xC0, 0x07, 0x00, 0x32, 0, 0}, 8},
		{"WriteSingleCoil", []byte{0x7E, 0x05, 0xC0, 0x06, 0xFF, 0x00, 0, 0}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateResponseLength(tt.adu); got != tt.want {
				t.Errorf("CalculateResponseLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadResponse(t *testing.T) {
	valid := crc.Append([]byte{0x7E, 0x03, 0x04, 0x00, 0x01, 0x00, 0x02})
	exception := crc.Append([]byte{0x7E, 0x83, 0x02})
	echo := crc.Append([]byte{0x7E, 0x06, 0xC0, 0x07, 0x00, 0x32})

	tests := []struct {
		name     string
		funcCode byte
		input    []byte
		want     []byte
	}{
		{"Valid", 0x03, valid, valid},
		{"LeadingNoise", 0x03, append([]byte{0x00, 0xFF, 0x7E, 0x10}, valid...), valid},
		{"Exception", 0x03, exception, exception},
		{"WriteEcho", 0x06, echo, echo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadResponse(0x7E, tt.funcCode, bytes.NewReader(tt.input), time.Now().Add(time.Second))
			if err != nil {
				t.Fatalf("ReadResponse() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ReadResponse() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestReadResponse_Errors(t *testing.T) {
	t.Run("DeadlinePassed", func(t *testing.T) {
		_, err := ReadResponse(0x7E, 0x03, bytes.NewReader([]byte{0x7E}), time.Now().Add(-time.Millisecond))
		if !errors.Is(err, ErrRequestTimedOut) {
			t.Errorf("expected ErrRequestTimedOut, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := ReadResponse(0x7E, 0x03, bytes.NewReader([]byte{0x7E, 0x03, 0x04, 0x00}), time.Now().Add(time.Second))
		if !errors.Is(err, io.EOF) {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})

	t.Run("ZeroLength", func(t *testing.T) {
		_, err := ReadResponse(0x7E, 0x03, bytes.NewReader([]byte{0x7E, 0x03, 0x00}), time.Now().Add(time.Second))
		var lengthErr *InvalidLengthError
		if !errors.As(err, &lengthErr) {
			t.Errorf("expected InvalidLengthError, got %v", err)
		}
	})
}

func TestDecode(t *testing.T) {
	frame := crc.Append([]byte{0x7E, 0x03, 0x02, 0xAA, 0xBB})
	adu, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if adu.SlaveID != 0x7E || adu.Pdu.FunctionCode != 0x03 {
		t.Errorf("unexpected header: %+v", adu)
	}
	if !bytes.Equal(adu.Pdu.Data, []byte{0x02, 0xAA, 0xBB}) {
		t.Errorf("unexpected data: % X", adu.Pdu.Data)
	}

	frame[3] ^= 0x01
	_, err = Decode(frame)
	var crcErr *CRCError
	if !errors.As(err, &crcErr) {
		t.Fatalf("expected CRCError, got %v", err)
	}
}

func TestEncode(t *testing.T) {
	adu := &ApplicationDataUnit{SlaveID: 0x01}
	adu.Pdu.FunctionCode = 0x03
	adu.Pdu.Data = []byte{0x00, 0x00, 0x00, 0x0A}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	if !bytes.Equal(raw, want) {
		t.Errorf("Encode() = % X, want % X", raw, want)
	}
}
