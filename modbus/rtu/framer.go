// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/sunspec-gateway/modbus"
)

var ErrRequestTimedOut = errors.New("modbus: request timed out")

// InvalidLengthError reports a byte count that cannot start a valid frame.
type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

// countedResponse reports whether responses to fc carry a byte count.
func countedResponse(fc byte) bool {
	switch fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters,
		modbus.FuncCodeReadFIFOQueue:
		return true
	}
	return false
}

// fixedPayload is the payload size of a write echo, 0 if fc has none.
func fixedPayload(fc byte) int {
	switch fc {
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		return 4
	case modbus.FuncCodeMaskWriteRegister:
		return 6
	}
	return 0
}

// CalculateResponseLength returns the expected length of the response to
// the request ADU, CRC included. Requests whose response length depends on
// the device yield MinSize.
func CalculateResponseLength(adu []byte) int {
	fc := adu[1]
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		bits := int(binary.BigEndian.Uint16(adu[4:]))
		return MinSize + 1 + (bits+7)/8
	case modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		return MinSize + 1 + 2*int(binary.BigEndian.Uint16(adu[4:]))
	}
	return MinSize + fixedPayload(fc)
}

type frameState int

const (
	awaitAddress frameState = iota
	awaitFunction
	awaitByteCount
	awaitPayload
	awaitCRC
)

// framer assembles one response frame byte by byte, skipping anything that
// does not start with the expected address and function code.
type framer struct {
	slaveID  byte
	function byte

	state   frameState
	frame   []byte
	pending int
}

func newFramer(slaveID, function byte) *framer {
	return &framer{slaveID: slaveID, function: function, frame: make([]byte, 0, MaxSize)}
}

// push consumes b and reports whether the frame is complete.
func (f *framer) push(b byte) (bool, error) {
	switch f.state {
	case awaitAddress:
		if b == f.slaveID {
			f.frame = append(f.frame[:0], b)
			f.state = awaitFunction
		}

	case awaitFunction:
		switch {
		case b == f.function|modbus.ExceptionBit:
			f.state, f.pending = awaitPayload, 1
		case b != f.function:
			f.state = awaitAddress
			return f.push(b)
		case countedResponse(b):
			f.state = awaitByteCount
		case fixedPayload(b) > 0:
			f.state, f.pending = awaitPayload, fixedPayload(b)
		default:
			return false, fmt.Errorf("functioncode not handled: %d", b)
		}
		f.frame = append(f.frame, b)

	case awaitByteCount:
		if b == 0 || int(b) > MaxSize-5 {
			return false, &InvalidLengthError{Length: b}
		}
		f.frame = append(f.frame, b)
		f.state, f.pending = awaitPayload, int(b)

	case awaitPayload:
		f.frame = append(f.frame, b)
		if f.pending--; f.pending == 0 {
			f.state, f.pending = awaitCRC, 2
		}

	case awaitCRC:
		f.frame = append(f.frame, b)
		if f.pending--; f.pending == 0 {
			return true, nil
		}
	}
	return false, nil
}

// ReadResponse reads one response frame for slaveID and functionCode from r.
// The returned frame still carries its CRC trailer; use Decode to validate it.
func ReadResponse(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, errors.New("reader is nil")
	}

	f := newFramer(slaveID, functionCode)
	buf := make([]byte, 1)
	for {
		if time.Now().After(deadline) {
			return nil, ErrRequestTimedOut
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}
		done, err := f.push(buf[0])
		if err != nil {
			return nil, err
		}
		if done {
			return f.frame, nil
		}
	}
}
