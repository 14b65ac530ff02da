// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ffutop/sunspec-gateway/modbus"
)

const (
	tcpHeaderSize = 7
	tcpMinSize    = 8
	tcpMaxSize    = 260

	// MBAP length covers unit id, function code and data.
	tcpMaxLength = tcpMaxSize - tcpHeaderSize + 1
)

type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = binary.BigEndian.Uint16(raw[0:])
	adu.ProtocolID = binary.BigEndian.Uint16(raw[2:])
	adu.Length = binary.BigEndian.Uint16(raw[4:])
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return
}

func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + tcpMinSize
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	raw = make([]byte, length)

	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], uint16(2+len(adu.Pdu.Data)))
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}

// FrameError is a stream-level violation after which frame boundaries are lost.
type FrameError struct {
	Length uint16
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("modbus: mbap length '%v' out of range", e.Length)
}

// ReadFrame reads exactly one MBAP-delimited frame from r, regardless of how
// the stream was segmented. The returned frame may be shorter than tcpMinSize
// when the peer declared a length of 1.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, tcpHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[4:])
	if length == 0 || length > tcpMaxLength {
		return nil, &FrameError{Length: length}
	}
	frame := make([]byte, tcpHeaderSize+int(length)-1)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[tcpHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}
