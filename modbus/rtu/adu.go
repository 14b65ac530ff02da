// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/modbus/crc"
)

// CRCError reports a frame whose trailer does not match its contents.
type CRCError struct {
	Expected uint16
	Received uint16
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("modbus: response crc '0x%04X' does not match expected '0x%04X'", e.Received, e.Expected)
}

// ApplicationDataUnit is an RTU frame.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode validates the CRC trailer and splits raw into address and PDU.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}

	expected := crc.Checksum(raw[0 : length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != expected {
		err = &CRCError{Expected: expected, Received: checksum}
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, 2, length)
	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	raw = append(raw, adu.Pdu.Data...)
	raw = crc.Append(raw)
	return
}

// Verify verifies response slave id and function code.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	// Slave address must match
	if req.SlaveID != resp.SlaveID {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	if resp.Pdu.FunctionCode&^modbus.ExceptionBit != req.Pdu.FunctionCode {
		err = fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
		return
	}
	return
}
