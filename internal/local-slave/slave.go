// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package localslave

import (
	"encoding/binary"
	"log/slog"

	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/modbus"
)

const (
	maxReadQuantity  = 125
	maxWriteQuantity = 100
)

// LocalSlave implements the Modbus protocol logic on top of a RegisterMap.
type LocalSlave struct {
	regs *sunspec.RegisterMap
}

// NewLocalSlave creates a new LocalSlave.
func NewLocalSlave(m *sunspec.RegisterMap) *LocalSlave {
	return &LocalSlave{regs: m}
}

// Process executes the Modbus Function Code against the register map.
// Protocol and address errors are answered with exception PDUs; the returned
// error is always nil.
func (s *LocalSlave) Process(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleReadHoldingRegisters(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	default:
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (s *LocalSlave) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > maxReadQuantity {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	regs, err := s.regs.Read(address, quantity)
	if err != nil {
		slog.Debug("read rejected", "address", address, "quantity", quantity, "err", err)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	respData := make([]byte, 1+2*len(regs))
	respData[0] = byte(2 * len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(respData[1+2*i:], v)
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (s *LocalSlave) handleWriteSingleRegister(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := s.regs.Write(address, []uint16{value}); err != nil {
		slog.Debug("write rejected", "address", address, "err", err)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	return req, nil // Echo request
}

func (s *LocalSlave) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 5 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > maxWriteQuantity {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if byteCount != int(quantity)*2 || len(req.Data)-5 != byteCount {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(req.Data[5+2*i:])
	}

	if err := s.regs.Write(address, values); err != nil {
		slog.Debug("write rejected", "address", address, "quantity", quantity, "err", err)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress), nil
	}

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (s *LocalSlave) exception(funcCode byte, code byte) modbus.ProtocolDataUnit {
	return modbus.Exception(funcCode, code)
}
