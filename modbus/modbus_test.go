// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"strings"
	"testing"
)

func TestException(t *testing.T) {
	pdu := Exception(FuncCodeReadHoldingRegisters, ExceptionCodeIllegalDataValue)
	if pdu.FunctionCode != 0x83 {
		t.Fatalf("function code expected 0x83, actual 0x%02X", pdu.FunctionCode)
	}
	if !pdu.IsException() {
		t.Fatal("expected exception pdu")
	}

	err := pdu.AsError()
	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected *ExceptionError, got %T", err)
	}
	if exc.ExceptionCode != ExceptionCodeIllegalDataValue {
		t.Errorf("exception code expected 3, actual %v", exc.ExceptionCode)
	}
	if !strings.Contains(err.Error(), "illegal data value") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestAsError_Normal(t *testing.T) {
	pdu := ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleRegister, Data: []byte{0, 1, 0, 2}}
	if pdu.IsException() {
		t.Fatal("normal pdu reported as exception")
	}
	if err := pdu.AsError(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
