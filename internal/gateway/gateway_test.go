// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/transport"
	"github.com/ffutop/sunspec-gateway/transport/local"
)

func TestParseSlaveIDs(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"", nil, false},
		{"1", []byte{1}, false},
		{"1, 3 ,5", []byte{1, 3, 5}, false},
		{"1,2-4", []byte{1, 2, 3, 4}, false},
		{"4-2", nil, true},
		{"256", nil, true},
		{"a", nil, true},
		{"1-2-3", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSlaveIDs(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSlaveIDs(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParseSlaveIDs(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestHandleRequest(t *testing.T) {
	regs := sunspec.NewRegisterMap(sunspec.Nameplate{UnitID: 126, Phases: 1})
	g := NewGateway("test", nil, map[byte]transport.Downstream{126: local.NewClient(regs)})

	read := modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         []byte{0x9C, 0x40, 0x00, 0x02},
	}

	resp, err := g.handleRequest(context.Background(), 126, read)
	if err != nil {
		t.Fatalf("handleRequest failed: %v", err)
	}
	want := []byte{4, 0x53, 0x75, 0x6e, 0x53}
	if !bytes.Equal(resp.Data, want) {
		t.Errorf("response = % x, want % x", resp.Data, want)
	}

	_, err = g.handleRequest(context.Background(), 1, read)
	if !errors.Is(err, transport.ErrNoRoute) {
		t.Errorf("foreign unit: err = %v, want ErrNoRoute", err)
	}
}
