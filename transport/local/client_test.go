// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"testing"

	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/transport"
)

var _ transport.Downstream = (*Client)(nil)

func TestClient_Send(t *testing.T) {
	c := NewClient(sunspec.NewRegisterMap(sunspec.Nameplate{UnitID: 126, Phases: 1}))

	resp, err := c.Send(context.Background(), 126, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeReadHoldingRegisters,
		Data:         []byte{0x9C, 0x40, 0x00, 0x02},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.IsException() || len(resp.Data) != 5 || resp.Data[1] != 0x53 {
		t.Errorf("unexpected response %#x % x", resp.FunctionCode, resp.Data)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Send(ctx, 126, resp); err == nil {
		t.Error("Send() with canceled context succeeded")
	}
}
