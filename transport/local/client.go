// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"

	localslave "github.com/ffutop/sunspec-gateway/internal/local-slave"
	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/transport"
)

// Client implements Downstream interface for the in-process SunSpec slave.
type Client struct {
	slave *localslave.LocalSlave
}

// NewClient creates a new Local Client serving m.
func NewClient(m *sunspec.RegisterMap) *Client {
	return &Client{slave: localslave.NewLocalSlave(m)}
}

// Send processes the PDU locally.
func (c *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	// The LocalSlave is synchronous and fast, so we just call Process.
	return c.slave.Process(pdu)
}

// Exclusive runs fn directly. The register map serializes each access on its
// own and there is no line to hold.
func (c *Client) Exclusive(ctx context.Context, fn func(transport.Sender) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(c)
}

// Connect is a no-op for local slave.
func (c *Client) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op for local slave.
func (c *Client) Close() error {
	return nil
}
