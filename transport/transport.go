// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"

	"github.com/ffutop/sunspec-gateway/modbus"
)

// ErrNoRoute is returned by a RequestHandler when the request is not addressed
// to any device served here. Upstreams drop such requests without a response.
var ErrNoRoute = errors.New("transport: no route for unit id")

// RequestHandler handles a Modbus request/response cycle.
// The Upstream decodes its ADU down to slave ID and PDU; the handler returns
// the response PDU (which may be an exception PDU) or an error when no
// response should be sent at all.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream represents a source of requests (A Modbus Master connected to us).
// It acts as a Server.
type Upstream interface {
	// Start starts the server and blocks. It should be called in a goroutine.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Sender issues one request to a slave and returns the response PDU.
type Sender interface {
	Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
}

// Downstream represents a destination for requests (A Modbus Slave we connect to).
// It acts as a Client.
type Downstream interface {
	Sender
	// Exclusive runs fn with the line to itself: no other caller's request
	// is issued until fn returns. fn sends through the Sender it is given.
	Exclusive(ctx context.Context, fn func(Sender) error) error
	Connect(ctx context.Context) error
	Close() error
}
