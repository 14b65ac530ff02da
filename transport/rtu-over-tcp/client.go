// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ffutop/sunspec-gateway/modbus"
	rtupacket "github.com/ffutop/sunspec-gateway/modbus/rtu"
	"github.com/ffutop/sunspec-gateway/transport"
)

const (
	tcpTimeout = 3 * time.Second
)

// Client implements Downstream interface for a DTU reached through a
// transparent RS-485 to Ethernet converter: raw RTU frames over one TCP stream.
type Client struct {
	Address   string
	Timeout   time.Duration
	RqstPause time.Duration

	mu       sync.Mutex
	conn     net.Conn
	lastSent time.Time
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string, timeout, pause time.Duration) *Client {
	if timeout <= 0 {
		timeout = tcpTimeout
	}
	return &Client{
		Address:   address,
		Timeout:   timeout,
		RqstPause: pause,
	}
}

// Send sends a PDU to a Slave (Downstream) and returns the response PDU.
// Errors are classified like the serial client: rtu.ErrRequestTimedOut for a
// silent line and *rtu.CRCError for a corrupt frame.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.send(ctx, slaveID, pdu)
}

// Exclusive runs fn while holding the stream. Other callers wait until fn returns.
func (mb *Client) Exclusive(ctx context.Context, fn func(transport.Sender) error) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(heldClient{mb})
}

type heldClient struct {
	mb *Client
}

func (h heldClient) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return h.mb.send(ctx, slaveID, pdu)
}

// send performs one exchange. Caller must hold the mutex.
func (mb *Client) send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	// Ensure connection is open
	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}

	if wait := mb.RqstPause - time.Since(mb.lastSent); wait > 0 {
		select {
		case <-ctx.Done():
			return modbus.ProtocolDataUnit{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	defer func() { mb.lastSent = time.Now() }()

	adu := &rtupacket.ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}

	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, err
	}

	slog.Debug("send to dtu", "addr", mb.Address, "request", hex.EncodeToString(aduBytes))
	if _, err := mb.conn.Write(aduBytes); err != nil {
		mb.close() // Close connection on write failure to force reconnect next time
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to write to connection: %w", err)
	}

	// RTU-over-TCP is just RTU frames sent over TCP.
	respBytes, err := rtupacket.ReadResponse(slaveID, pdu.FunctionCode, mb.conn, deadline)
	if err != nil {
		mb.close() // The stream may be out of sync.
		if errors.Is(err, rtupacket.ErrRequestTimedOut) || errors.Is(err, os.ErrDeadlineExceeded) {
			return modbus.ProtocolDataUnit{}, rtupacket.ErrRequestTimedOut
		}
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to read response: %w", err)
	}
	slog.Debug("recv from dtu", "addr", mb.Address, "response", hex.EncodeToString(respBytes))

	respAdu, err := rtupacket.Decode(respBytes)
	if err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}

	if err := adu.Verify(respAdu); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}

	return respAdu.Pdu, nil
}

// Connect implements Connector interface.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

// Close implements Connector interface.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: mb.Timeout}
	conn, err := d.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return err
	}
	slog.Info("connected to dtu", "addr", mb.Address)
	mb.conn = conn
	return nil
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}
