// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/sunspec-gateway/internal/config"
	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/transport"
	rtupacket "github.com/ffutop/sunspec-gateway/modbus/rtu"
)

// Client implements Downstream interface (Modbus RTU Master).
// Only one request is on the bus at a time; concurrent callers queue on the port mutex.
type Client struct {
	rtuSerialTransporter
}

// NewClient allocates and initializes a RTU Client.
func NewClient(cfg config.SerialConfig) *Client {
	client := &Client{}

	// Map internal config to serial.Config
	client.serialPort.Config.Address = cfg.Device
	client.serialPort.Config.BaudRate = cfg.BaudRate
	client.serialPort.Config.DataBits = cfg.DataBits
	client.serialPort.Config.StopBits = cfg.StopBits
	client.serialPort.Config.Parity = cfg.Parity
	client.serialPort.Config.Timeout = cfg.Timeout
	if client.serialPort.Config.Timeout <= 0 {
		client.serialPort.Config.Timeout = serialTimeout
	}
	client.serialPort.Config.RS485 = serial.RS485Config{
		Enabled:            cfg.RS485,
		DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
		DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
		RtsHighDuringSend:  cfg.RtsHighDuringSend,
		RtsHighAfterSend:   cfg.RtsHighAfterSend,
		RxDuringTx:         cfg.RxDuringTx,
	}

	client.IdleTimeout = serialIdleTimeout
	client.RqstPause = cfg.RqstPause
	return client
}

// Send sends a PDU to the Downstream Slave.
// Exception responses are returned as PDUs, not errors. Transport failures
// are returned as ErrRequestTimedOut, *rtu.CRCError or a wrapped framing error.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.send(ctx, slaveID, pdu)
}

// Exclusive runs fn while holding the bus. Requests from other callers wait
// until fn returns; fn must issue its own requests through the given Sender.
func (mb *Client) Exclusive(ctx context.Context, fn func(transport.Sender) error) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(heldClient{mb})
}

// heldClient sends on a Client whose mutex is already held.
type heldClient struct {
	mb *Client
}

func (h heldClient) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return h.mb.send(ctx, slaveID, pdu)
}

// send performs one exchange. Caller must hold the mutex.
func (mb *Client) send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	// Wrap PDU into RTU ADU
	adu := &rtupacket.ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}

	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	respBytes, err := mb.exchange(ctx, aduBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

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

// rtuSerialTransporter implements underlying serial comms.
type rtuSerialTransporter struct {
	serialPort
}

// exchange writes one request frame and reads its reply. A failed exchange
// closes the port so a late reply cannot be taken for the next one.
// Caller must hold the mutex.
func (mb *rtuSerialTransporter) exchange(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	if err = mb.connect(ctx); err != nil {
		return
	}
	if err = mb.waitQuiet(ctx); err != nil {
		return
	}
	defer func() {
		mb.lastActivity = time.Now()
		if err != nil {
			mb.close()
			return
		}
		mb.startCloseTimer()
	}()

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(aduRequest))
	if _, err = mb.port.Write(aduRequest); err != nil {
		return
	}

	bytesToRead := rtupacket.CalculateResponseLength(aduRequest)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mb.calculateDelay(len(aduRequest) + bytesToRead)):
	}

	data, err := rtupacket.ReadResponse(aduRequest[0], aduRequest[1], mb.port, time.Now().Add(mb.Config.Timeout))
	if err != nil {
		slog.Debug("dropping serial port after failed exchange", "device", mb.Config.Address, "err", err)
		if isTimeout(err) {
			return nil, rtupacket.ErrRequestTimedOut
		}
		return nil, err
	}
	slog.Debug("recv from modbus slave", "response", hex.EncodeToString(data))
	aduResponse = data
	return
}

// calculateDelay calculates the needed delay to separate frames.
func (mb *rtuSerialTransporter) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int

	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / mb.BaudRate
		frameDelay = 35000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// isTimeout folds the ways a silent line shows up into one condition.
func isTimeout(err error) bool {
	if errors.Is(err, rtupacket.ErrRequestTimedOut) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
