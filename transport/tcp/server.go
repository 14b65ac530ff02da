// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/sunspec-gateway/transport"
)

// DefaultMaxConns bounds concurrent clients when none is configured.
const DefaultMaxConns = 4

// Stats holds server-side counters. All fields are safe for concurrent use.
type Stats struct {
	Connections atomic.Int64
	Accepted    atomic.Uint64
	Refused     atomic.Uint64
	Requests    atomic.Uint64
	Errors      atomic.Uint64
	lastRequest atomic.Int64
}

// LastRequest returns the time the last valid request arrived, zero if none.
func (st *Stats) LastRequest() time.Time {
	ns := st.lastRequest.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// PeerActive reports whether a client is connected and sent a request within window.
func (st *Stats) PeerActive(now time.Time, window time.Duration) bool {
	if st.Connections.Load() <= 0 {
		return false
	}
	last := st.LastRequest()
	return !last.IsZero() && now.Sub(last) < window
}

// PeerStatus renders the remote peer state for display.
func (st *Stats) PeerStatus(now time.Time, window time.Duration) string {
	active := st.PeerActive(now, window)
	switch {
	case !active && st.Connections.Load() == 0:
		return "No connection"
	case !active:
		return "Connected, idle"
	default:
		return fmt.Sprintf("Active (%d reqs)", st.Requests.Load())
	}
}

// Server implements a Modbus TCP Server.
type Server struct {
	Address  string
	MaxConns int
	Handler  transport.RequestHandler

	stats Stats

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	ready    chan struct{}
}

// NewServer creates a new TCP Server.
func NewServer(address string, maxConns int) *Server {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &Server{
		Address:  address,
		MaxConns: maxConns,
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
}

// Stats returns the live counters.
func (s *Server) Stats() *Stats {
	return &s.stats
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil, net.ErrClosed
	}
	return s.listener.Addr(), nil
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.Handler = handler
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	slog.Info("Modbus TCP server listening", "addr", listener.Addr(), "max_conns", s.MaxConns)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				s.wg.Wait()
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.MaxConns {
			s.mu.Unlock()
			s.stats.Refused.Add(1)
			slog.Warn("Connection limit reached, refusing client", "addr", conn.RemoteAddr(), "max_conns", s.MaxConns)
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.stats.Connections.Add(1)
		s.stats.Accepted.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn)
	}
}

// Close closes the listener and all client connections.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

func (s *Server) release(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.stats.Connections.Add(-1)
	s.wg.Done()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.release(conn)
	slog.Info("New TCP client connected", "addr", conn.RemoteAddr())

	for {
		// Check context
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := ReadFrame(conn)
		if err != nil {
			var frameErr *FrameError
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("TCP client disconnected gracefully", "addr", conn.RemoteAddr())
			case errors.As(err, &frameErr):
				slog.Warn("Dropping TCP client after malformed frame", "addr", conn.RemoteAddr(), "err", err)
			case s.closed.Load():
			default:
				slog.Error("Failed to read from connection", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}

		respRaw := s.serve(ctx, raw)
		if respRaw == nil {
			continue
		}

		if _, err = conn.Write(respRaw); err != nil {
			slog.Error("Failed to write response to connection", "addr", conn.RemoteAddr(), "err", err)
			return
		}
	}
}

// serve validates one frame and returns the encoded response, or nil when the
// frame must be dropped without an answer.
func (s *Server) serve(ctx context.Context, raw []byte) []byte {
	adu, err := Decode(raw)
	if err != nil {
		slog.Debug("Dropping short TCP frame", "err", err)
		return nil
	}
	if adu.ProtocolID != 0 {
		slog.Debug("Dropping TCP frame with foreign protocol id", "protocol", adu.ProtocolID)
		return nil
	}

	s.stats.Requests.Add(1)
	s.stats.lastRequest.Store(time.Now().UnixNano())

	if s.Handler == nil {
		slog.Error("No handler defined for TCP server")
		return nil
	}

	respPdu, err := s.Handler(ctx, adu.SlaveID, adu.Pdu)
	if err != nil {
		if errors.Is(err, transport.ErrNoRoute) {
			slog.Debug("Ignoring request for foreign unit id", "unit", adu.SlaveID)
		} else {
			slog.Error("Handler failed", "err", err)
		}
		return nil
	}
	if respPdu.IsException() {
		s.stats.Errors.Add(1)
	}

	// Construct Response ADU
	respAdu := &ApplicationDataUnit{
		TransactionID: adu.TransactionID,
		ProtocolID:    adu.ProtocolID,
		SlaveID:       adu.SlaveID,
		Pdu:           respPdu,
	}

	respRaw, err := respAdu.Encode()
	if err != nil {
		slog.Error("Failed to encode TCP response", "err", err)
		return nil
	}
	return respRaw
}
