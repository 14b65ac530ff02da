// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ffutop/sunspec-gateway/modbus"
	"github.com/ffutop/sunspec-gateway/transport"
)

// requestTimeout bounds a routed request when the upstream sets no deadline.
const requestTimeout = 2 * time.Second

// Gateway bridges Upstreams (Masters) to Downstreams (Slaves) by unit id.
// Requests for a unit id without a route are dropped.
type Gateway struct {
	Name      string
	Upstreams []transport.Upstream
	Routes    map[byte]transport.Downstream
}

// NewGateway creates a new Gateway instance
func NewGateway(name string, upstreams []transport.Upstream, routes map[byte]transport.Downstream) *Gateway {
	return &Gateway{
		Name:      name,
		Upstreams: upstreams,
		Routes:    routes,
	}
}

// ParseSlaveIDs parses a string of slave IDs (e.g. "1,2,5-10") into a slice of bytes.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	parts := strings.Split(input, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			// Range
			ranges := strings.Split(part, "-")
			if len(ranges) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start of range: %w", err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(ranges[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end of range: %w", err)
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
			for i := start; i <= end; i++ {
				if i < 0 || i > 255 {
					return nil, fmt.Errorf("id out of range: %d", i)
				}
				ids = append(ids, byte(i))
			}
		} else {
			// Single
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid id: %w", err)
			}
			if id < 0 || id > 255 {
				return nil, fmt.Errorf("id out of range: %d", id)
			}
			ids = append(ids, byte(id))
		}
	}
	return ids, nil
}

// Start connects the downstreams and serves every upstream until ctx is
// done or an upstream fails. The first upstream error stops the others and
// is returned.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	downstreams := make(map[transport.Downstream]struct{})
	for _, ds := range g.Routes {
		if _, seen := downstreams[ds]; seen {
			continue
		}
		downstreams[ds] = struct{}{}
		if err := ds.Connect(ctx); err != nil {
			slog.Error("Failed to connect downstream", "gateway", g.Name, "err", err)
		}
	}

	errc := make(chan error, len(g.Upstreams))
	var wg sync.WaitGroup
	for i, us := range g.Upstreams {
		wg.Add(1)
		go func(ups transport.Upstream, idx int) {
			defer wg.Done()
			slog.Info("Starting upstream", "gateway", g.Name, "index", idx)
			if err := ups.Start(ctx, g.handleRequest); err != nil {
				errc <- fmt.Errorf("upstream %d: %w", idx, err)
			}
		}(us, i)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		slog.Error("Upstream stopped with error", "gateway", g.Name, "err", err)
	}

	cancel()
	for _, us := range g.Upstreams {
		us.Close()
	}
	for ds := range downstreams {
		ds.Close()
	}
	wg.Wait()
	return err
}

// handleRequest is the central dispatch function
func (g *Gateway) handleRequest(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	target, ok := g.Routes[slaveID]
	if !ok {
		return modbus.ProtocolDataUnit{}, transport.ErrNoRoute
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	respPdu, err := target.Send(ctx, slaveID, pdu)
	if err != nil {
		slog.Error("Downstream request failed", "gateway", g.Name, "slaveID", slaveID, "func", pdu.FunctionCode, "err", err)
		return modbus.ProtocolDataUnit{}, err
	}

	return respPdu, nil
}
