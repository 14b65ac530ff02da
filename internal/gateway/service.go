// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/sunspec-gateway/internal/aggregator"
	"github.com/ffutop/sunspec-gateway/internal/api"
	"github.com/ffutop/sunspec-gateway/internal/config"
	"github.com/ffutop/sunspec-gateway/internal/control"
	"github.com/ffutop/sunspec-gateway/internal/poller"
	"github.com/ffutop/sunspec-gateway/internal/source"
	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/internal/telemetry"
	"github.com/ffutop/sunspec-gateway/transport"
	"github.com/ffutop/sunspec-gateway/transport/local"
	"github.com/ffutop/sunspec-gateway/transport/rtu"
	rtuovertcp "github.com/ffutop/sunspec-gateway/transport/rtu-over-tcp"
	"github.com/ffutop/sunspec-gateway/transport/tcp"
)

// Service owns every component of one gateway process: the DTU bus and its
// poller, the register map served over Modbus TCP, the aggregator, the
// control forwarder and the optional telemetry and HTTP collaborators.
type Service struct {
	cfg *config.Config

	regs      *sunspec.RegisterMap
	fleet     *source.Fleet
	bus       transport.Downstream
	poller    *poller.Poller
	agg       *aggregator.Aggregator
	forwarder *control.Forwarder
	server    *tcp.Server
	gateway   *Gateway
	history   *telemetry.History
	reporter  *telemetry.Reporter
	api       *api.Server

	now func() time.Time
}

// NewService builds the service for cfg. Nothing is started.
func NewService(cfg *config.Config) (*Service, error) {
	var sinks []telemetry.Sink
	if cfg.Telemetry.MQTT.Enabled {
		sink, err := telemetry.NewMQTTSink(cfg.Telemetry.MQTT, cfg.Inverter.Model)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return newService(cfg, newBus(cfg.Serial), sinks...)
}

// newBus picks the DTU link: a local serial port, or a transparent
// RS-485/Ethernet converter when the device is given as tcp://host:port.
func newBus(cfg config.SerialConfig) transport.Downstream {
	if addr, ok := cfg.NetworkAddress(); ok {
		return rtuovertcp.NewClient(addr, cfg.Timeout, cfg.RqstPause)
	}
	return rtu.NewClient(cfg)
}

func newService(cfg *config.Config, bus transport.Downstream, sinks ...telemetry.Sink) (*Service, error) {
	s := &Service{cfg: cfg, bus: bus, now: time.Now}

	s.regs = sunspec.NewRegisterMap(sunspec.Nameplate{
		UnitID:       cfg.Inverter.UnitID,
		Phases:       cfg.Inverter.Phases,
		Manufacturer: cfg.Inverter.Manufacturer,
		Model:        cfg.Inverter.Model,
		Version:      cfg.Inverter.Version,
		Serial:       cfg.Inverter.Serial,
		RatedPower:   cfg.Inverter.RatedPower,
		RatedCurrent: cfg.Inverter.RatedCurrent,
	})

	ids := make([]source.Identity, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		ids = append(ids, source.Identity{
			Name:       sc.Name,
			Port:       sc.Port,
			Phases:     sc.Phases,
			Phase:      sc.Phase,
			RatedPower: sc.RatedPower,
			Model:      sc.Model,
			Serial:     sc.Serial,
			MPPTInputs: sc.MPPTInputs,
		})
	}
	s.fleet = source.NewFleet(ids)

	s.agg = aggregator.New(s.fleet, s.regs, cfg.Inverter.Phases)
	s.poller = poller.New(bus, s.fleet, poller.Config{
		Address:      cfg.DTU.Address,
		PollInterval: cfg.DTU.PollInterval,
		Timeout:      cfg.Serial.Timeout,
	}, func(int) { s.agg.Update() })

	s.forwarder = control.New(bus, s.fleet, control.Config{
		Address: cfg.DTU.Address,
		Delay:   cfg.DTU.ControlDelay,
		Timeout: cfg.Serial.Timeout,
	})
	s.regs.SetControlListener(s.forwarder)

	routes, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.server = tcp.NewServer(cfg.TCP.Address, cfg.TCP.MaxConns)
	s.gateway = NewGateway("sunspec", []transport.Upstream{s.server}, routes)

	sinks = append([]telemetry.Sink{telemetry.NewLogSink(slog.Default())}, sinks...)
	if cfg.Telemetry.History.Enabled {
		s.history, err = telemetry.OpenHistory(cfg.Telemetry.History.Path, cfg.Telemetry.History.Retention)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s.history)
	}
	s.reporter = telemetry.NewReporter(cfg.Telemetry.Interval, s.Snapshot, sinks...)

	if cfg.API.Enabled {
		apiCfg := api.ServerConfig{Address: cfg.API.Address, Provider: s}
		if s.history != nil {
			apiCfg.History = s.history
		}
		s.api = api.NewServer(apiCfg)
	}

	return s, nil
}

// routes maps the configured unit id and its aliases to the register map.
func (s *Service) routes() (map[byte]transport.Downstream, error) {
	slave := local.NewClient(s.regs)
	routes := map[byte]transport.Downstream{s.cfg.Inverter.UnitID: slave}

	aliases, err := ParseSlaveIDs(s.cfg.TCP.UnitIDs)
	if err != nil {
		return nil, fmt.Errorf("tcp.unit_ids: %w", err)
	}
	for _, id := range aliases {
		routes[id] = slave
	}
	return routes, nil
}

// Start runs every component until ctx is cancelled. A component failing
// stops the others and its error is returned.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.bus.Connect(ctx); err != nil {
		slog.Warn("DTU link not available yet", "device", s.cfg.Serial.Device, "err", err)
	}
	defer s.bus.Close()

	s.agg.Update()
	slog.Info("Serving SunSpec inverter",
		"unit", s.cfg.Inverter.UnitID,
		"address", s.cfg.TCP.Address,
		"sources", s.fleet.Len(),
		"rated_power", s.cfg.Inverter.RatedPower)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error("Component stopped with error", "component", name, "err", err)
				once.Do(func() {
					firstErr = fmt.Errorf("%s: %w", name, err)
					cancel()
				})
			}
		}()
	}

	run("gateway", s.gateway.Start)
	run("poller", s.poller.Run)
	run("telemetry", s.reporter.Run)
	if s.api != nil {
		run("api", s.api.Start)
	}

	<-ctx.Done()
	wg.Wait()

	if err := s.reporter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Addr blocks until the Modbus TCP listener is bound.
func (s *Service) Addr(ctx context.Context) (net.Addr, error) {
	return s.server.Addr(ctx)
}

// Registers returns a copy of the served register map.
func (s *Service) Registers() []uint16 {
	return s.regs.Snapshot()
}

// Snapshot collects the current state for telemetry and the API.
func (s *Service) Snapshot() telemetry.Snapshot {
	now := s.now()
	interval := s.cfg.DTU.PollInterval

	snaps := s.fleet.Snapshots()
	reports := make([]telemetry.SourceReport, 0, len(snaps))
	for _, snap := range snaps {
		reports = append(reports, telemetry.NewSourceReport(snap, now, interval))
	}

	st := s.server.Stats()
	window := s.cfg.TCP.ActiveWindow

	pl := telemetry.NewPowerLimit(s.regs.PowerLimit())
	pl.CommandsSent, pl.CommandsFailed = s.forwarder.Stats()

	return telemetry.Snapshot{
		Time:      now,
		Aggregate: s.agg.State(),
		Sources:   reports,
		Server: telemetry.ServerStats{
			Connections: st.Connections.Load(),
			Accepted:    st.Accepted.Load(),
			Refused:     st.Refused.Load(),
			Requests:    st.Requests.Load(),
			Errors:      st.Errors.Load(),
			LastRequest: st.LastRequest(),
			PeerActive:  st.PeerActive(now, window),
			PeerStatus:  st.PeerStatus(now, window),
		},
		PowerLimit: pl,
	}
}
