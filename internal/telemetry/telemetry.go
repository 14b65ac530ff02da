// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package telemetry publishes the decoded source and aggregate values on a
// fixed interval to whichever sinks are configured.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ffutop/sunspec-gateway/internal/aggregator"
	"github.com/ffutop/sunspec-gateway/internal/source"
)

// SourceReport is one source as published.
type SourceReport struct {
	source.Snapshot
	DisplaySerial string `json:"display_serial"`
	Fresh         bool   `json:"fresh"`
	Status        string `json:"status"`
}

// NewSourceReport derives the published view of s. interval is the poll interval.
func NewSourceReport(s source.Snapshot, now time.Time, interval time.Duration) SourceReport {
	return SourceReport{
		Snapshot:      s,
		DisplaySerial: s.DisplaySerial(),
		Fresh:         s.Fresh(now, interval),
		Status:        s.Status(now, interval),
	}
}

// ServerStats are the Modbus TCP server counters.
type ServerStats struct {
	Connections int64     `json:"connections"`
	Accepted    uint64    `json:"accepted"`
	Refused     uint64    `json:"refused"`
	Requests    uint64    `json:"requests"`
	Errors      uint64    `json:"errors"`
	LastRequest time.Time `json:"last_request"`
	PeerActive  bool      `json:"peer_active"`
	PeerStatus  string    `json:"peer_status"`
}

// PowerLimit is the limit last written by a TCP client.
type PowerLimit struct {
	Percent        float64 `json:"percent"` // WMaxLimPct
	Enabled        bool    `json:"enabled"`
	Effective      float64 `json:"effective"` // Percent when enabled, else 100
	CommandsSent   uint64  `json:"commands_sent"`
	CommandsFailed uint64  `json:"commands_failed"`
}

// NewPowerLimit fills Effective from pct and enabled.
func NewPowerLimit(pct float64, enabled bool) PowerLimit {
	pl := PowerLimit{Percent: pct, Enabled: enabled, Effective: 100}
	if enabled {
		pl.Effective = pct
	}
	return pl
}

// Snapshot is everything published in one interval.
type Snapshot struct {
	Time       time.Time        `json:"time"`
	Aggregate  aggregator.State `json:"aggregate"`
	Sources    []SourceReport   `json:"sources"`
	Server     ServerStats      `json:"server"`
	PowerLimit PowerLimit       `json:"power_limit"`
}

// Sink receives snapshots. Publish must not retain snap after returning.
type Sink interface {
	Name() string
	Publish(ctx context.Context, snap Snapshot) error
	Close() error
}

// Reporter collects a snapshot every interval and hands it to each sink.
type Reporter struct {
	interval time.Duration
	collect  func() Snapshot
	sinks    []Sink
}

// NewReporter creates a Reporter. collect is called once per interval.
func NewReporter(interval time.Duration, collect func() Snapshot, sinks ...Sink) *Reporter {
	return &Reporter{interval: interval, collect: collect, sinks: sinks}
}

// Run publishes until ctx is done. A failing sink is logged and retried on
// the next interval.
func (r *Reporter) Run(ctx context.Context) error {
	if len(r.sinks) == 0 || r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PublishOnce(ctx)
		}
	}
}

// PublishOnce collects one snapshot and publishes it to every sink.
func (r *Reporter) PublishOnce(ctx context.Context) {
	snap := r.collect()
	for _, s := range r.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			slog.Warn("telemetry publish failed", "sink", s.Name(), "err", err)
		}
	}
}

// Close closes every sink.
func (r *Reporter) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
