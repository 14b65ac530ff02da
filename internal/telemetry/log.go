// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"log/slog"
)

// LogSink writes a one-line summary per snapshot to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger means slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Publish(ctx context.Context, snap Snapshot) error {
	agg := snap.Aggregate
	l.logger.InfoContext(ctx, "aggregate",
		"power", agg.Power,
		"l1", agg.Phases[0].Power,
		"l2", agg.Phases[1].Power,
		"l3", agg.Phases[2].Power,
		"energy_wh", agg.EnergyWh,
		"state", agg.StName,
		"valid", agg.Sources,
		"limit", snap.PowerLimit.Effective,
		"peer", snap.Server.PeerStatus)
	for _, s := range snap.Sources {
		l.logger.DebugContext(ctx, "source",
			"name", s.Name,
			"port", s.Port,
			"status", s.Status,
			"power", s.Measurement.Power,
			"ok", s.Stats.Success,
			"fail", s.Stats.Fail,
			"timeout", s.Stats.Timeout,
			"crc", s.Stats.CRCErrors)
	}
	return nil
}

func (l *LogSink) Close() error { return nil }
