// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/sunspec-gateway/internal/aggregator"
	"github.com/ffutop/sunspec-gateway/internal/source"
	"github.com/ffutop/sunspec-gateway/internal/sunspec"
)

var testTime = time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)

func testSnapshot() Snapshot {
	garage := source.Snapshot{
		Identity:  source.Identity{Name: "Garage East", Port: 0, Phases: 1, Phase: 1, RatedPower: 600},
		Index:     0,
		DataValid: true,
		LastPoll:  testTime.Add(-2 * time.Second),
		Stats:     source.Stats{Success: 10, Fail: 1},
		Measurement: source.Measurement{
			Power:       source.Some(600),
			Voltage:     source.Some(230),
			Temperature: source.Some(31.5),
			EnergyWh:    source.Some(1000),
			Producing:   true,
		},
	}
	roof := source.Snapshot{
		Identity: source.Identity{Name: "roof", Port: 1, Phases: 3},
		Index:    1,
		Stats:    source.Stats{Timeout: 4},
	}

	agg := aggregator.State{
		Sources: 1,
		Power:   2100,
		Phases:  [3]aggregator.Phase{{Power: 1100, Voltage: 230}, {Power: 500}, {Power: 500}},
		St:      sunspec.StateMPPT,
		StName:  "MPPT",
	}

	return Snapshot{
		Time:      testTime,
		Aggregate: agg,
		Sources: []SourceReport{
			NewSourceReport(garage, testTime, 5*time.Second),
			NewSourceReport(roof, testTime, 5*time.Second),
		},
		Server: ServerStats{
			Connections: 1,
			Requests:    12,
			LastRequest: testTime.Add(-time.Second),
			PeerActive:  true,
			PeerStatus:  "Active (12 reqs)",
		},
		PowerLimit: NewPowerLimit(65, true),
	}
}

func TestNewSourceReport(t *testing.T) {
	snap := testSnapshot()
	assert.True(t, snap.Sources[0].Fresh)
	assert.Equal(t, "Producing 600W", snap.Sources[0].Status)
	assert.False(t, snap.Sources[1].Fresh)
	assert.Equal(t, "Offline", snap.Sources[1].Status)
}

func TestNewPowerLimit(t *testing.T) {
	assert.Equal(t, 65.0, NewPowerLimit(65, true).Effective)
	assert.Equal(t, 100.0, NewPowerLimit(65, false).Effective)
}

type recordingSink struct {
	mu     sync.Mutex
	name   string
	snaps  []Snapshot
	err    error
	closed bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestReporter_PublishOnce(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "failing", err: errors.New("broker down")}
	calls := 0
	r := NewReporter(time.Second, func() Snapshot {
		calls++
		return testSnapshot()
	}, failing, ok)

	r.PublishOnce(context.Background())

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ok.count(), "a failing sink does not block the others")
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 2100.0, ok.snaps[0].Aggregate.Power)

	err := r.Close()
	assert.Error(t, err)
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestReporter_Run(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	r := NewReporter(10*time.Millisecond, testSnapshot, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	assert.GreaterOrEqual(t, sink.count(), 2)
}

func TestReporter_NoSinks(t *testing.T) {
	r := NewReporter(time.Millisecond, func() Snapshot {
		t.Error("collect called without sinks")
		return Snapshot{}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(nil)
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Publish(context.Background(), testSnapshot()))
	assert.NoError(t, sink.Close())
}
