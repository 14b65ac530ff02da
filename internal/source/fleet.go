// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package source

import (
	"sync"
	"time"
)

// Failure classifies an unsuccessful poll.
type Failure int

const (
	FailShort Failure = iota
	FailException
	FailMalformed
	FailCRC
	FailTimeout
)

func (f Failure) String() string {
	switch f {
	case FailShort:
		return "short"
	case FailException:
		return "exception"
	case FailMalformed:
		return "malformed"
	case FailCRC:
		return "crc"
	case FailTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type entry struct {
	id            Identity
	decodedSerial string
	dataValid     bool
	lastPoll      time.Time
	stats         Stats
	measurement   Measurement
}

// Fleet is the fixed set of configured sources. Only the poller mutates it;
// everyone else reads snapshots.
type Fleet struct {
	mu      sync.RWMutex
	entries []entry
}

// NewFleet creates a Fleet in configuration order. No record is valid yet.
func NewFleet(ids []Identity) *Fleet {
	f := &Fleet{entries: make([]entry, len(ids))}
	for i, id := range ids {
		f.entries[i].id = id
	}
	return f
}

func (f *Fleet) Len() int {
	return len(f.entries)
}

func (f *Fleet) Identity(i int) Identity {
	return f.entries[i].id
}

// Measurement returns the last decoded measurement and whether one exists.
func (f *Fleet) Measurement(i int) (Measurement, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e := &f.entries[i]
	return e.measurement, e.dataValid
}

// HasSerial reports whether the device serial was already captured.
func (f *Fleet) HasSerial(i int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries[i].decodedSerial != ""
}

// RecordSuccess stores a decoded measurement. serial is captured only once.
func (f *Fleet) RecordSuccess(i int, m Measurement, serial string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &f.entries[i]
	if e.decodedSerial == "" && serial != "" {
		e.decodedSerial = serial
	}
	e.measurement = m
	e.dataValid = true
	e.lastPoll = now
	e.stats.Success++
}

// RecordFailure counts a failed poll. The last measurement and its validity are kept.
func (f *Fleet) RecordFailure(i int, kind Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &f.entries[i].stats
	switch kind {
	case FailTimeout:
		st.Timeout++
	case FailCRC:
		st.CRCErrors++
		st.Fail++
	default:
		st.Fail++
	}
}

// Snapshot copies source i.
func (f *Fleet) Snapshot(i int) Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot(i)
}

// Snapshots copies all sources.
func (f *Fleet) Snapshots() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Snapshot, len(f.entries))
	for i := range f.entries {
		out[i] = f.snapshot(i)
	}
	return out
}

func (f *Fleet) snapshot(i int) Snapshot {
	e := &f.entries[i]
	return Snapshot{
		Identity:      e.id,
		Index:         i,
		DecodedSerial: e.decodedSerial,
		DataValid:     e.dataValid,
		LastPoll:      e.lastPoll,
		Stats:         e.stats,
		Measurement:   e.measurement,
	}
}
