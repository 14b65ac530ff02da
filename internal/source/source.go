// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package source

import (
	"fmt"
	"time"
)

// StaleFactor is how many poll intervals may pass before a record is no longer fresh.
const StaleFactor = 3

// Identity is the static description of one physical inverter port.
type Identity struct {
	Name       string `json:"name"`
	Port       byte   `json:"port"`
	Phases     int    `json:"phases"`
	Phase      int    `json:"phase"` // 1..3, only meaningful for 1-phase sources
	RatedPower int    `json:"rated_power"`
	Model      string `json:"model"`
	Serial     string `json:"serial"`
	MPPTInputs int    `json:"mppt_inputs"`
}

// GridPhase returns the 0-based grid phase of a 1-phase source, clamped to L1.
func (id Identity) GridPhase() int {
	if id.Phase < 1 || id.Phase > 3 {
		return 0
	}
	return id.Phase - 1
}

// Measurement is the canonical, vendor-independent snapshot of a source.
// Fields a device does not report stay absent.
type Measurement struct {
	Power        Value    `json:"power_w"`
	Current      Value    `json:"current_a"`
	PhaseCurrent [3]Value `json:"phase_current_a"`
	Voltage      Value    `json:"voltage_v"`
	PhaseVoltage [3]Value `json:"phase_voltage_v"`
	Frequency    Value    `json:"frequency_hz"`
	VA           Value    `json:"va"`
	VAr          Value    `json:"var"`
	EnergyWh     Value    `json:"energy_wh"`
	TodayWh      Value    `json:"today_wh"`
	Temperature  Value    `json:"temperature_c"`
	DCVoltage    Value    `json:"dc_voltage_v"`
	DCCurrent    Value    `json:"dc_current_a"`
	DCPower      Value    `json:"dc_power_w"`

	OperatingStatus uint16 `json:"operating_status"`
	AlarmCode       uint16 `json:"alarm_code"`
	AlarmCount      uint16 `json:"alarm_count"`
	LinkStatus      byte   `json:"link_status"`
	LinkReserved    byte   `json:"link_reserved"`
	Producing       bool   `json:"producing"`
}

// Stats are per-source poll counters. They only ever increase.
type Stats struct {
	Success   uint64 `json:"success"`
	Fail      uint64 `json:"fail"`
	Timeout   uint64 `json:"timeout"`
	CRCErrors uint64 `json:"crc_errors"`
}

// Failures is the total of every unsuccessful poll.
func (st Stats) Failures() uint64 {
	return st.Fail + st.Timeout
}

// Snapshot is a consistent copy of one source's state.
type Snapshot struct {
	Identity
	Index         int         `json:"index"`
	DecodedSerial string      `json:"decoded_serial,omitempty"`
	DataValid     bool        `json:"data_valid"`
	LastPoll      time.Time   `json:"last_poll"`
	Stats         Stats       `json:"stats"`
	Measurement   Measurement `json:"measurement"`
}

// Fresh reports whether the record was refreshed within StaleFactor poll intervals.
func (s Snapshot) Fresh(now time.Time, interval time.Duration) bool {
	return s.DataValid && now.Sub(s.LastPoll) <= StaleFactor*interval
}

// DisplaySerial prefers the configured serial over the one read from the device.
func (s Snapshot) DisplaySerial() string {
	if s.Serial != "" {
		return s.Serial
	}
	return s.DecodedSerial
}

// Status renders a short human readable state.
func (s Snapshot) Status(now time.Time, interval time.Duration) string {
	switch {
	case !s.DataValid:
		return "Offline"
	case !s.Fresh(now, interval):
		return fmt.Sprintf("Stale (%ds)", int(now.Sub(s.LastPoll).Seconds()))
	case s.Measurement.Producing:
		return fmt.Sprintf("Producing %.0fW", s.Measurement.Power.Or(0))
	default:
		return "Idle"
	}
}
