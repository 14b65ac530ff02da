// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package aggregator

import (
	"log/slog"
	"math"
	"sync"

	"github.com/ffutop/sunspec-gateway/internal/source"
	"github.com/ffutop/sunspec-gateway/internal/sunspec"
)

// Phase is the aggregate of one grid phase.
type Phase struct {
	Current float64 `json:"current_a"`
	Voltage float64 `json:"voltage_v"` // average over the sources reporting on the phase
	Power   float64 `json:"power_w"`
	Sources int     `json:"sources"` // sources feeding the phase
}

// State is the virtual inverter derived from the valid sources.
type State struct {
	Sources     int           `json:"sources"`
	Power       float64       `json:"power_w"`
	Current     float64       `json:"current_a"`
	Phases      [3]Phase      `json:"phases"`
	LineVoltage [3]float64    `json:"line_voltage_v"` // AB, BC, CA; 3-phase only
	Frequency   source.Value  `json:"frequency_hz"`
	VA          source.Value  `json:"va"`
	VAr         source.Value  `json:"var"`
	PowerFactor source.Value  `json:"power_factor"`
	EnergyWh    uint32        `json:"energy_wh"`
	TodayWh     float64       `json:"today_wh"`
	Temperature source.Value  `json:"temperature_c"`
	DCPower     float64       `json:"dc_power_w"`
	St          sunspec.State `json:"-"`
	StName      string        `json:"operating_state"`
}

// Compute folds the valid sources into one State. phases is the phase count
// of the virtual inverter.
func Compute(snaps []source.Snapshot, phases int) State {
	st := State{St: sunspec.StateSleeping}

	var (
		vSum   [3]float64
		vCount [3]int
		fSum   float64
		fCount int
	)

	for _, s := range snaps {
		if !s.DataValid {
			continue
		}
		m := s.Measurement
		st.Sources++

		pw, hasPower := m.Power.V, m.Power.OK
		if hasPower {
			st.Power += pw
			if pw > 0 {
				st.St = sunspec.StateMPPT
			}
		}
		if m.Current.OK {
			st.Current += m.Current.V
		}

		if s.Phases == 3 {
			var cur [3]float64
			var curSum float64
			for k := 0; k < 3; k++ {
				switch {
				case m.PhaseCurrent[k].OK:
					cur[k] = m.PhaseCurrent[k].V
				case m.Current.OK:
					cur[k] = m.Current.V / 3
				}
				curSum += cur[k]
				st.Phases[k].Current += cur[k]
				st.Phases[k].Sources++

				v := m.PhaseVoltage[k]
				if !v.OK {
					v = m.Voltage
				}
				if v.OK {
					vSum[k] += v.V
					vCount[k]++
				}
			}
			if hasPower {
				for k := 0; k < 3; k++ {
					if curSum > 0 {
						st.Phases[k].Power += pw * cur[k] / curSum
					} else {
						st.Phases[k].Power += pw / 3
					}
				}
			}
		} else {
			k := s.GridPhase()
			st.Phases[k].Sources++
			cur := m.PhaseCurrent[0]
			if !cur.OK {
				cur = m.Current
			}
			if cur.OK {
				st.Phases[k].Current += cur.V
			}
			v := m.PhaseVoltage[0]
			if !v.OK {
				v = m.Voltage
			}
			if v.OK {
				vSum[k] += v.V
				vCount[k]++
			}
			if hasPower {
				st.Phases[k].Power += pw
			}
		}

		if m.VA.OK {
			st.VA = source.Some(st.VA.V + m.VA.V)
		}
		if m.VAr.OK {
			st.VAr = source.Some(st.VAr.V + m.VAr.V)
		}
		if m.Frequency.OK {
			fSum += m.Frequency.V
			fCount++
		}
		if m.EnergyWh.OK {
			st.EnergyWh = addEnergy(st.EnergyWh, m.EnergyWh.V)
		}
		if m.TodayWh.OK {
			st.TodayWh += m.TodayWh.V
		}
		if m.Temperature.OK && (!st.Temperature.OK || m.Temperature.V > st.Temperature.V) {
			st.Temperature = m.Temperature
		}
		if m.DCPower.OK {
			st.DCPower += m.DCPower.V
		}
	}

	st.StName = st.St.String()
	if st.Sources == 0 {
		return st
	}

	for k := 0; k < 3; k++ {
		if vCount[k] > 0 {
			st.Phases[k].Voltage = vSum[k] / float64(vCount[k])
		}
	}
	if phases == 3 {
		va, vb, vc := st.Phases[0].Voltage, st.Phases[1].Voltage, st.Phases[2].Voltage
		st.LineVoltage = [3]float64{lineToLine(va, vb), lineToLine(vb, vc), lineToLine(vc, va)}
	}
	if fCount > 0 {
		st.Frequency = source.Some(fSum / float64(fCount))
	}
	if st.VA.OK && st.VA.V > 0 {
		st.PowerFactor = source.Some(math.Min(st.Power/st.VA.V, 1))
	}
	return st
}

// lineToLine is the line-to-line voltage of two line-to-neutral voltages 120° apart.
func lineToLine(a, b float64) float64 {
	return math.Sqrt(a*a + b*b + a*b)
}

func addEnergy(total uint32, wh float64) uint32 {
	sum := float64(total) + math.Max(wh, 0)
	if sum > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sum)
}

var (
	phaseCurrent = [3]int{sunspec.InvAphA, sunspec.InvAphB, sunspec.InvAphC}
	phaseVoltage = [3]int{sunspec.InvPhVphA, sunspec.InvPhVphB, sunspec.InvPhVphC}
)

// Apply writes s into the inverter data block. With no valid sources only St
// is written. A phase no source feeds reads as not implemented.
func (s State) Apply(inv []uint16) {
	inv[sunspec.InvSt] = uint16(s.St)
	if s.Sources == 0 {
		return
	}

	inv[sunspec.InvW] = sunspec.EncodeS16(s.Power, sunspec.SFPower)
	inv[sunspec.InvA] = sunspec.EncodeU16(s.Current, sunspec.SFCurrent)
	for k, ph := range s.Phases {
		inv[phaseCurrent[k]] = sunspec.NotImplementedU16
		inv[phaseVoltage[k]] = sunspec.NotImplementedU16
		if ph.Sources == 0 {
			continue
		}
		inv[phaseCurrent[k]] = sunspec.EncodeU16(ph.Current, sunspec.SFCurrent)
		if ph.Voltage > 0 {
			inv[phaseVoltage[k]] = sunspec.EncodeU16(ph.Voltage, sunspec.SFVoltage)
		}
	}
	if s.LineVoltage != [3]float64{} {
		inv[sunspec.InvPPVphAB] = sunspec.EncodeU16(s.LineVoltage[0], sunspec.SFVoltage)
		inv[sunspec.InvPPVphBC] = sunspec.EncodeU16(s.LineVoltage[1], sunspec.SFVoltage)
		inv[sunspec.InvPPVphCA] = sunspec.EncodeU16(s.LineVoltage[2], sunspec.SFVoltage)
	}

	if s.Frequency.OK {
		inv[sunspec.InvHz] = sunspec.EncodeU16(s.Frequency.V, sunspec.SFFrequency)
	}
	if s.VA.OK {
		inv[sunspec.InvVA] = sunspec.EncodeS16(s.VA.V, sunspec.SFVA)
	}
	if s.VAr.OK {
		inv[sunspec.InvVAr] = sunspec.EncodeS16(s.VAr.V, sunspec.SFVAr)
	}
	if s.PowerFactor.OK {
		inv[sunspec.InvPF] = sunspec.EncodeS16(s.PowerFactor.V, sunspec.SFPowerFactor)
	}
	sunspec.PutAcc32(inv[sunspec.InvWH:], s.EnergyWh)
	if s.Temperature.OK {
		inv[sunspec.InvTmpCab] = sunspec.EncodeS16(s.Temperature.V, sunspec.SFTemperature)
	}
	if s.DCPower > 0 {
		inv[sunspec.InvDCW] = sunspec.EncodeS16(s.DCPower, sunspec.SFDCPower)
	}
}

// Aggregator recomputes the virtual inverter and writes it into the register map.
type Aggregator struct {
	fleet  *source.Fleet
	regs   *sunspec.RegisterMap
	phases int

	mu   sync.RWMutex
	last State
}

// New creates an Aggregator for a virtual inverter with the given phase count.
func New(fleet *source.Fleet, regs *sunspec.RegisterMap, phases int) *Aggregator {
	return &Aggregator{
		fleet:  fleet,
		regs:   regs,
		phases: phases,
		last:   State{St: sunspec.StateSleeping, StName: sunspec.StateSleeping.String()},
	}
}

// Update runs one aggregation pass and returns its result.
func (a *Aggregator) Update() State {
	st := Compute(a.fleet.Snapshots(), a.phases)
	a.regs.UpdateInverter(st.Apply)

	a.mu.Lock()
	a.last = st
	a.mu.Unlock()

	if st.Sources == 0 {
		slog.Warn("aggregation: no valid sources")
	} else {
		slog.Debug("aggregation",
			"power", math.Round(st.Power),
			"l1", math.Round(st.Phases[0].Power),
			"l2", math.Round(st.Phases[1].Power),
			"l3", math.Round(st.Phases[2].Power),
			"current", st.Current,
			"frequency", st.Frequency,
			"energy_wh", st.EnergyWh,
			"valid", st.Sources,
			"total", a.fleet.Len(),
			"state", st.StName)
	}
	return st
}

// State returns the result of the last pass.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}
