// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ffutop/sunspec-gateway/internal/source"
)

const pruneEvery = time.Hour

// AggregateSample is one row of the aggregate history.
type AggregateSample struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	PowerW       float64   `json:"power_w"`
	PowerL1W     float64   `json:"power_l1_w"`
	PowerL2W     float64   `json:"power_l2_w"`
	PowerL3W     float64   `json:"power_l3_w"`
	CurrentA     float64   `json:"current_a"`
	VoltageL1V   float64   `json:"voltage_l1_v"`
	VoltageL2V   float64   `json:"voltage_l2_v"`
	VoltageL3V   float64   `json:"voltage_l3_v"`
	FrequencyHz  *float64  `json:"frequency_hz"`
	EnergyWh     uint32    `json:"energy_wh"`
	TodayWh      float64   `json:"today_wh"`
	TemperatureC *float64  `json:"temperature_c"`
	DCPowerW     float64   `json:"dc_power_w"`
	State        string    `json:"state"`
	Sources      int       `json:"sources"`
	LimitPct     float64   `json:"limit_pct"`
	PeerActive   bool      `json:"peer_active"`
}

// SourceSample is one row of the per-source history.
type SourceSample struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	Port         uint8     `gorm:"index" json:"port"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	PowerW       *float64  `json:"power_w"`
	VoltageV     *float64  `json:"voltage_v"`
	FrequencyHz  *float64  `json:"frequency_hz"`
	EnergyWh     *float64  `json:"energy_wh"`
	TemperatureC *float64  `json:"temperature_c"`
	DCVoltageV   *float64  `json:"dc_voltage_v"`
	DCCurrentA   *float64  `json:"dc_current_a"`
	AlarmCode    uint16    `json:"alarm_code"`
	PollSuccess  uint64    `json:"poll_success"`
	PollFail     uint64    `json:"poll_fail"`
	PollTimeout  uint64    `json:"poll_timeout"`
	CRCErrors    uint64    `json:"crc_errors"`
}

// History stores snapshots in SQLite and drops rows older than the retention.
// Nothing is read back into the gateway on restart.
type History struct {
	db        *gorm.DB
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// OpenHistory opens or creates the database at path.
func OpenHistory(path string, retention time.Duration) (*History, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&AggregateSample{}, &SourceSample{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &History{db: db, retention: retention, now: time.Now}, nil
}

func (h *History) Name() string { return "history" }

// Publish appends one aggregate row and one row per source.
func (h *History) Publish(ctx context.Context, snap Snapshot) error {
	agg := snap.Aggregate
	row := AggregateSample{
		Timestamp:    snap.Time,
		PowerW:       agg.Power,
		PowerL1W:     agg.Phases[0].Power,
		PowerL2W:     agg.Phases[1].Power,
		PowerL3W:     agg.Phases[2].Power,
		CurrentA:     agg.Current,
		VoltageL1V:   agg.Phases[0].Voltage,
		VoltageL2V:   agg.Phases[1].Voltage,
		VoltageL3V:   agg.Phases[2].Voltage,
		FrequencyHz:  ptr(agg.Frequency),
		EnergyWh:     agg.EnergyWh,
		TodayWh:      agg.TodayWh,
		TemperatureC: ptr(agg.Temperature),
		DCPowerW:     agg.DCPower,
		State:        agg.StName,
		Sources:      agg.Sources,
		LimitPct:     snap.PowerLimit.Effective,
		PeerActive:   snap.Server.PeerActive,
	}

	rows := make([]SourceSample, 0, len(snap.Sources))
	for _, s := range snap.Sources {
		m := s.Measurement
		rows = append(rows, SourceSample{
			Timestamp:    snap.Time,
			Port:         s.Port,
			Name:         s.Name,
			Status:       s.Status,
			PowerW:       ptr(m.Power),
			VoltageV:     ptr(m.Voltage),
			FrequencyHz:  ptr(m.Frequency),
			EnergyWh:     ptr(m.EnergyWh),
			TemperatureC: ptr(m.Temperature),
			DCVoltageV:   ptr(m.DCVoltage),
			DCCurrentA:   ptr(m.DCCurrent),
			AlarmCode:    m.AlarmCode,
			PollSuccess:  s.Stats.Success,
			PollFail:     s.Stats.Fail,
			PollTimeout:  s.Stats.Timeout,
			CRCErrors:    s.Stats.CRCErrors,
		})
	}

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			return tx.Create(&rows).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save samples: %w", err)
	}

	if now := h.now(); now.Sub(h.lastPrune) >= pruneEvery {
		h.lastPrune = now
		return h.Prune(ctx, now)
	}
	return nil
}

// Prune deletes rows older than the retention relative to now.
func (h *History) Prune(ctx context.Context, now time.Time) error {
	if h.retention <= 0 {
		return nil
	}
	cutoff := now.Add(-h.retention)
	db := h.db.WithContext(ctx)
	if err := db.Where("timestamp < ?", cutoff).Delete(&AggregateSample{}).Error; err != nil {
		return fmt.Errorf("failed to prune aggregate samples: %w", err)
	}
	if err := db.Where("timestamp < ?", cutoff).Delete(&SourceSample{}).Error; err != nil {
		return fmt.Errorf("failed to prune source samples: %w", err)
	}
	return nil
}

// Recent returns up to limit aggregate rows, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]AggregateSample, error) {
	var rows []AggregateSample
	err := h.db.WithContext(ctx).Order("timestamp desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentSource returns up to limit rows of one source, newest first.
func (h *History) RecentSource(ctx context.Context, port uint8, limit int) ([]SourceSample, error) {
	var rows []SourceSample
	err := h.db.WithContext(ctx).Where("port = ?", port).Order("timestamp desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Close closes the database.
func (h *History) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ptr(v source.Value) *float64 {
	if !v.OK {
		return nil
	}
	f := v.V
	return &f
}
