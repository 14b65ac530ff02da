// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ffutop/sunspec-gateway/internal/hoymiles"
)

const (
	// MaxSources is the fixed capacity of the source set.
	MaxSources = 8

	DefaultUnitID = 126
)

// Config defines the global configuration structure
type Config struct {
	Serial    SerialConfig    `mapstructure:"serial"`
	DTU       DTUConfig       `mapstructure:"dtu"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Inverter  InverterConfig  `mapstructure:"inverter"`
	TCP       TcpConfig       `mapstructure:"tcp"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device    string        `mapstructure:"device"`
	BaudRate  int           `mapstructure:"baud_rate"`
	DataBits  int           `mapstructure:"data_bits"`
	Parity    string        `mapstructure:"parity"`
	StopBits  int           `mapstructure:"stop_bits"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RqstPause time.Duration `mapstructure:"rqst_pause"` // Pause between requests

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// NetworkAddress returns host:port when Device names a transparent serial
// server ("tcp://host:port") instead of a local port.
func (s SerialConfig) NetworkAddress() (string, bool) {
	return strings.CutPrefix(s.Device, "tcp://")
}

// DTUConfig defines the data collector the sources sit behind
type DTUConfig struct {
	Address      byte          `mapstructure:"address"`
	PollInterval time.Duration `mapstructure:"poll_interval"` // full round over all sources
	ControlDelay time.Duration `mapstructure:"control_delay"` // settle time after each control write
}

// SourceConfig defines one physical inverter port on the DTU
type SourceConfig struct {
	Name       string `mapstructure:"name"`
	Port       byte   `mapstructure:"port"`
	Phases     int    `mapstructure:"phases"` // 1 or 3
	Phase      int    `mapstructure:"phase"`  // 1..3, grid phase of a 1-phase source
	RatedPower int    `mapstructure:"rated_power"`
	Model      string `mapstructure:"model"`
	Serial     string `mapstructure:"serial"`
	MPPTInputs int    `mapstructure:"mppt_inputs"`
}

// InverterConfig defines the identity of the virtual inverter served over TCP
type InverterConfig struct {
	UnitID         byte    `mapstructure:"unit_id"`
	Phases         int     `mapstructure:"phases"`
	Manufacturer   string  `mapstructure:"manufacturer"`
	Model          string  `mapstructure:"model"`
	Serial         string  `mapstructure:"serial"`
	Version        string  `mapstructure:"version"`
	NominalVoltage int     `mapstructure:"nominal_voltage"`
	RatedPower     int     `mapstructure:"rated_power"`   // 0 = sum of sources
	RatedCurrent   float64 `mapstructure:"rated_current"` // 0 = derived from rated power
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address      string        `mapstructure:"address"` // e.g. "0.0.0.0:502"
	MaxConns     int           `mapstructure:"max_conns"`
	ActiveWindow time.Duration `mapstructure:"active_window"`
	UnitIDs      string        `mapstructure:"unit_ids"` // extra unit ids answered, e.g. "1,2-3"
}

// TelemetryConfig defines the periodic publication of decoded values
type TelemetryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MQTT     MQTTConfig    `mapstructure:"mqtt"`
	History  HistoryConfig `mapstructure:"history"`
}

// MQTTConfig defines the MQTT sink
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Retain      bool   `mapstructure:"retain"`
	Discovery   bool   `mapstructure:"discovery"`
}

// HistoryConfig defines the SQLite sample log
type HistoryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// APIConfig defines the HTTP status endpoint
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoadConfig loads configuration from file. Flags, when given, override file values.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sunspec-gateway/")
		v.AddConfigPath("$HOME/.sunspec-gateway")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SUNSPEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			v.BindPFlag("log.level", f)
		}
		if f := flags.Lookup("device"); f != nil {
			v.BindPFlag("serial.device", f)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to find config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	fixupSerial(&config.Serial)
	fixupSources(config.Sources)
	fixupInverter(&config.Inverter, config.Sources)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)

	v.SetDefault("dtu.address", DefaultUnitID)
	v.SetDefault("dtu.poll_interval", 5*time.Second)
	v.SetDefault("dtu.control_delay", 100*time.Millisecond)

	v.SetDefault("inverter.unit_id", DefaultUnitID)
	v.SetDefault("inverter.phases", 3)
	v.SetDefault("inverter.manufacturer", "Hoymiles")
	v.SetDefault("inverter.model", "Hoymiles Aggregate")
	v.SetDefault("inverter.serial", "HM-BRIDGE-001")
	v.SetDefault("inverter.version", "1.1.0")
	v.SetDefault("inverter.nominal_voltage", 230)

	v.SetDefault("tcp.address", "0.0.0.0:502")
	v.SetDefault("tcp.max_conns", 4)
	v.SetDefault("tcp.active_window", 30*time.Second)

	v.SetDefault("telemetry.interval", 5*time.Second)
	v.SetDefault("telemetry.mqtt.client_id", "sunspec-gateway")
	v.SetDefault("telemetry.mqtt.topic_prefix", "sunspec")
	v.SetDefault("telemetry.mqtt.retain", true)
	v.SetDefault("telemetry.history.path", "sunspec-history.db")
	v.SetDefault("telemetry.history.retention", 7*24*time.Hour)

	v.SetDefault("api.address", "127.0.0.1:8080")
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 3 * time.Second
	}
	if s.RqstPause == 0 {
		s.RqstPause = 100 * time.Millisecond
	}
}

// fixupSources fills phase count and rating from the model table and names unnamed sources.
func fixupSources(sources []SourceConfig) {
	for i := range sources {
		s := &sources[i]
		if spec, ok := hoymiles.LookupModel(s.Model); ok {
			if s.Phases == 0 {
				s.Phases = spec.Phases
			}
			if s.RatedPower == 0 {
				s.RatedPower = spec.RatedPower
			}
			if s.MPPTInputs == 0 {
				s.MPPTInputs = spec.MPPTInputs
			}
		}
		if s.Phases == 0 {
			s.Phases = 1
		}
		if s.Phases == 1 && s.Phase == 0 {
			s.Phase = 1
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("port-%d", s.Port)
		}
	}
}

func fixupInverter(inv *InverterConfig, sources []SourceConfig) {
	if inv.RatedPower == 0 {
		for _, s := range sources {
			inv.RatedPower += s.RatedPower
		}
	}
	if inv.RatedCurrent == 0 && inv.NominalVoltage > 0 {
		phases := inv.Phases
		if phases <= 0 {
			phases = 1
		}
		inv.RatedCurrent = float64(inv.RatedPower) / float64(inv.NominalVoltage) / float64(phases)
	}
}

// Validate checks the configuration without modifying it.
func (c *Config) Validate() error {
	var errs []error

	if c.Serial.Device == "" {
		errs = append(errs, errors.New("serial.device is required"))
	}
	if c.DTU.PollInterval <= 0 {
		errs = append(errs, errors.New("dtu.poll_interval must be positive"))
	}
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	if len(c.Sources) > MaxSources {
		errs = append(errs, fmt.Errorf("at most %d sources are supported, got %d", MaxSources, len(c.Sources)))
	}

	ports := make(map[byte]string)
	for i, s := range c.Sources {
		if s.Phases != 1 && s.Phases != 3 {
			errs = append(errs, fmt.Errorf("sources[%d]: phases must be 1 or 3, got %d", i, s.Phases))
		}
		if s.Phases == 1 && (s.Phase < 1 || s.Phase > 3) {
			errs = append(errs, fmt.Errorf("sources[%d]: phase must be 1..3, got %d", i, s.Phase))
		}
		if other, ok := ports[s.Port]; ok {
			errs = append(errs, fmt.Errorf("sources[%d]: port %d already used by %q", i, s.Port, other))
		}
		ports[s.Port] = s.Name
	}

	if c.Inverter.Phases != 1 && c.Inverter.Phases != 3 {
		errs = append(errs, fmt.Errorf("inverter.phases must be 1 or 3, got %d", c.Inverter.Phases))
	}
	if c.Inverter.UnitID == 0 {
		errs = append(errs, errors.New("inverter.unit_id must not be 0"))
	}
	if c.TCP.MaxConns <= 0 {
		errs = append(errs, errors.New("tcp.max_conns must be positive"))
	}
	if c.Telemetry.MQTT.Enabled && c.Telemetry.MQTT.Broker == "" {
		errs = append(errs, errors.New("telemetry.mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}
