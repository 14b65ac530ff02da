// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ffutop/sunspec-gateway/internal/config"
	"github.com/ffutop/sunspec-gateway/internal/source"
)

const (
	mqttQoS            = 0
	mqttPublishTimeout = 5 * time.Second
	aggregateTopic     = "aggregate"
	gatewayTopic       = "gateway"
	discoveryPrefix    = "homeassistant"
)

// MQTTSink publishes one topic per metric under <prefix>/<source>/<metric>
// plus a JSON status document per source.
type MQTTSink struct {
	client    mqtt.Client
	prefix    string
	retain    bool
	discovery bool
	device    string

	announced bool
}

// NewMQTTSink connects to the broker. The connection is retried in the
// background if the broker is unreachable at startup.
func NewMQTTSink(cfg config.MQTTConfig, device string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			slog.Warn("MQTT connection lost", "err", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			slog.Info("MQTT connected", "broker", cfg.Broker)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(mqttPublishTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newMQTTSink(client, cfg, device), nil
}

func newMQTTSink(client mqtt.Client, cfg config.MQTTConfig, device string) *MQTTSink {
	return &MQTTSink{
		client:    client,
		prefix:    strings.TrimSuffix(cfg.TopicPrefix, "/"),
		retain:    cfg.Retain,
		discovery: cfg.Discovery,
		device:    device,
	}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Publish sends every metric of snap. A disconnected client skips the round.
func (m *MQTTSink) Publish(ctx context.Context, snap Snapshot) error {
	if !m.client.IsConnected() {
		return errors.New("mqtt: not connected")
	}

	if m.discovery && !m.announced {
		if err := m.announce(snap); err != nil {
			return err
		}
		m.announced = true
	}

	var errs []error
	agg := snap.Aggregate
	aggMetrics := map[string]string{
		"power":           formatFloat(agg.Power),
		"current":         formatFloat(agg.Current),
		"power_l1":        formatFloat(agg.Phases[0].Power),
		"power_l2":        formatFloat(agg.Phases[1].Power),
		"power_l3":        formatFloat(agg.Phases[2].Power),
		"voltage_l1":      formatFloat(agg.Phases[0].Voltage),
		"voltage_l2":      formatFloat(agg.Phases[1].Voltage),
		"voltage_l3":      formatFloat(agg.Phases[2].Voltage),
		"frequency":       formatValue(agg.Frequency),
		"energy_total":    strconv.FormatUint(uint64(agg.EnergyWh), 10),
		"energy_today":    formatFloat(agg.TodayWh),
		"temperature":     formatValue(agg.Temperature),
		"dc_power":        formatFloat(agg.DCPower),
		"operating_state": agg.StName,
		"valid_sources":   strconv.Itoa(agg.Sources),
		"power_limit":     formatFloat(snap.PowerLimit.Effective),
	}
	errs = append(errs, m.publishMetrics(aggregateTopic, aggMetrics)...)
	errs = append(errs, m.publishJSON(aggregateTopic, agg))

	for _, s := range snap.Sources {
		name := topicName(s.Name)
		errs = append(errs, m.publishMetrics(name, sourceMetrics(s))...)
		errs = append(errs, m.publishJSON(name, s))
	}

	srv := snap.Server
	errs = append(errs, m.publishMetrics(gatewayTopic, map[string]string{
		"connections":  strconv.FormatInt(srv.Connections, 10),
		"requests":     strconv.FormatUint(srv.Requests, 10),
		"errors":       strconv.FormatUint(srv.Errors, 10),
		"peer_active":  strconv.FormatBool(srv.PeerActive),
		"peer_status":  srv.PeerStatus,
		"limit_sent":   strconv.FormatUint(snap.PowerLimit.CommandsSent, 10),
		"limit_failed": strconv.FormatUint(snap.PowerLimit.CommandsFailed, 10),
	})...)

	return errors.Join(errs...)
}

func sourceMetrics(s SourceReport) map[string]string {
	m := s.Measurement
	return map[string]string{
		"power":        formatValue(m.Power),
		"current":      formatValue(m.Current),
		"voltage":      formatValue(m.Voltage),
		"frequency":    formatValue(m.Frequency),
		"energy_total": formatValue(m.EnergyWh),
		"energy_today": formatValue(m.TodayWh),
		"temperature":  formatValue(m.Temperature),
		"dc_voltage":   formatValue(m.DCVoltage),
		"dc_current":   formatValue(m.DCCurrent),
		"dc_power":     formatValue(m.DCPower),
		"alarm_code":   strconv.Itoa(int(m.AlarmCode)),
		"alarm_count":  strconv.Itoa(int(m.AlarmCount)),
		"link_status":  strconv.Itoa(int(m.LinkStatus)),
		"producing":    strconv.FormatBool(m.Producing),
		"status_text":  s.Status,
		"fresh":        strconv.FormatBool(s.Fresh),
		"poll_ok":      strconv.FormatUint(s.Stats.Success, 10),
		"poll_fail":    strconv.FormatUint(s.Stats.Failures(), 10),
		"crc_errors":   strconv.FormatUint(s.Stats.CRCErrors, 10),
	}
}

func (m *MQTTSink) publishMetrics(node string, metrics map[string]string) []error {
	var errs []error
	for name, payload := range metrics {
		if payload == "" {
			continue
		}
		topic := fmt.Sprintf("%s/%s/%s", m.prefix, node, name)
		if err := m.publish(topic, m.retain, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *MQTTSink) publishJSON(node string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s status: %w", node, err)
	}
	return m.publish(fmt.Sprintf("%s/%s/status", m.prefix, node), true, payload)
}

func (m *MQTTSink) publish(topic string, retain bool, payload any) error {
	token := m.client.Publish(topic, mqttQoS, retain, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

type discoverySensor struct {
	node        string
	metric      string
	name        string
	unit        string
	deviceClass string
	stateClass  string
}

// announce publishes Home Assistant discovery documents for the aggregate
// and every source.
func (m *MQTTSink) announce(snap Snapshot) error {
	sensors := []discoverySensor{
		{aggregateTopic, "power", "Power", "W", "power", "measurement"},
		{aggregateTopic, "energy_total", "Energy", "Wh", "energy", "total_increasing"},
		{aggregateTopic, "frequency", "Frequency", "Hz", "frequency", "measurement"},
		{aggregateTopic, "temperature", "Temperature", "°C", "temperature", "measurement"},
		{aggregateTopic, "power_limit", "Power Limit", "%", "", "measurement"},
		{aggregateTopic, "operating_state", "State", "", "", ""},
	}
	for k := 1; k <= 3; k++ {
		sensors = append(sensors,
			discoverySensor{aggregateTopic, fmt.Sprintf("power_l%d", k), fmt.Sprintf("Power L%d", k), "W", "power", "measurement"},
			discoverySensor{aggregateTopic, fmt.Sprintf("voltage_l%d", k), fmt.Sprintf("Voltage L%d", k), "V", "voltage", "measurement"})
	}
	for _, s := range snap.Sources {
		node := topicName(s.Name)
		sensors = append(sensors,
			discoverySensor{node, "power", s.Name + " Power", "W", "power", "measurement"},
			discoverySensor{node, "energy_total", s.Name + " Energy", "Wh", "energy", "total_increasing"},
			discoverySensor{node, "temperature", s.Name + " Temperature", "°C", "temperature", "measurement"},
			discoverySensor{node, "status_text", s.Name + " Status", "", "", ""})
	}

	deviceID := topicName(m.device)
	for _, sensor := range sensors {
		uniqueID := fmt.Sprintf("%s_%s_%s", deviceID, sensor.node, sensor.metric)
		doc := map[string]any{
			"name":        sensor.name,
			"unique_id":   uniqueID,
			"state_topic": fmt.Sprintf("%s/%s/%s", m.prefix, sensor.node, sensor.metric),
			"device": map[string]any{
				"identifiers":  []string{deviceID},
				"name":         m.device,
				"manufacturer": "Hoymiles",
			},
		}
		if sensor.unit != "" {
			doc["unit_of_measurement"] = sensor.unit
		}
		if sensor.deviceClass != "" {
			doc["device_class"] = sensor.deviceClass
		}
		if sensor.stateClass != "" {
			doc["state_class"] = sensor.stateClass
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery: %w", err)
		}
		topic := fmt.Sprintf("%s/sensor/%s/config", discoveryPrefix, uniqueID)
		if err := m.publish(topic, true, payload); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}

// topicName makes a name safe for use as one topic level.
func topicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// formatFloat keeps three decimals.
func formatFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}

// formatValue renders an absent value as an empty payload, which is not published.
func formatValue(v source.Value) string {
	if !v.OK {
		return ""
	}
	return formatFloat(v.V)
}
