// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/sunspec-gateway/internal/config"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	payload string
	retain  bool
}

// fakeClient records publications. Methods not overridden panic.
type fakeClient struct {
	mqtt.Client
	connected bool

	mu        sync.Mutex
	published map[string]message
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, published: make(map[string]message)}
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.published[topic] = message{payload: s, retain: retained}
	return doneToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) { c.connected = false }

func TestMQTTSink_Publish(t *testing.T) {
	client := newFakeClient()
	sink := newMQTTSink(client, config.MQTTConfig{TopicPrefix: "solar/", Retain: false}, "Hoymiles Aggregate")

	require.NoError(t, sink.Publish(context.Background(), testSnapshot()))

	got := client.published
	assert.Equal(t, "2100", got["solar/aggregate/power"].payload)
	assert.Equal(t, "1100", got["solar/aggregate/power_l1"].payload)
	assert.Equal(t, "MPPT", got["solar/aggregate/operating_state"].payload)
	assert.Equal(t, "65", got["solar/aggregate/power_limit"].payload)
	assert.False(t, got["solar/aggregate/power"].retain)

	assert.Equal(t, "600", got["solar/garage_east/power"].payload)
	assert.Equal(t, "Producing 600W", got["solar/garage_east/status_text"].payload)
	_, hasTemp := got["solar/roof/temperature"]
	assert.False(t, hasTemp, "absent values are not published")

	status := got["solar/roof/status"]
	assert.True(t, status.retain)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(status.payload), &doc))
	assert.Equal(t, "roof", doc["name"])
	assert.Equal(t, "Offline", doc["status"])

	assert.Equal(t, "Active (12 reqs)", got["solar/gateway/peer_status"].payload)
	assert.Equal(t, "true", got["solar/gateway/peer_active"].payload)

	for topic := range got {
		assert.NotContains(t, topic, "homeassistant", "discovery disabled")
	}
}

func TestMQTTSink_Discovery(t *testing.T) {
	client := newFakeClient()
	sink := newMQTTSink(client, config.MQTTConfig{TopicPrefix: "sunspec", Discovery: true}, "HM Bridge")

	require.NoError(t, sink.Publish(context.Background(), testSnapshot()))

	cfg, ok := client.published["homeassistant/sensor/hm_bridge_aggregate_power/config"]
	require.True(t, ok)
	assert.True(t, cfg.retain)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(cfg.payload), &doc))
	assert.Equal(t, "sunspec/aggregate/power", doc["state_topic"])
	assert.Equal(t, "W", doc["unit_of_measurement"])
	assert.Equal(t, "power", doc["device_class"])

	_, ok = client.published["homeassistant/sensor/hm_bridge_garage_east_energy_total/config"]
	assert.True(t, ok)

	// Announced once.
	delete(client.published, "homeassistant/sensor/hm_bridge_aggregate_power/config")
	require.NoError(t, sink.Publish(context.Background(), testSnapshot()))
	_, ok = client.published["homeassistant/sensor/hm_bridge_aggregate_power/config"]
	assert.False(t, ok)
}

func TestMQTTSink_Disconnected(t *testing.T) {
	client := newFakeClient()
	client.connected = false
	sink := newMQTTSink(client, config.MQTTConfig{TopicPrefix: "sunspec"}, "x")

	assert.Error(t, sink.Publish(context.Background(), testSnapshot()))
	assert.Empty(t, client.published)
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "garage_east", topicName("Garage East"))
	assert.Equal(t, "hm-1500_1", topicName(" HM-1500#1 "))
}
