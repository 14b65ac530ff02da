// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"), 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	h.now = func() time.Time { return testTime }
	return h
}

func TestHistory_Publish(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, testSnapshot()))

	rows, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2100.0, rows[0].PowerW)
	assert.Equal(t, 1100.0, rows[0].PowerL1W)
	assert.Equal(t, "MPPT", rows[0].State)
	assert.Equal(t, 65.0, rows[0].LimitPct)
	assert.Nil(t, rows[0].FrequencyHz)
	assert.True(t, rows[0].Timestamp.Equal(testTime))

	garage, err := h.RecentSource(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, garage, 1)
	assert.Equal(t, "Garage East", garage[0].Name)
	require.NotNil(t, garage[0].TemperatureC)
	assert.Equal(t, 31.5, *garage[0].TemperatureC)

	roof, err := h.RecentSource(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, roof, 1)
	assert.Nil(t, roof[0].PowerW)
	assert.Equal(t, uint64(4), roof[0].PollTimeout)
}

func TestHistory_Prune(t *testing.T) {
	h := openTestHistory(t)
	h.lastPrune = testTime
	ctx := context.Background()

	old := testSnapshot()
	old.Time = testTime.Add(-48 * time.Hour)
	require.NoError(t, h.Publish(ctx, old))
	require.NoError(t, h.Publish(ctx, testSnapshot()))

	rows, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "pruned at most once per hour")

	require.NoError(t, h.Prune(ctx, testTime))

	rows, err = h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Timestamp.Equal(testTime))

	src, err := h.RecentSource(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, src, 1)
}
