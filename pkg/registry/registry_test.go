package registry

import (
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(DefaultThresholds(), fc)
	return r, fc
}

func TestRegisterAndHeartbeatMarksHealthy(t *testing.T) {
	r, _ := newTestRegistry()
	r.ConfigureCluster(types.Development, "dev-1")

	require.NoError(t, r.Register(types.Development, &types.Node{ID: "n1", Address: "10.0.0.1"}))
	require.NoError(t, r.Heartbeat("n1", types.HealthSnapshot{CPUPct: 10, MemPct: 10, ErrorRate: 0, P95LatencyMs: 50}))

	avail, err := r.Available(types.Development)
	require.NoError(t, err)
	assert.Len(t, avail, 1)
	assert.Equal(t, "n1", avail[0].ID)
}

func TestHeartbeatDegradedNodeNotAvailable(t *testing.T) {
	r, _ := newTestRegistry()
	r.ConfigureCluster(types.Development, "dev-1")
	require.NoError(t, r.Register(types.Development, &types.Node{ID: "n1"}))

	require.NoError(t, r.Heartbeat("n1", types.HealthSnapshot{CPUPct: 99, ErrorRate: 0}))

	avail, err := r.Available(types.Development)
	require.NoError(t, err)
	assert.Empty(t, avail)

	all, err := r.AllNodes(types.Development)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.NodeDegraded, all[0].State)
}

func TestSweepMarksMissedHeartbeatUnhealthy(t *testing.T) {
	r, fc := newTestRegistry()
	r.ConfigureCluster(types.Development, "dev-1")
	require.NoError(t, r.Register(types.Development, &types.Node{ID: "n1"}))
	require.NoError(t, r.Heartbeat("n1", types.HealthSnapshot{}))

	fc.Advance(time.Minute)
	r.Sweep()

	all, err := r.AllNodes(types.Development)
	require.NoError(t, err)
	assert.Equal(t, types.NodeUnhealthy, all[0].State)
}

func TestBeginUpdateShieldsFromHeartbeat(t *testing.T) {
	r, _ := newTestRegistry()
	r.ConfigureCluster(types.Development, "dev-1")
	require.NoError(t, r.Register(types.Development, &types.Node{ID: "n1"}))

	unlock, err := r.BeginUpdate("n1")
	require.NoError(t, err)

	// A concurrent heartbeat must be ignored while Updating.
	require.NoError(t, r.Heartbeat("n1", types.HealthSnapshot{CPUPct: 5}))
	all, _ := r.AllNodes(types.Development)
	assert.Equal(t, types.NodeUpdating, all[0].State)
	unlock()

	require.NoError(t, r.EndUpdate("n1", true, "1.4.0"))
	all, _ = r.AllNodes(types.Development)
	assert.Equal(t, types.NodeHealthy, all[0].State)
	assert.Equal(t, "1.4.0", all[0].CurrentModuleVersion)
}

func TestHealthyFractionAndServing(t *testing.T) {
	r, _ := newTestRegistry()
	r.ConfigureCluster(types.Production, "prod-1")
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		require.NoError(t, r.Register(types.Production, &types.Node{ID: id}))
	}
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, r.Heartbeat(id, types.HealthSnapshot{}))
	}

	frac, err := r.HealthyFraction(types.Production)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, frac, 0.001)

	serving, err := r.Serving(types.Production)
	require.NoError(t, err)
	assert.True(t, serving)
}

func TestSetActiveColorCompareAndSet(t *testing.T) {
	r, _ := newTestRegistry()
	r.ConfigureCluster(types.Staging, "stg-1")

	require.NoError(t, r.SetActiveColor(types.Staging, "", "blue"))
	err := r.SetActiveColor(types.Staging, "green", "blue")
	assert.Error(t, err)

	require.NoError(t, r.SetActiveColor(types.Staging, "blue", "green"))
	color, err := r.ActiveColor(types.Staging)
	require.NoError(t, err)
	assert.Equal(t, "green", color)
}
