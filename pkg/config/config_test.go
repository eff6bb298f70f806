package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
queueWait: 60s
batchSize: 2
environments:
  production:
    queueWait: 120s
    batchSize: 4
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	f, err := Load(path)
	require.NoError(t, err)

	qa := f.ForEnvironment(types.QA)
	assert.Equal(t, "60s", qa.QueueWait)
	assert.Equal(t, 2, qa.BatchSize)

	prod := f.ForEnvironment(types.Production)
	assert.Equal(t, "120s", prod.QueueWait)
	assert.Equal(t, 4, prod.BatchSize)
}

func TestResolveFallsBackToDefaultsForZeroFields(t *testing.T) {
	f := Default()
	resolved := Resolve(types.Production, f.ForEnvironment(types.Production))

	assert.Equal(t, 60*time.Second, resolved.Orchestrator.QueueWait)
	assert.Equal(t, 24*time.Hour, resolved.Orchestrator.Pipeline.ApprovalTimeout)
	assert.Equal(t, 2, resolved.Strategy.BatchSize)
	assert.InDelta(t, 0.95, resolved.Strategy.BlueGreenReadinessFraction, 0.0001)
}

func TestResolveHonorsExplicitOverrides(t *testing.T) {
	f := Default()
	f.Environments = map[string]Options{
		"staging": {QueueWait: "5m", BatchSize: 7},
	}
	opts := f.ForEnvironment(types.Staging)
	resolved := Resolve(types.Staging, opts)

	assert.Equal(t, 5*time.Minute, resolved.Orchestrator.QueueWait)
	assert.Equal(t, 7, resolved.Strategy.BatchSize)
}

func TestSeedRegistryRegistersConfiguredNodes(t *testing.T) {
	f := Default()
	f.Clusters = map[string][]NodeSeed{
		"qa": {{ID: "n1", Address: "n1:8080"}, {ID: "n2", Address: "n2:8080"}},
	}

	reg := registry.New(registry.DefaultThresholds(), nil)
	require.Error(t, func() error {
		_, err := reg.GetCluster(types.QA)
		return err
	}())

	require.NoError(t, SeedRegistry(reg, f))
	nodes, err := reg.AllNodes(types.QA)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}
