package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClusterWithNodes(r *registry.Registry, env types.Environment, ids ...string) *types.Cluster {
	c := r.ConfigureCluster(env, string(env)+"-cluster")
	for _, id := range ids {
		_ = r.Register(env, &types.Node{ID: id, Address: id + ":8080"})
		_ = r.Heartbeat(id, types.HealthSnapshot{})
	}
	cluster, _ := r.GetCluster(env)
	return cluster
}

func TestDirectApplySucceeds(t *testing.T) {
	fc := clock.NewFake(time.Now())
	r := registry.New(registry.DefaultThresholds(), fc)
	cluster := newClusterWithNodes(r, types.Development, "n1", "n2", "n3")
	driver := nodedriver.NewFake(nil)

	s := NewDirect(r, driver, nil, fc, DefaultConfig())
	outcome := s.Apply(context.Background(), cluster, types.Module{Name: "auth", Version: "2.0.0"}, nil)

	assert.Equal(t, ApplySucceeded, outcome.Status)
	assert.Equal(t, 3, outcome.NodesUpdated)
	for _, n := range cluster.Nodes {
		assert.Equal(t, "2.0.0", n.CurrentModuleVersion)
		assert.Equal(t, types.NodeHealthy, n.State)
	}
}

func TestDirectApplyRollsBackOnPartialFailure(t *testing.T) {
	fc := clock.NewFake(time.Now())
	r := registry.New(registry.DefaultThresholds(), fc)
	cluster := newClusterWithNodes(r, types.Development, "n1", "n2")
	for _, n := range cluster.Nodes {
		n.CurrentModuleVersion = "1.0.0"
	}
	driver := nodedriver.NewFake(map[string]error{"n2": assertErr("boom")})

	s := NewDirect(r, driver, nil, fc, DefaultConfig())
	outcome := s.Apply(context.Background(), cluster, types.Module{Name: "auth", Version: "2.0.0"}, nil)

	assert.Equal(t, ApplyFailed, outcome.Status)
	n1 := findNode(cluster, "n1")
	assert.Equal(t, "1.0.0", n1.CurrentModuleVersion)
}

func TestRollingAppliesInBatches(t *testing.T) {
	fc := clock.NewFake(time.Now())
	r := registry.New(registry.DefaultThresholds(), fc)
	cluster := newClusterWithNodes(r, types.QA, "n1", "n2", "n3", "n4", "n5")
	driver := nodedriver.NewFake(nil)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	s := NewRolling(r, driver, nil, fc, cfg)
	outcome := s.Apply(context.Background(), cluster, types.Module{Name: "auth", Version: "2.0.0"}, nil)

	assert.Equal(t, ApplySucceeded, outcome.Status)
	assert.Equal(t, 5, outcome.NodesUpdated)
}

type fakeProvisioner struct {
	green []*types.Node
	r     *registry.Registry
	env   types.Environment
}

func (p *fakeProvisioner) ProvisionGreen(ctx context.Context, cluster *types.Cluster, size int) ([]*types.Node, error) {
	for i := 0; i < size; i++ {
		id := "green-" + string(rune('a'+i))
		n := &types.Node{ID: id, Address: id}
		_ = p.r.Register(p.env, n)
		_ = p.r.Heartbeat(id, types.HealthSnapshot{})
		p.green = append(p.green, n)
	}
	cl, _ := p.r.GetCluster(p.env)
	return cl.Nodes[len(cl.Nodes)-size:], nil
}

func (p *fakeProvisioner) RetireNodes(ctx context.Context, nodes []*types.Node) error {
	return nil
}

func TestBlueGreenSwitchesActiveColor(t *testing.T) {
	fc := clock.NewFake(time.Now())
	r := registry.New(registry.DefaultThresholds(), fc)
	cluster := newClusterWithNodes(r, types.Staging, "blue1", "blue2")
	driver := nodedriver.NewFake(nil)
	prov := &fakeProvisioner{r: r, env: types.Staging}

	cfg := DefaultConfig()
	cfg.BlueGreenReadinessFraction = 0.99
	s := NewBlueGreen(r, driver, nil, fc, cfg, prov)

	outcome := s.Apply(context.Background(), cluster, types.Module{Name: "auth", Version: "2.0.0"}, nil)
	require.Equal(t, ApplySucceeded, outcome.Status)
	assert.Equal(t, "green", cluster.ActiveColor)
}

func TestCanaryPromotesInSteps(t *testing.T) {
	fc := clock.NewFake(time.Now())
	r := registry.New(registry.DefaultThresholds(), fc)
	cluster := newClusterWithNodes(r, types.Production, "n1", "n2", "n3", "n4")
	driver := nodedriver.NewFake(nil)

	cfg := DefaultConfig()
	cfg.CanarySteps = []int{25, 100}
	s := NewCanary(r, driver, nil, fc, cfg)

	outcome := s.Apply(context.Background(), cluster, types.Module{Name: "auth", Version: "2.0.0"}, nil)
	assert.Equal(t, ApplySucceeded, outcome.Status)
	assert.Equal(t, 4, outcome.NodesUpdated)
	for _, n := range cluster.Nodes {
		assert.Equal(t, "2.0.0", n.CurrentModuleVersion)
	}
}

func findNode(cluster *types.Cluster, id string) *types.Node {
	for _, n := range cluster.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
