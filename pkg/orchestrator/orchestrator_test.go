package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/events"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/tracker"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNodeCluster(t *testing.T, r *registry.Registry, env types.Environment, ids ...string) {
	t.Helper()
	r.ConfigureCluster(env, string(env)+"-cluster")
	for _, id := range ids {
		require.NoError(t, r.Register(env, &types.Node{ID: id, Address: id + ":8080"}))
		require.NoError(t, r.Heartbeat(id, types.HealthSnapshot{}))
	}
}

func moduleRequest(env types.Environment, name string) types.DeploymentRequest {
	return types.DeploymentRequest{
		Module:            types.Module{Name: name, Version: "1.4.0", BinaryRef: "ref://" + name},
		TargetEnvironment: env,
		RequesterID:       "alice",
	}
}

// blockingDriver stalls ApplyModule until release is closed, so tests can
// observe an execution while it is still in-flight.
type blockingDriver struct {
	release chan struct{}
}

func (d *blockingDriver) ApplyModule(ctx context.Context, n *types.Node, m types.Module) error {
	<-d.release
	n.CurrentModuleVersion = m.Version
	return nil
}

func (d *blockingDriver) RollbackModule(ctx context.Context, n *types.Node, priorVersion string) error {
	n.CurrentModuleVersion = priorVersion
	return nil
}

// blockingPreparer stalls the Prepare stage until release is closed.
type blockingPreparer struct {
	release chan struct{}
}

func (p *blockingPreparer) Prepare(ctx context.Context, m types.Module) error {
	<-p.release
	return nil
}

func newOrchestrator(r *registry.Registry, tr *tracker.Tracker, driver nodedriver.NodeDriver) *Orchestrator {
	return New(Deps{
		Registry: r,
		Tracker:  tr,
		Driver:   driver,
		Notifier: events.NewBroker(),
		Clock:    clock.Real{},
	}, DefaultConfig())
}

func TestSubmitDirectHappyPath(t *testing.T) {
	r := registry.New(registry.DefaultThresholds(), clock.Real{})
	newNodeCluster(t, r, types.Development, "n1", "n2", "n3")
	tr := tracker.New(7*24*time.Hour, clock.Real{}, nil)
	o := newOrchestrator(r, tr, nodedriver.NewFake(nil))

	id, err := o.Submit(context.Background(), moduleRequest(types.Development, "auth"), "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		st, err := tr.Get(id)
		return err == nil && st.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	final, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, final.Status)
	for _, s := range final.Stages {
		if s.Name == types.StageApprovalGate {
			assert.Equal(t, types.StageStatusSkipped, s.Status, s.Name)
			continue
		}
		assert.Equal(t, types.StageStatusSucceeded, s.Status, s.Name)
	}
}

func TestSubmitIdempotentResubmitReturnsSameExecution(t *testing.T) {
	r := registry.New(registry.DefaultThresholds(), clock.Real{})
	newNodeCluster(t, r, types.QA, "n1")
	release := make(chan struct{})
	driver := &blockingDriver{release: release}
	tr := tracker.New(7*24*time.Hour, clock.Real{}, nil)
	o := newOrchestrator(r, tr, driver)

	req := moduleRequest(types.QA, "auth")
	id1, err := o.Submit(context.Background(), req, "K1")
	require.NoError(t, err)

	id2, err := o.Submit(context.Background(), req, "K1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	close(release)
	require.Eventually(t, func() bool {
		st, err := tr.Get(id1)
		return err == nil && st.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitSecondCollidesOnSerializationKey(t *testing.T) {
	r := registry.New(registry.DefaultThresholds(), clock.Real{})
	newNodeCluster(t, r, types.QA, "n1")
	release := make(chan struct{})
	driver := &blockingDriver{release: release}
	tr := tracker.New(7*24*time.Hour, clock.Real{}, nil)

	cfg := DefaultConfig()
	cfg.QueueWait = 80 * time.Millisecond
	o := New(Deps{Registry: r, Tracker: tr, Driver: driver, Notifier: events.NewBroker(), Clock: clock.Real{}}, cfg)

	req := moduleRequest(types.QA, "auth")
	id1, err := o.Submit(context.Background(), req, "")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same (environment, module) pair, no idempotency key: the serialization
	// key is already held by id1's in-flight deploy, so this call blocks for
	// cfg.QueueWait and then fails (§8 property 2, scenario S5).
	id2, err := o.Submit(context.Background(), req, "")
	require.Error(t, err)
	assert.Empty(t, id2)
	assert.True(t, errkind.Is(err, errkind.Conflict))

	close(release)
	require.Eventually(t, func() bool {
		st, err := tr.Get(id1)
		return err == nil && st.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := tr.Get(id1)
	assert.Equal(t, types.StatusSucceeded, final.Status)
}

func TestCancelStopsAtNextStageBoundary(t *testing.T) {
	r := registry.New(registry.DefaultThresholds(), clock.Real{})
	newNodeCluster(t, r, types.Development, "n1")
	release := make(chan struct{})
	prep := &blockingPreparer{release: release}
	tr := tracker.New(7*24*time.Hour, clock.Real{}, nil)

	o := New(Deps{
		Registry: r,
		Tracker:  tr,
		Driver:   nodedriver.NewFake(nil),
		Preparer: prep,
		Notifier: events.NewBroker(),
		Clock:    clock.Real{},
	}, DefaultConfig())

	id, err := o.Submit(context.Background(), moduleRequest(types.Development, "auth"), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := tr.Get(id)
		return err == nil && st.CurrentStage == types.StagePrepare
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(id))
	close(release)

	require.Eventually(t, func() bool {
		st, err := tr.Get(id)
		return err == nil && st.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := tr.Get(id)
	assert.Equal(t, types.StatusCancelled, final.Status)
}

func TestSubmitRejectsUnknownEnvironment(t *testing.T) {
	r := registry.New(registry.DefaultThresholds(), clock.Real{})
	tr := tracker.New(7*24*time.Hour, clock.Real{}, nil)
	o := newOrchestrator(r, tr, nodedriver.NewFake(nil))

	req := moduleRequest(types.Environment("nonexistent"), "auth")
	_, err := o.Submit(context.Background(), req, "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestApproveWithoutGateConfiguredFails(t *testing.T) {
	r := registry.New(registry.DefaultThresholds(), clock.Real{})
	newNodeCluster(t, r, types.Staging, "blue1", "blue2")
	tr := tracker.New(7*24*time.Hour, clock.Real{}, nil)
	o := newOrchestrator(r, tr, nodedriver.NewFake(nil))

	err := o.Approve("nonexistent-execution", "anyone")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Internal))
}
