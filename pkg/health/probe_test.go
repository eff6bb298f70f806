package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	snapshots map[string]types.HealthSnapshot
}

func (f *fakeSource) SampleNode(ctx context.Context, nodeID string) (types.HealthSnapshot, error) {
	snap, ok := f.snapshots[nodeID]
	if !ok {
		return types.HealthSnapshot{}, errUnreachable(nodeID)
	}
	return snap, nil
}

func errUnreachable(nodeID string) error {
	return fmt.Errorf("node %s unreachable", nodeID)
}

func TestSampleClusterOmitsUnreachable(t *testing.T) {
	src := &fakeSource{snapshots: map[string]types.HealthSnapshot{
		"n1": {ErrorRate: 0.001},
	}}
	p := NewProbe(src, clock.Real{})

	results := p.SampleCluster(context.Background(), []string{"n1", "n2"}, 4)
	assert.Len(t, results, 1)
	_, ok := results["n2"]
	assert.False(t, ok)
}

func TestWaitForStableSucceedsWithinBudget(t *testing.T) {
	src := &fakeSource{snapshots: map[string]types.HealthSnapshot{
		"n1": {ErrorRate: 0.001, P95LatencyMs: 50},
	}}
	fc := clock.NewFake(time.Now())
	p := NewProbe(src, fc)

	predicate := StandardPredicate(func() map[string]bool { return map[string]bool{"n1": true} }, DefaultBudgets())

	done := make(chan error, 1)
	go func() {
		done <- p.WaitForStable(context.Background(), StabilityScope{NodeIDs: []string{"n1"}}, 10*time.Second, DefaultBudgets(), predicate)
	}()

	// advance past the window; ticker fires are driven by wall-clock time.NewTicker
	// which doesn't use the fake clock, so we only assert the deadline logic by
	// advancing the fake clock's Now() used for the deadline check.
	fc.Advance(11 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForStable did not return")
	}
}

func TestWaitForStableFailsOnViolation(t *testing.T) {
	src := &fakeSource{snapshots: map[string]types.HealthSnapshot{
		"n1": {ErrorRate: 0.5, P95LatencyMs: 50},
	}}
	fc := clock.NewFake(time.Now())
	p := NewProbe(src, fc)

	predicate := StandardPredicate(func() map[string]bool { return map[string]bool{"n1": true} }, DefaultBudgets())

	err := p.WaitForStable(context.Background(), StabilityScope{NodeIDs: []string{"n1"}}, time.Second, DefaultBudgets(), predicate)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.HealthDegradation))
}

func TestCanaryPredicateRegression(t *testing.T) {
	samples := map[string]types.HealthSnapshot{
		"u1": {ErrorRate: 0.012, P95LatencyMs: 100},
		"b1": {ErrorRate: 0.004, P95LatencyMs: 90},
	}
	predicate := CanaryPredicate([]string{"u1"}, []string{"b1"}, Budgets{ErrorRateBudget: 0.02, LatencyBudgetMs: 500}, 0.005, 50)
	stable, reason := predicate(samples)
	assert.False(t, stable)
	assert.Contains(t, reason, "regression")
}
