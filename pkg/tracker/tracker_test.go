package tracker

import (
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() types.DeploymentRequest {
	return types.DeploymentRequest{
		Module:            types.Module{Name: "billing", Version: "1.2.0", BinaryRef: "ref"},
		TargetEnvironment: types.Production,
		RequesterID:       "alice",
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	fc := clock.NewFake(time.Now())
	tr := New(7*24*time.Hour, fc, nil)

	require.NoError(t, tr.Start("exec-1", sampleRequest()))
	err := tr.Start("exec-1", sampleRequest())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Conflict))
}

func TestUpdateRejectsIllegalTransition(t *testing.T) {
	fc := clock.NewFake(time.Now())
	tr := New(7*24*time.Hour, fc, nil)
	require.NoError(t, tr.Start("exec-1", sampleRequest()))

	state, err := tr.Get("exec-1")
	require.NoError(t, err)
	state.Status = types.StatusSucceeded // Pending -> Succeeded is illegal directly
	err = tr.Update(state)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestUpdateThenCompleteLifecycle(t *testing.T) {
	fc := clock.NewFake(time.Now())
	tr := New(7*24*time.Hour, fc, nil)
	require.NoError(t, tr.Start("exec-1", sampleRequest()))

	state, _ := tr.Get("exec-1")
	state.Status = types.StatusRunning
	require.NoError(t, tr.Update(state))

	err := tr.Complete("exec-1", types.DeploymentResult{
		PipelineExecutionState: types.PipelineExecutionState{ExecutionID: "exec-1", Status: types.StatusSucceeded},
		NodesUpdated:           3,
	})
	require.NoError(t, err)

	final, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, final.Status)

	err = tr.Update(state)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Conflict))
}

func TestSweepEvictsOnlyExpiredTerminalEntries(t *testing.T) {
	fc := clock.NewFake(time.Now())
	tr := New(time.Hour, fc, nil)
	require.NoError(t, tr.Start("exec-done", sampleRequest()))
	require.NoError(t, tr.Start("exec-running", sampleRequest()))

	st, err := tr.Get("exec-done")
	require.NoError(t, err)
	st.Status = types.StatusRunning
	require.NoError(t, tr.Update(st))
	require.NoError(t, tr.Complete("exec-done", types.DeploymentResult{
		PipelineExecutionState: types.PipelineExecutionState{ExecutionID: "exec-done", Status: types.StatusFailed},
	}))

	fc.Advance(2 * time.Hour)
	tr.Sweep()

	_, err = tr.Get("exec-done")
	assert.Error(t, err)

	_, err = tr.Get("exec-running")
	assert.NoError(t, err)
}

func TestListAllFiltersByStatus(t *testing.T) {
	fc := clock.NewFake(time.Now())
	tr := New(7*24*time.Hour, fc, nil)
	require.NoError(t, tr.Start("exec-1", sampleRequest()))
	require.NoError(t, tr.Start("exec-2", sampleRequest()))

	st, err := tr.Get("exec-2")
	require.NoError(t, err)
	st.Status = types.StatusRunning
	require.NoError(t, tr.Update(st))

	succeeded := types.StatusSucceeded
	require.NoError(t, tr.Complete("exec-2", types.DeploymentResult{
		PipelineExecutionState: types.PipelineExecutionState{ExecutionID: "exec-2", Status: succeeded},
	}))

	results := tr.ListAll(Filter{Status: &succeeded})
	require.Len(t, results, 1)
	assert.Equal(t, "exec-2", results[0].ExecutionID)
}
