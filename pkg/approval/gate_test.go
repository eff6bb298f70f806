package approval

import (
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/audit"
	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAndResolveApprove(t *testing.T) {
	fc := clock.NewFake(time.Now())
	sink := audit.NewInMemory()
	g := New(24*time.Hour, fc, sink)

	handle, err := g.RequestApproval("exec-1", types.Production, "requester-1")
	require.NoError(t, err)

	r, err := g.Resolve(handle, DecisionApprove, "approver-1", "looks good")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, r.Decision)
	assert.Len(t, sink.All(), 1)
}

func TestResolveRejectsSameApproverAsRequester(t *testing.T) {
	fc := clock.NewFake(time.Now())
	g := New(24*time.Hour, fc, audit.NoOp{})

	handle, err := g.RequestApproval("exec-1", types.Production, "requester-1")
	require.NoError(t, err)

	_, err = g.Resolve(handle, DecisionApprove, "requester-1", "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestSweepAutoRejectsExpired(t *testing.T) {
	fc := clock.NewFake(time.Now())
	g := New(time.Minute, fc, audit.NoOp{})

	handle, err := g.RequestApproval("exec-1", types.Production, "requester-1")
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	g.Sweep()

	r, err := g.Get(handle)
	require.NoError(t, err)
	assert.True(t, r.Decided)
	assert.Equal(t, DecisionReject, r.Decision)
}

func TestRequestApprovalIsIdempotentPerExecution(t *testing.T) {
	fc := clock.NewFake(time.Now())
	g := New(24*time.Hour, fc, audit.NoOp{})

	h1, err := g.RequestApproval("exec-1", types.Production, "requester-1")
	require.NoError(t, err)
	h2, err := g.RequestApproval("exec-1", types.Production, "requester-1")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
