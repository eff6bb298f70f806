// Package pipeline runs the fixed seven-stage sequence of §4.2
// (Validate -> SignatureCheck -> Prepare -> SmokeTest -> ApprovalGate ->
// Deploy -> PostValidate) for one execution, driving Tracker updates and
// Notifier callbacks at each stage boundary and delegating the actual
// rollout to a strategy.Strategy. Grounded on this codebase's Apply/Command
// dispatch loop (pkg/manager/manager.go), generalized from a single
// Raft-replicated command application to a multi-stage, possibly
// long-suspended (ApprovalGate) execution.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/warrendeploy/pkg/approval"
	"github.com/cuemby/warrendeploy/pkg/audit"
	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/events"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/metrics"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/security"
	"github.com/cuemby/warrendeploy/pkg/strategy"
	"github.com/cuemby/warrendeploy/pkg/tracker"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/rs/zerolog"
)

// Preparer performs the Prepare stage's artifact-staging work (§4.2); the
// core does not prescribe how a module's binary is fetched/staged, so hosts
// supply this hook. A nil Preparer makes Prepare a no-op success.
type Preparer interface {
	Prepare(ctx context.Context, module types.Module) error
}

// SmokeTester runs a pre-deploy sanity check (§4.2 SmokeTest) against a
// held-out target, independent of the full rollout. A nil SmokeTester
// makes SmokeTest a no-op success.
type SmokeTester interface {
	SmokeTest(ctx context.Context, cluster *types.Cluster, module types.Module) error
}

// Config bundles the per-stage timeouts and stage-specific windows §6
// enumerates.
type Config struct {
	StageTimeout       time.Duration
	ApprovalTimeout    time.Duration
	PostValidateWindow time.Duration
}

// DefaultConfig matches §6's defaults relevant to pipeline stage timing.
func DefaultConfig() Config {
	return Config{
		StageTimeout:       5 * time.Minute,
		ApprovalTimeout:    24 * time.Hour,
		PostValidateWindow: 5 * time.Minute,
	}
}

// Pipeline runs one execution's stage sequence end to end.
type Pipeline struct {
	tracker   *tracker.Tracker
	registry  *registry.Registry
	verifier  *security.Verifier
	probe     *health.Probe
	gate      *approval.Gate
	notifier  events.Notifier
	auditSink audit.Sink
	clock     clock.Clock
	cfg       Config
	preparer  Preparer
	smoke     SmokeTester
	logger    zerolog.Logger
}

// New builds a Pipeline. preparer/smoke/probe may be nil (the corresponding
// stage becomes a no-op success / is skipped).
func New(
	tr *tracker.Tracker,
	reg *registry.Registry,
	verifier *security.Verifier,
	probe *health.Probe,
	gate *approval.Gate,
	notifier events.Notifier,
	auditSink audit.Sink,
	c clock.Clock,
	cfg Config,
	preparer Preparer,
	smoke SmokeTester,
) *Pipeline {
	if auditSink == nil {
		auditSink = audit.NoOp{}
	}
	return &Pipeline{
		tracker: tr, registry: reg, verifier: verifier, probe: probe, gate: gate,
		notifier: notifier, auditSink: auditSink, clock: c, cfg: cfg,
		preparer: preparer, smoke: smoke, logger: log.WithComponent("pipeline"),
	}
}

// Run executes the full stage sequence for executionID, which must already
// have a Tracker.Start record in Pending or Running. strat is the strategy instance
// that will carry out Deploy/Rollback for this execution; approverRequired
// gates whether ApprovalGate runs (Dev/QA may skip it by policy; the host
// decides and passes this flag).
func (p *Pipeline) Run(ctx context.Context, executionID string, request types.DeploymentRequest, cluster *types.Cluster, strat strategy.Strategy, approverRequired bool) {
	timer := metrics.NewTimer()
	metrics.InProgressExecutions.Inc()
	defer metrics.InProgressExecutions.Dec()

	state, err := p.tracker.Get(executionID)
	if err != nil {
		p.logger.Error().Err(err).Str("execution_id", executionID).Msg("run called for unknown execution")
		return
	}
	state.Status = types.StatusRunning
	state.CurrentStage = types.StageValidate
	_ = p.tracker.Update(state)
	p.notifyState(state)

	priorVersion := priorVersionOf(cluster)
	result := types.DeploymentResult{PipelineExecutionState: state}

	stages := []struct {
		name types.StageName
		skip bool
		run  func(ctx context.Context) error
	}{
		{name: types.StageValidate, run: func(ctx context.Context) error { return p.stageValidate(request) }},
		{name: types.StageSignatureCheck, run: func(ctx context.Context) error { return p.stageSignatureCheck(request) }},
		{name: types.StagePrepare, run: func(ctx context.Context) error { return p.stagePrepare(ctx, request) }},
		{name: types.StageSmokeTest, run: func(ctx context.Context) error { return p.stageSmokeTest(ctx, cluster, request) }},
		{name: types.StageApprovalGate, skip: !approverRequired, run: func(ctx context.Context) error {
			return p.stageApprovalGate(ctx, executionID, request)
		}},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			p.finishCancelled(executionID, state, types.StageName(st.name), "cancelled before stage started", timer)
			return
		}

		if st.skip {
			now := p.clock.Now()
			sr := types.StageResult{Name: st.name, Status: types.StageStatusSkipped, StartedAt: now, FinishedAt: now}
			state.Stages = append(state.Stages, sr)
			state.CurrentStage = nextStage(st.name)
			_ = p.tracker.Update(state)
			p.notifier.OnStageComplete(executionID, sr)
			p.notifier.OnProgress(executionID, progressFraction(st.name), fmt.Sprintf("%s skipped", st.name))
			continue
		}

		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		startedAt := p.clock.Now()
		err := st.run(stageCtx)
		cancel()

		sr := types.StageResult{Name: st.name, StartedAt: startedAt, FinishedAt: p.clock.Now()}
		if err != nil {
			sr.Status = types.StageStatusFailed
			sr.Message = err.Error()
			state.Stages = append(state.Stages, sr)
			p.notifier.OnStageComplete(executionID, sr)
			p.failNoMutations(executionID, state, err, timer)
			return
		}
		sr.Status = types.StageStatusSucceeded
		state.Stages = append(state.Stages, sr)
		state.CurrentStage = nextStage(st.name)
		_ = p.tracker.Update(state)
		p.notifier.OnStageComplete(executionID, sr)
		p.notifier.OnProgress(executionID, progressFraction(st.name), fmt.Sprintf("%s complete", st.name))
	}

	// Deploy
	if err := ctx.Err(); err != nil {
		p.finishCancelled(executionID, state, types.StageDeploy, "cancelled before deploy started", timer)
		return
	}
	deployStart := p.clock.Now()
	applyOutcome := strat.Apply(ctx, cluster, request.Module, func(fraction float64, msg string) {
		p.notifier.OnProgress(executionID, progressFraction(types.StageDeploy)+fraction*0.2, msg)
	})
	deploySR := types.StageResult{Name: types.StageDeploy, StartedAt: deployStart, FinishedAt: p.clock.Now()}

	switch applyOutcome.Status {
	case strategy.ApplyCancelled:
		deploySR.Status = types.StageStatusFailed
		deploySR.Message = applyOutcome.Reason
		state.Stages = append(state.Stages, deploySR)
		p.notifier.OnStageComplete(executionID, deploySR)
		result.PipelineExecutionState = state
		result.NodesRolledBack = applyOutcome.NodesRolledBack
		p.completeAs(executionID, state, types.StatusCancelled, applyOutcome.Reason, result, timer)
		return
	case strategy.ApplyFailed:
		deploySR.Status = types.StageStatusFailed
		deploySR.Message = applyOutcome.Reason
		state.Stages = append(state.Stages, deploySR)
		p.notifier.OnStageComplete(executionID, deploySR)
		result.PipelineExecutionState = state
		result.NodesRolledBack = applyOutcome.NodesRolledBack
		finalStatus := types.StatusFailed
		if applyOutcome.NodesRolledBack > 0 {
			finalStatus = types.StatusRolledBack
		}
		p.completeAs(executionID, state, finalStatus, applyOutcome.Reason, result, timer)
		return
	}

	deploySR.Status = types.StageStatusSucceeded
	state.Stages = append(state.Stages, deploySR)
	state.CurrentStage = types.StagePostValidate
	_ = p.tracker.Update(state)
	p.notifier.OnStageComplete(executionID, deploySR)

	// PostValidate
	postStart := p.clock.Now()
	postErr := p.stagePostValidate(ctx, cluster)
	postSR := types.StageResult{Name: types.StagePostValidate, StartedAt: postStart, FinishedAt: p.clock.Now()}
	if postErr != nil {
		postSR.Status = types.StageStatusFailed
		postSR.Message = postErr.Error()
		state.Stages = append(state.Stages, postSR)
		p.notifier.OnStageComplete(executionID, postSR)

		rb := strat.Rollback(ctx, cluster, priorVersion, func(fraction float64, msg string) {
			p.notifier.OnProgress(executionID, 0.9+fraction*0.1, msg)
		})
		result.PipelineExecutionState = state
		result.NodesUpdated = applyOutcome.NodesUpdated
		if rb.Status == strategy.RollbackPartialFailure {
			result.NodesRolledBack = applyOutcome.NodesUpdated - len(rb.AffectedNodes)
		} else {
			result.NodesRolledBack = applyOutcome.NodesUpdated
		}
		p.completeAs(executionID, state, types.StatusRolledBack, "postvalidate failed: "+postErr.Error(), result, timer)
		return
	}

	postSR.Status = types.StageStatusSucceeded
	state.Stages = append(state.Stages, postSR)
	p.notifier.OnStageComplete(executionID, postSR)

	result.PipelineExecutionState = state
	result.NodesUpdated = applyOutcome.NodesUpdated
	p.completeAs(executionID, state, types.StatusSucceeded, "", result, timer)
}

func (p *Pipeline) stageValidate(request types.DeploymentRequest) error {
	if err := request.Module.Validate(); err != nil {
		return errkind.Wrap(errkind.Validation, "module validation failed", err)
	}
	if !request.TargetEnvironment.Valid() {
		return errkind.New(errkind.Validation, fmt.Sprintf("unknown environment %q", request.TargetEnvironment))
	}
	return nil
}

func (p *Pipeline) stageSignatureCheck(request types.DeploymentRequest) error {
	if p.verifier == nil {
		return nil
	}
	result, err := p.verifier.Verify(request.Module)
	if err != nil {
		return errkind.Wrap(errkind.SignatureRejected, "verification error", err)
	}
	if result != security.VerifyOk {
		return errkind.New(errkind.SignatureRejected, fmt.Sprintf("signature verification result: %s", result))
	}
	return nil
}

func (p *Pipeline) stagePrepare(ctx context.Context, request types.DeploymentRequest) error {
	if p.preparer == nil {
		return nil
	}
	if err := p.preparer.Prepare(ctx, request.Module); err != nil {
		return errkind.Wrap(errkind.Preparation, "prepare failed", err)
	}
	return nil
}

func (p *Pipeline) stageSmokeTest(ctx context.Context, cluster *types.Cluster, request types.DeploymentRequest) error {
	if p.smoke == nil {
		return nil
	}
	if err := p.smoke.SmokeTest(ctx, cluster, request.Module); err != nil {
		return errkind.Wrap(errkind.Preparation, "smoke test failed", err)
	}
	return nil
}

func (p *Pipeline) stageApprovalGate(ctx context.Context, executionID string, request types.DeploymentRequest) error {
	handle, err := p.gate.RequestApproval(executionID, request.TargetEnvironment, request.RequesterID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "failed to open approval", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, "cancelled while awaiting approval", ctx.Err())
		case <-ticker.C:
			rec, err := p.gate.Get(handle)
			if err != nil {
				return errkind.Wrap(errkind.Internal, "approval record missing", err)
			}
			if !rec.Decided {
				continue
			}
			if rec.Decision == approval.DecisionReject {
				if rec.ApproverID == "system" {
					return errkind.New(errkind.ApprovalTimeout, rec.Reason)
				}
				return errkind.New(errkind.ApprovalDenied, rec.Reason)
			}
			return nil
		}
	}
}

func (p *Pipeline) stagePostValidate(ctx context.Context, cluster *types.Cluster) error {
	if p.probe == nil || p.registry == nil {
		return nil
	}
	ids := make([]string, 0, len(cluster.Nodes))
	for _, n := range cluster.Nodes {
		ids = append(ids, n.ID)
	}
	avail := func() map[string]bool {
		out := make(map[string]bool, len(cluster.Nodes))
		for _, n := range cluster.Nodes {
			out[n.ID] = n.State == types.NodeHealthy
		}
		return out
	}
	predicate := health.StandardPredicate(avail, health.DefaultBudgets())
	return p.probe.WaitForStable(ctx, health.StabilityScope{NodeIDs: ids}, p.cfg.PostValidateWindow, health.DefaultBudgets(), predicate)
}

func (p *Pipeline) failNoMutations(executionID string, state types.PipelineExecutionState, stageErr error, timer *metrics.Timer) {
	result := types.DeploymentResult{PipelineExecutionState: state}
	p.completeAs(executionID, state, types.StatusFailed, stageErr.Error(), result, timer)
}

func (p *Pipeline) finishCancelled(executionID string, state types.PipelineExecutionState, stage types.StageName, msg string, timer *metrics.Timer) {
	result := types.DeploymentResult{PipelineExecutionState: state}
	p.completeAs(executionID, state, types.StatusCancelled, msg, result, timer)
}

func (p *Pipeline) completeAs(executionID string, state types.PipelineExecutionState, status types.ExecutionStatus, errSummary string, result types.DeploymentResult, timer *metrics.Timer) {
	state.Status = status
	state.ErrorSummary = errSummary
	result.PipelineExecutionState = state
	result.DurationMs = p.clock.Now().Sub(state.StartedAt).Milliseconds()

	if err := p.tracker.Complete(executionID, result); err != nil {
		p.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to persist terminal state")
	}
	p.notifier.OnStateChange(state)

	strategyLabel := string(state.Request.Strategy)
	metrics.DeploymentsTotal.WithLabelValues(strategyLabel, string(status)).Inc()
	timer.ObserveDurationVec(metrics.DeploymentDuration, strategyLabel)
	if status == types.StatusRolledBack {
		metrics.RolledBackDeploymentsTotal.WithLabelValues(strategyLabel, errSummary).Inc()
	}
}

func (p *Pipeline) notifyState(state types.PipelineExecutionState) {
	p.notifier.OnStateChange(state)
}

func priorVersionOf(cluster *types.Cluster) string {
	if len(cluster.Nodes) == 0 {
		return ""
	}
	return cluster.Nodes[0].CurrentModuleVersion
}

func nextStage(current types.StageName) types.StageName {
	for i, s := range types.DefaultStageSequence {
		if s == current && i+1 < len(types.DefaultStageSequence) {
			return types.DefaultStageSequence[i+1]
		}
	}
	return current
}

func progressFraction(stage types.StageName) float64 {
	for i, s := range types.DefaultStageSequence {
		if s == stage {
			return float64(i+1) / float64(len(types.DefaultStageSequence))
		}
	}
	return 0
}
