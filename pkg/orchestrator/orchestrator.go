// Package orchestrator implements the Orchestrator component (§4.8): the
// public entry point that mints an ExecutionId, enforces per-(environment,
// module) serialization and idempotency, selects and builds the rollout
// Strategy, and dispatches into the Pipeline. Grounded on this codebase's
// Manager.Apply dispatch (pkg/manager/manager.go): a single front door that
// resolves an id, serializes through a keyed lock, and fans the actual work
// out to a background goroutine while the caller gets an id back.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warrendeploy/pkg/approval"
	"github.com/cuemby/warrendeploy/pkg/audit"
	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/events"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/pipeline"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/security"
	"github.com/cuemby/warrendeploy/pkg/strategy"
	"github.com/cuemby/warrendeploy/pkg/tracker"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps bundles every collaborator the Orchestrator wires together.
// Registry, Tracker and Driver are mandatory: the Deploy stage calls the
// Driver for every node and does not handle a nil one. Verifier/Probe being
// nil makes the corresponding pipeline stage a no-op (useful for dry-run
// hosts and tests), and Notifier/Audit default to no-ops when left nil.
type Deps struct {
	Registry    *registry.Registry
	Tracker     *tracker.Tracker
	Gate        *approval.Gate
	Verifier    *security.Verifier
	Probe       *health.Probe
	Driver      nodedriver.NodeDriver
	Notifier    events.Notifier
	Audit       audit.Sink
	Clock       clock.Clock
	Provisioner strategy.Provisioner // required only when a Blue-Green rollout is actually requested
	Preparer    pipeline.Preparer
	SmokeTester pipeline.SmokeTester
}

// Config bundles the §6 tunables the Orchestrator itself owns, plus the
// sub-configs it hands down to Pipeline and Strategy construction.
type Config struct {
	QueueWait time.Duration
	Pipeline  pipeline.Config
	Strategy  strategy.Config
}

// DefaultConfig matches the §6 defaults relevant to orchestration.
func DefaultConfig() Config {
	return Config{
		QueueWait: 60 * time.Second,
		Pipeline:  pipeline.DefaultConfig(),
		Strategy:  strategy.DefaultConfig(),
	}
}

// Orchestrator is the public entry point described in §4.8 and §6's inbound
// interface: Submit/Get/List/Approve/Reject/Cancel.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	keyMu sync.Mutex
	keys  map[string]chan struct{} // serialization key (env, moduleName) -> binary semaphore

	idemMu      sync.Mutex
	idempotency map[string]string // idempotencyKey -> executionId

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New builds an Orchestrator over deps. Gate may be nil only if the host
// never targets Staging/Production (ApprovalGate is otherwise required).
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = events.NewBroker()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoOp{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Orchestrator{
		deps:        deps,
		cfg:         cfg,
		logger:      log.WithComponent("orchestrator"),
		keys:        make(map[string]chan struct{}),
		idempotency: make(map[string]string),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Submit creates a new execution and starts its pipeline (§4.8).
//
// Idempotency: if idempotencyKey is non-empty and already maps to a
// non-terminal execution, that executionId is returned and no new pipeline
// is started (§8 property 9).
//
// Serialization: before the pipeline is allowed to run, Submit itself
// blocks acquiring the (environment, module.name) key for up to
// cfg.QueueWait; on timeout it returns a Conflict error and records the
// execution terminal as Failed (§4.9, §8 property 2, scenario S5). Once the
// key is held, the pipeline runs on a background goroutine and Submit
// returns immediately with the executionId.
func (o *Orchestrator) Submit(ctx context.Context, request types.DeploymentRequest, idempotencyKey string) (string, error) {
	if idempotencyKey != "" {
		if existing, ok := o.lookupIdempotent(idempotencyKey); ok {
			return existing, nil
		}
	}

	if !request.TargetEnvironment.Valid() {
		return "", errkind.New(errkind.Validation, fmt.Sprintf("unknown environment %q", request.TargetEnvironment))
	}
	if err := request.Module.Validate(); err != nil {
		return "", errkind.Wrap(errkind.Validation, "module validation failed", err)
	}

	executionID := uuid.New().String()
	if err := o.deps.Tracker.Start(executionID, request); err != nil {
		return "", err
	}
	if idempotencyKey != "" {
		o.idemMu.Lock()
		o.idempotency[idempotencyKey] = executionID
		o.idemMu.Unlock()
	}

	key := serializationKey(request.TargetEnvironment, request.Module.Name)
	release, err := o.acquireKey(key, o.cfg.QueueWait)
	if err != nil {
		o.abortPending(executionID, request, err)
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancelMu.Lock()
	o.cancels[executionID] = cancel
	o.cancelMu.Unlock()

	go o.run(runCtx, executionID, request, release, cancel)

	return executionID, nil
}

// Get proxies to the Tracker (§6).
func (o *Orchestrator) Get(executionID string) (types.PipelineExecutionState, error) {
	return o.deps.Tracker.Get(executionID)
}

// List proxies to the Tracker (§6).
func (o *Orchestrator) List(filter tracker.Filter) []types.PipelineExecutionState {
	return o.deps.Tracker.ListAll(filter)
}

// Approve routes an approve decision to the ApprovalGate (§4.8, §4.6).
func (o *Orchestrator) Approve(executionID, approverID string) error {
	return o.resolve(executionID, approval.DecisionApprove, approverID, "")
}

// Reject routes a reject decision to the ApprovalGate (§4.8, §4.6).
func (o *Orchestrator) Reject(executionID, approverID, reason string) error {
	return o.resolve(executionID, approval.DecisionReject, approverID, reason)
}

func (o *Orchestrator) resolve(executionID string, decision approval.Decision, approverID, reason string) error {
	if o.deps.Gate == nil {
		return errkind.New(errkind.Internal, "no approval gate configured")
	}
	handle, err := o.deps.Gate.HandleForExecution(executionID)
	if err != nil {
		return err
	}
	_, err = o.deps.Gate.Resolve(handle, decision, approverID, reason)
	return err
}

// Cancel requests cooperative cancellation of a running execution (§4.8).
// It takes effect at the next stage boundary the pipeline checks, per §5.
func (o *Orchestrator) Cancel(executionID string) error {
	o.cancelMu.Lock()
	cancel, ok := o.cancels[executionID]
	o.cancelMu.Unlock()
	if !ok {
		return errkind.New(errkind.NotFound, fmt.Sprintf("no running execution %s to cancel", executionID))
	}
	cancel()
	return nil
}

// RunMaintenance starts the periodic sweeps §5 describes as decoupled from
// pipeline execution: Registry heartbeat-grace enforcement, ApprovalGate
// timeout auto-rejection, and Tracker TTL eviction. It runs until ctx is
// cancelled.
func (o *Orchestrator) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.deps.Registry.Sweep()
			if o.deps.Gate != nil {
				o.deps.Gate.Sweep()
			}
			o.deps.Tracker.Sweep()
		}
	}
}

func (o *Orchestrator) lookupIdempotent(key string) (string, bool) {
	o.idemMu.Lock()
	defer o.idemMu.Unlock()
	id, ok := o.idempotency[key]
	if !ok {
		return "", false
	}
	state, err := o.deps.Tracker.Get(id)
	if err != nil || state.Status.Terminal() {
		delete(o.idempotency, key)
		return "", false
	}
	return id, true
}

func (o *Orchestrator) acquireKey(key string, timeout time.Duration) (func(), error) {
	o.keyMu.Lock()
	ch, ok := o.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		o.keys[key] = ch
	}
	o.keyMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-o.deps.Clock.After(timeout):
		return nil, errkind.New(errkind.Conflict, fmt.Sprintf("serialization key %q busy: queueWait exceeded", key))
	}
}

// abortPending records a Failed terminal result for an execution that never
// got past serialization-key acquisition. The state machine requires every
// terminal transition to pass through Running (§4.2), so this walks
// Pending -> Running -> Failed rather than attempting an illegal shortcut.
func (o *Orchestrator) abortPending(executionID string, request types.DeploymentRequest, cause error) {
	state, err := o.deps.Tracker.Get(executionID)
	if err != nil {
		return
	}
	state.Status = types.StatusRunning
	if err := o.deps.Tracker.Update(state); err != nil {
		o.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to transition aborted execution to running")
		return
	}
	o.abort(executionID, state, cause)
}

func (o *Orchestrator) abort(executionID string, state types.PipelineExecutionState, cause error) {
	state.Status = types.StatusFailed
	state.ErrorSummary = cause.Error()
	result := types.DeploymentResult{PipelineExecutionState: state}
	if err := o.deps.Tracker.Complete(executionID, result); err != nil {
		o.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to record aborted execution")
		return
	}
	o.deps.Notifier.OnStateChange(state)
}

func (o *Orchestrator) run(ctx context.Context, executionID string, request types.DeploymentRequest, release func(), cancel context.CancelFunc) {
	defer release()
	defer cancel()
	defer func() {
		o.cancelMu.Lock()
		delete(o.cancels, executionID)
		o.cancelMu.Unlock()
	}()

	state, err := o.deps.Tracker.Get(executionID)
	if err != nil {
		o.logger.Error().Err(err).Str("execution_id", executionID).Msg("execution vanished before dispatch")
		return
	}
	state.Status = types.StatusRunning
	if err := o.deps.Tracker.Update(state); err != nil {
		o.logger.Error().Err(err).Str("execution_id", executionID).Msg("failed to transition to running")
		return
	}

	cluster, err := o.deps.Registry.GetCluster(request.TargetEnvironment)
	if err != nil {
		o.abort(executionID, state, errkind.Wrap(errkind.Validation, "environment has no configured cluster", err))
		return
	}

	strat, err := o.buildStrategy(request)
	if err != nil {
		o.abort(executionID, state, err)
		return
	}

	approverRequired := request.TargetEnvironment == types.Staging || request.TargetEnvironment == types.Production
	if approverRequired && o.deps.Gate == nil {
		o.abort(executionID, state, errkind.New(errkind.Internal, "no approval gate configured for a gated environment"))
		return
	}

	pl := pipeline.New(
		o.deps.Tracker, o.deps.Registry, o.deps.Verifier, o.deps.Probe, o.deps.Gate,
		o.deps.Notifier, o.deps.Audit, o.deps.Clock, o.cfg.Pipeline, o.deps.Preparer, o.deps.SmokeTester,
	)
	pl.Run(ctx, executionID, request, cluster, strat, approverRequired)
}

// buildStrategy selects the strategy kind (request override, or the §4.5
// environment default) and constructs a fresh instance scoped to this
// execution (DESIGN.md: a Strategy value's blue/green or touched-node split
// is per-execution state, so instances are never reused across Submits).
func (o *Orchestrator) buildStrategy(request types.DeploymentRequest) (strategy.Strategy, error) {
	kind := request.Strategy
	if kind == "" {
		kind = types.DefaultStrategyFor(request.TargetEnvironment)
	}
	cfg := o.cfg.Strategy
	switch kind {
	case types.StrategyDirect:
		return strategy.NewDirect(o.deps.Registry, o.deps.Driver, o.deps.Probe, o.deps.Clock, cfg), nil
	case types.StrategyRolling:
		return strategy.NewRolling(o.deps.Registry, o.deps.Driver, o.deps.Probe, o.deps.Clock, cfg), nil
	case types.StrategyBlueGreen:
		if o.deps.Provisioner == nil {
			return nil, errkind.New(errkind.Internal, "blue-green strategy requires a configured Provisioner")
		}
		return strategy.NewBlueGreen(o.deps.Registry, o.deps.Driver, o.deps.Probe, o.deps.Clock, cfg, o.deps.Provisioner), nil
	case types.StrategyCanary:
		return strategy.NewCanary(o.deps.Registry, o.deps.Driver, o.deps.Probe, o.deps.Clock, cfg), nil
	default:
		return nil, errkind.New(errkind.Validation, fmt.Sprintf("unknown strategy %q", kind))
	}
}

func serializationKey(env types.Environment, moduleName string) string {
	return string(env) + "::" + moduleName
}
