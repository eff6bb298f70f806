package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
)

// Canary promotes nodes in percentage tranches, comparing the updated set's
// health against the remaining baseline at every step before promoting
// further (§4.5.4). Rollback reverts every node the strategy ever touched.
type Canary struct {
	deps

	touched []*types.Node
}

// NewCanary builds a Canary strategy.
func NewCanary(r *registry.Registry, d nodedriver.NodeDriver, p *health.Probe, c clock.Clock, cfg Config) *Canary {
	return &Canary{deps: newDeps(r, d, p, c, cfg, "strategy.canary")}
}

func (s *Canary) Apply(ctx context.Context, cluster *types.Cluster, module types.Module, progress ProgressFunc) ApplyOutcome {
	if progress == nil {
		progress = noopProgress
	}
	nodes := stableOrder(cluster.Nodes)
	if len(nodes) == 0 {
		return ApplyOutcome{Status: ApplySucceeded}
	}

	steps := s.cfg.CanarySteps
	if len(steps) == 0 {
		steps = []int{10, 30, 50, 100}
	}

	prior := priorVersionOf(nodes)
	var updated []*types.Node
	alreadyUpdatedIDs := make(map[string]bool)

	for k, pct := range steps {
		if cancelled(ctx) {
			affected := s.rollbackNodes(ctx, updated, prior)
			return ApplyOutcome{Status: ApplyCancelled, Reason: "cancelled before step completed", NodesRolledBack: len(updated) - len(affected)}
		}

		targetCount := int(math.Ceil(float64(pct) / 100 * float64(len(nodes))))
		if targetCount > len(nodes) {
			targetCount = len(nodes)
		}
		tranche := nodesNotYetUpdated(nodes[:targetCount], alreadyUpdatedIDs)
		if len(tranche) == 0 {
			// Cumulative percentage rounds to the same count: no-op step,
			// hold window skipped (§4.5.4 tie-break).
			continue
		}

		progress(float64(k)/float64(len(steps)), fmt.Sprintf("promoting canary step %d%% (%d nodes)", pct, len(tranche)))

		succeeded, err := s.applyToNodes(ctx, tranche, module, len(tranche))
		updated = append(updated, succeeded...)
		for _, n := range succeeded {
			alreadyUpdatedIDs[n.ID] = true
		}
		if err != nil {
			affected := s.rollbackNodes(ctx, updated, prior)
			return ApplyOutcome{Status: ApplyFailed, Reason: fmt.Sprintf("step %d%% failed: %s", pct, err), NodesRolledBack: len(updated) - len(affected)}
		}

		if s.probe != nil {
			var baselineIDs, updatedIDs []string
			for _, n := range nodes {
				if alreadyUpdatedIDs[n.ID] {
					updatedIDs = append(updatedIDs, n.ID)
				} else {
					baselineIDs = append(baselineIDs, n.ID)
				}
			}
			predicate := health.CanaryPredicate(updatedIDs, baselineIDs, health.CanaryBudgets(), s.cfg.ErrorRateRegressionBudget, s.cfg.LatencyRegressionBudget)
			scope := health.StabilityScope{NodeIDs: updatedIDs, Baseline: baselineIDs}
			if err := s.probe.WaitForStable(ctx, scope, s.cfg.StepHoldWindow, health.CanaryBudgets(), predicate); err != nil {
				affected := s.rollbackNodes(ctx, updated, prior)
				return ApplyOutcome{Status: ApplyFailed, Reason: fmt.Sprintf("step %d%% regressed: %s", pct, err), NodesRolledBack: len(updated) - len(affected)}
			}
		}
	}

	s.touched = updated
	progress(1, "canary rollout complete")
	return ApplyOutcome{Status: ApplySucceeded, NodesUpdated: len(updated)}
}

func (s *Canary) Rollback(ctx context.Context, cluster *types.Cluster, priorVersion string, progress ProgressFunc) RollbackOutcome {
	if progress == nil {
		progress = noopProgress
	}
	nodes := s.touched
	if len(nodes) == 0 {
		nodes = stableOrder(cluster.Nodes)
	}
	affected := s.rollbackNodes(ctx, nodes, priorVersion)
	progress(1, "rollback complete")
	if len(affected) > 0 {
		return RollbackOutcome{Status: RollbackPartialFailure, AffectedNodes: affected}
	}
	return RollbackOutcome{Status: RollbackSucceeded}
}

// nodesNotYetUpdated returns the subset of candidate nodes whose id is not
// yet in updated, preserving candidate order.
func nodesNotYetUpdated(candidates []*types.Node, updated map[string]bool) []*types.Node {
	var out []*types.Node
	for _, n := range candidates {
		if !updated[n.ID] {
			out = append(out, n)
		}
	}
	return out
}
