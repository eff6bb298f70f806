package strategy

import (
	"context"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
)

// Direct updates every Available node in one parallel wave (§4.5.1). Use
// only where partial-outage risk is acceptable.
type Direct struct {
	deps
}

// NewDirect builds a Direct strategy.
func NewDirect(r *registry.Registry, d nodedriver.NodeDriver, p *health.Probe, c clock.Clock, cfg Config) *Direct {
	return &Direct{deps: newDeps(r, d, p, c, cfg, "strategy.direct")}
}

func (s *Direct) Apply(ctx context.Context, cluster *types.Cluster, module types.Module, progress ProgressFunc) ApplyOutcome {
	if progress == nil {
		progress = noopProgress
	}
	nodes := stableOrder(cluster.Nodes)
	if len(nodes) == 0 {
		return ApplyOutcome{Status: ApplySucceeded}
	}
	parallelism := s.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = len(nodes)
	}

	prior := priorVersionOf(nodes)
	progress(0, "updating all nodes in parallel")

	succeeded, err := s.applyToNodes(ctx, nodes, module, parallelism)
	if cancelled(ctx) {
		affected := s.rollbackNodes(ctx, succeeded, prior)
		return ApplyOutcome{Status: ApplyCancelled, Reason: "cancelled during direct update", NodesUpdated: len(succeeded) - len(affected), NodesRolledBack: len(succeeded) - len(affected)}
	}
	if err != nil {
		affected := s.rollbackNodes(ctx, succeeded, prior)
		return ApplyOutcome{Status: ApplyFailed, Reason: err.Error(), NodesUpdated: 0, NodesRolledBack: len(succeeded) - len(affected)}
	}

	if s.probe != nil {
		avail := func() map[string]bool {
			out := make(map[string]bool, len(nodes))
			for _, n := range nodes {
				out[n.ID] = n.State == types.NodeHealthy
			}
			return out
		}
		predicate := health.StandardPredicate(avail, health.DefaultBudgets())
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		if err := s.probe.WaitForStable(ctx, health.StabilityScope{NodeIDs: ids}, s.cfg.DirectSettleTimeout, health.DefaultBudgets(), predicate); err != nil {
			affected := s.rollbackNodes(ctx, succeeded, prior)
			return ApplyOutcome{Status: ApplyFailed, Reason: "nodes did not settle healthy: " + err.Error(), NodesRolledBack: len(succeeded) - len(affected)}
		}
	}

	progress(1, "all nodes updated and healthy")
	return ApplyOutcome{Status: ApplySucceeded, NodesUpdated: len(succeeded)}
}

func (s *Direct) Rollback(ctx context.Context, cluster *types.Cluster, priorVersion string, progress ProgressFunc) RollbackOutcome {
	if progress == nil {
		progress = noopProgress
	}
	nodes := stableOrder(cluster.Nodes)
	affected := s.rollbackNodes(ctx, nodes, priorVersion)
	progress(1, "rollback complete")
	if len(affected) > 0 {
		return RollbackOutcome{Status: RollbackPartialFailure, AffectedNodes: affected}
	}
	return RollbackOutcome{Status: RollbackSucceeded}
}

func priorVersionOf(nodes []*types.Node) string {
	if len(nodes) == 0 {
		return ""
	}
	return nodes[0].CurrentModuleVersion
}
