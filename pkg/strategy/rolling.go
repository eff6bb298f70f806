package strategy

import (
	"context"
	"fmt"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
)

// Rolling updates nodes in fixed-size batches, requiring a stability check
// between batches before proceeding (§4.5.2). Grounded on this codebase's
// batch/parallelism/delay loop, generalized from a simple sleep-based delay
// to a MetricsProbe stability wait.
type Rolling struct {
	deps
}

// NewRolling builds a Rolling strategy.
func NewRolling(r *registry.Registry, d nodedriver.NodeDriver, p *health.Probe, c clock.Clock, cfg Config) *Rolling {
	return &Rolling{deps: newDeps(r, d, p, c, cfg, "strategy.rolling")}
}

func (s *Rolling) Apply(ctx context.Context, cluster *types.Cluster, module types.Module, progress ProgressFunc) ApplyOutcome {
	if progress == nil {
		progress = noopProgress
	}
	nodes := stableOrder(cluster.Nodes)
	if len(nodes) == 0 {
		return ApplyOutcome{Status: ApplySucceeded}
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = batchSizeFor(len(nodes))
	}

	prior := priorVersionOf(nodes)
	var updatedSoFar []*types.Node
	totalBatches := (len(nodes) + batchSize - 1) / batchSize

	for start := 0; start < len(nodes); start += batchSize {
		if cancelled(ctx) {
			affected := s.rollbackNodes(ctx, updatedSoFar, prior)
			return ApplyOutcome{Status: ApplyCancelled, Reason: "cancelled before batch completed", NodesUpdated: len(updatedSoFar) - len(affected), NodesRolledBack: len(updatedSoFar) - len(affected)}
		}

		end := start + batchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[start:end]
		batchNum := start/batchSize + 1
		progress(float64(start)/float64(len(nodes)), fmt.Sprintf("updating batch %d/%d", batchNum, totalBatches))

		succeeded, err := s.applyToNodes(ctx, batch, module, len(batch))
		updatedSoFar = append(updatedSoFar, succeeded...)
		if err != nil {
			affected := s.rollbackNodes(ctx, updatedSoFar, prior)
			return ApplyOutcome{Status: ApplyFailed, Reason: fmt.Sprintf("batch %d failed: %s", batchNum, err), NodesRolledBack: len(updatedSoFar) - len(affected)}
		}

		if s.probe != nil {
			avail := func() map[string]bool {
				out := make(map[string]bool, len(batch))
				for _, n := range batch {
					out[n.ID] = n.State == types.NodeHealthy
				}
				return out
			}
			ids := make([]string, len(batch))
			for i, n := range batch {
				ids[i] = n.ID
			}
			predicate := health.StandardPredicate(avail, health.DefaultBudgets())
			if err := s.probe.WaitForStable(ctx, health.StabilityScope{NodeIDs: ids}, s.cfg.BatchSettleWindow, health.DefaultBudgets(), predicate); err != nil {
				affected := s.rollbackNodes(ctx, updatedSoFar, prior)
				return ApplyOutcome{Status: ApplyFailed, Reason: fmt.Sprintf("batch %d did not settle: %s", batchNum, err), NodesRolledBack: len(updatedSoFar) - len(affected)}
			}
		}
	}

	progress(1, "rolling update complete")
	return ApplyOutcome{Status: ApplySucceeded, NodesUpdated: len(updatedSoFar)}
}

func (s *Rolling) Rollback(ctx context.Context, cluster *types.Cluster, priorVersion string, progress ProgressFunc) RollbackOutcome {
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
