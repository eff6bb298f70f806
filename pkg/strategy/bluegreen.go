package strategy

import (
	"context"
	"fmt"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
)

// Provisioner stands up and tears down the green set for a Blue-Green
// rollout. The core treats provisioning as an abstract call returning once
// the returned nodes are addressable and registered Healthy (§4.5.3); a host
// may back this with a pre-provisioned pool or on-demand capacity.
type Provisioner interface {
	ProvisionGreen(ctx context.Context, cluster *types.Cluster, size int) ([]*types.Node, error)
	RetireNodes(ctx context.Context, nodes []*types.Node) error
}

// BlueGreen provisions a parallel node set, deploys to it, and atomically
// flips cluster traffic once it is ready (§4.5.3). A BlueGreen instance is
// scoped to a single execution: Apply records the blue/green split so a
// later Rollback call on the same instance can flip back and retire green.
type BlueGreen struct {
	deps
	provisioner Provisioner

	lastBlue  []*types.Node
	lastGreen []*types.Node
}

// NewBlueGreen builds a Blue-Green strategy.
func NewBlueGreen(r *registry.Registry, d nodedriver.NodeDriver, p *health.Probe, c clock.Clock, cfg Config, provisioner Provisioner) *BlueGreen {
	return &BlueGreen{deps: newDeps(r, d, p, c, cfg, "strategy.bluegreen"), provisioner: provisioner}
}

func (s *BlueGreen) Apply(ctx context.Context, cluster *types.Cluster, module types.Module, progress ProgressFunc) ApplyOutcome {
	if progress == nil {
		progress = noopProgress
	}
	blue := stableOrder(cluster.Nodes)
	s.lastBlue = blue

	progress(0, "provisioning green environment")
	green, err := s.provisioner.ProvisionGreen(ctx, cluster, len(blue))
	if err != nil {
		return ApplyOutcome{Status: ApplyFailed, Reason: "provisioning green failed: " + err.Error()}
	}
	s.lastGreen = green

	if cancelled(ctx) {
		_ = s.provisioner.RetireNodes(ctx, green)
		return ApplyOutcome{Status: ApplyCancelled, Reason: "cancelled before green deployment"}
	}

	progress(0.3, "deploying to green environment")
	succeeded, err := s.applyToNodes(ctx, green, module, len(green))
	if err != nil {
		_ = s.provisioner.RetireNodes(ctx, green)
		return ApplyOutcome{Status: ApplyFailed, Reason: "green deployment failed: " + err.Error()}
	}

	progress(0.6, "checking green readiness")
	readyFraction := float64(len(succeeded)) / float64(max(1, len(green)))
	if readyFraction < s.cfg.BlueGreenReadinessFraction {
		_ = s.provisioner.RetireNodes(ctx, green)
		return ApplyOutcome{Status: ApplyFailed, Reason: fmt.Sprintf("green readiness %.2f below required %.2f", readyFraction, s.cfg.BlueGreenReadinessFraction)}
	}

	progress(0.8, "switching traffic to green")
	if err := s.registry.SetActiveColor(cluster.Environment, cluster.ActiveColor, "green"); err != nil {
		_ = s.provisioner.RetireNodes(ctx, green)
		return ApplyOutcome{Status: ApplyFailed, Reason: "activeColor switch failed: " + err.Error()}
	}
	cluster.ActiveColor = "green"

	go s.retireBlueAfterHold(blue)

	progress(1, "blue-green switch complete")
	return ApplyOutcome{Status: ApplySucceeded, NodesUpdated: len(succeeded)}
}

// retireBlueAfterHold keeps blue warm for BlueHoldWindow before retiring it,
// allowing a rapid flip-back rollback in the interim (§4.5.3).
func (s *BlueGreen) retireBlueAfterHold(blue []*types.Node) {
	ctx := context.Background()
	<-s.clock.After(s.cfg.BlueHoldWindow)
	_ = s.provisioner.RetireNodes(ctx, blue)
}

func (s *BlueGreen) Rollback(ctx context.Context, cluster *types.Cluster, priorVersion string, progress ProgressFunc) RollbackOutcome {
	if progress == nil {
		progress = noopProgress
	}
	if err := s.registry.SetActiveColor(cluster.Environment, "green", "blue"); err != nil && !errkind.Is(err, errkind.Conflict) {
		return RollbackOutcome{Status: RollbackPartialFailure, AffectedNodes: []string{"activeColor"}}
	}
	cluster.ActiveColor = "blue"
	progress(0.5, "retiring green environment")
	if err := s.provisioner.RetireNodes(ctx, s.lastGreen); err != nil {
		ids := make([]string, len(s.lastGreen))
		for i, n := range s.lastGreen {
			ids[i] = n.ID
		}
		return RollbackOutcome{Status: RollbackPartialFailure, AffectedNodes: ids}
	}
	progress(1, "rollback complete")
	return RollbackOutcome{Status: RollbackSucceeded}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
