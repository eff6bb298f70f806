// Package strategy implements the four rollout algorithms of §4.5: Direct,
// Rolling, Blue-Green and Canary. Each shares the common Apply/Rollback
// contract and builds on Registry (node ownership, activeColor CAS) and
// health.Probe (WaitForStable) the same way the batch/parallelism/delay loop
// in this codebase's rolling-update code did, generalized to the four
// strategies and to the node-level NodeDriver boundary instead of a direct
// container-state mutation.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/health"
	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc reports rollout progress back to the owning pipeline (§6
// Notifier.OnProgress shape, without binding this package to events.Broker).
type ProgressFunc func(fraction float64, message string)

func noopProgress(float64, string) {}

// ApplyStatus is the terminal outcome of a strategy's Apply call.
type ApplyStatus string

const (
	ApplySucceeded ApplyStatus = "Succeeded"
	ApplyFailed    ApplyStatus = "Failed"
	ApplyCancelled ApplyStatus = "Cancelled"
)

// ApplyOutcome is returned by Apply (§4.5).
type ApplyOutcome struct {
	Status          ApplyStatus
	Reason          string
	NodesUpdated    int
	NodesRolledBack int
}

// RollbackStatus is the terminal outcome of a strategy's Rollback call.
type RollbackStatus string

const (
	RollbackSucceeded      RollbackStatus = "Succeeded"
	RollbackPartialFailure RollbackStatus = "PartialFailure"
)

// RollbackOutcome is returned by Rollback (§4.5).
type RollbackOutcome struct {
	Status        RollbackStatus
	AffectedNodes []string // nodes left Unhealthy, when Status == PartialFailure
}

// Strategy is the interface every rollout algorithm implements (§4.5).
type Strategy interface {
	Apply(ctx context.Context, cluster *types.Cluster, module types.Module, progress ProgressFunc) ApplyOutcome
	Rollback(ctx context.Context, cluster *types.Cluster, priorVersion string, progress ProgressFunc) RollbackOutcome
}

// Config gathers the tunables §6 enumerates for the four strategies. Zero
// values are replaced by DefaultConfig's defaults at construction time.
type Config struct {
	Parallelism         int // Direct; default = node count
	DirectSettleTimeout time.Duration

	BatchSize         int // Rolling; default 2 or ceil(|nodes|/3)
	MaxUnavailable    int // Rolling; default = BatchSize
	BatchSettleWindow time.Duration

	BlueGreenReadinessFraction float64
	BlueHoldWindow             time.Duration

	CanarySteps               []int
	StepHoldWindow            time.Duration
	ErrorRateRegressionBudget float64
	LatencyRegressionBudget   float64
}

// DefaultConfig matches the §6 defaults.
func DefaultConfig() Config {
	return Config{
		DirectSettleTimeout:        60 * time.Second,
		BatchSettleWindow:          2 * time.Minute,
		BlueGreenReadinessFraction: 0.95,
		BlueHoldWindow:             15 * time.Minute,
		CanarySteps:                []int{10, 30, 50, 100},
		StepHoldWindow:             5 * time.Minute,
		ErrorRateRegressionBudget:  0.005,
		LatencyRegressionBudget:    50,
	}
}

// batchSizeFor returns the Rolling default batchSize for a node count when
// Config.BatchSize is unset: 2, or ceil(n/3) if that's larger.
func batchSizeFor(n int) int {
	size := (n + 2) / 3
	if size < 2 {
		size = 2
	}
	return size
}

// deps bundles the collaborators every strategy needs; embedded by each
// concrete strategy type.
type deps struct {
	registry *registry.Registry
	driver   nodedriver.NodeDriver
	probe    *health.Probe
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger
}

func newDeps(r *registry.Registry, d nodedriver.NodeDriver, p *health.Probe, c clock.Clock, cfg Config, component string) deps {
	return deps{registry: r, driver: d, probe: p, clock: c, cfg: cfg, logger: log.WithComponent(component)}
}

// stableOrder sorts nodes by id, matching Registry.Available's stable order.
func stableOrder(nodes []*types.Node) []*types.Node {
	out := make([]*types.Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// applyToNodes updates every node in nodes with targetVersion, in parallel
// bounded by parallelism, holding each node's Updating lock for the duration
// of its own update (§5 single-writer-per-node). Returns the subset that
// succeeded and the first error encountered, if any.
func (d deps) applyToNodes(ctx context.Context, nodes []*types.Node, module types.Module, parallelism int) ([]*types.Node, error) {
	if parallelism <= 0 {
		parallelism = len(nodes)
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	var mu sync.Mutex
	var succeeded []*types.Node
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			unlock, err := d.registry.BeginUpdate(n.ID)
			if err != nil {
				return err
			}
			defer unlock()

			applyErr := d.driver.ApplyModule(gctx, n, module)
			if applyErr != nil {
				_ = d.registry.EndUpdate(n.ID, false, "")
				d.logger.Warn().Str("node_id", n.ID).Err(applyErr).Msg("node update failed")
				return nil // collected via per-node state; don't abort siblings
			}
			if err := d.registry.EndUpdate(n.ID, true, module.Version); err != nil {
				return err
			}
			mu.Lock()
			succeeded = append(succeeded, n)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return succeeded, err
	}
	if len(succeeded) < len(nodes) {
		return succeeded, errkind.New(errkind.NodeDriverError, fmt.Sprintf("%d of %d nodes failed to update", len(nodes)-len(succeeded), len(nodes)))
	}
	return succeeded, nil
}

// rollbackNodes reverts every node in nodes to priorVersion, best-effort
// (§4.5 "each node either returns to priorVersion or is marked Unhealthy").
func (d deps) rollbackNodes(ctx context.Context, nodes []*types.Node, priorVersion string) (affected []string) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := d.registry.BeginUpdate(n.ID)
			if err != nil {
				mu.Lock()
				affected = append(affected, n.ID)
				mu.Unlock()
				return
			}
			defer unlock()

			if err := d.driver.RollbackModule(ctx, n, priorVersion); err != nil {
				_ = d.registry.EndUpdate(n.ID, false, "")
				d.logger.Warn().Str("node_id", n.ID).Err(err).Msg("node rollback failed")
				mu.Lock()
				affected = append(affected, n.ID)
				mu.Unlock()
				return
			}
			_ = d.registry.EndUpdate(n.ID, true, priorVersion)
		}()
	}
	wg.Wait()
	sort.Strings(affected)
	return affected
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
