// Package health implements the MetricsProbe component (§4.4): per-node
// sampling with bounded concurrency, cluster aggregation, and the
// WaitForStable predicate loop rollout strategies block on between waves.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/types"
	"golang.org/x/sync/errgroup"
)

// MetricsSource provides HealthSnapshot samples for a single node (§6).
// Implementations may return a Transient (retryable) or Unreachable error;
// callers treat Unreachable the same as an Unhealthy node.
type MetricsSource interface {
	SampleNode(ctx context.Context, nodeID string) (types.HealthSnapshot, error)
}

// Budgets bounds the stability predicate (§4.4, §6).
type Budgets struct {
	ErrorRateBudget float64
	LatencyBudgetMs float64
	SampleInterval  time.Duration
	Concurrency     int
}

// DefaultBudgets matches §6's non-canary defaults.
func DefaultBudgets() Budgets {
	return Budgets{
		ErrorRateBudget: 0.01,
		LatencyBudgetMs: 500,
		SampleInterval:  5 * time.Second,
		Concurrency:     8,
	}
}

// CanaryBudgets matches §6's stricter canary defaults.
func CanaryBudgets() Budgets {
	return Budgets{
		ErrorRateBudget: 0.005,
		LatencyBudgetMs: 500,
		SampleInterval:  5 * time.Second,
		Concurrency:     8,
	}
}

// Probe implements the MetricsProbe contract over a MetricsSource.
type Probe struct {
	source MetricsSource
	clock  clock.Clock
}

// NewProbe creates a Probe sampling through source.
func NewProbe(source MetricsSource, c clock.Clock) *Probe {
	return &Probe{source: source, clock: c}
}

// SampleNode samples a single node's health.
func (p *Probe) SampleNode(ctx context.Context, nodeID string) (types.HealthSnapshot, error) {
	snap, err := p.source.SampleNode(ctx, nodeID)
	if err != nil {
		return types.HealthSnapshot{}, err
	}
	if snap.SampledAt.IsZero() {
		snap.SampledAt = p.clock.Now()
	}
	return snap, nil
}

// SampleCluster gathers HealthSnapshots for every given node id in parallel,
// bounded by concurrency (§4.4). A node whose sample errors is omitted from
// the result map; callers treat a missing entry as Unreachable/Unhealthy.
func (p *Probe) SampleCluster(ctx context.Context, nodeIDs []string, concurrency int) map[string]types.HealthSnapshot {
	if concurrency <= 0 {
		concurrency = 8
	}
	results := make(map[string]types.HealthSnapshot)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range nodeIDs {
		id := id
		g.Go(func() error {
			snap, err := p.SampleNode(gctx, id)
			if err != nil {
				return nil // omit from results; caller treats as unhealthy
			}
			mu.Lock()
			results[id] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// StabilityScope names the node set a WaitForStable call evaluates.
type StabilityScope struct {
	NodeIDs  []string
	Baseline []string // optional: baseline set for canary regression checks
}

// Predicate decides, given one round of samples, whether the scope is
// currently stable. Strategies supply this so the Probe stays ignorant of
// strategy-specific budgets (e.g. canary's regression deltas).
type Predicate func(samples map[string]types.HealthSnapshot) (stable bool, reason string)

// WaitForStable returns nil once predicate holds continuously, sampled at
// budgets.SampleInterval, for the entire window; it returns an error as soon
// as the predicate fails or the context is done.
func (p *Probe) WaitForStable(ctx context.Context, scope StabilityScope, window time.Duration, budgets Budgets, predicate Predicate) error {
	deadline := p.clock.Now().Add(window)
	ids := append(append([]string{}, scope.NodeIDs...), scope.Baseline...)
	sort.Strings(ids)

	ticker := time.NewTicker(budgets.SampleInterval)
	defer ticker.Stop()

	check := func() error {
		samples := p.SampleCluster(ctx, ids, budgets.Concurrency)
		stable, reason := predicate(samples)
		if !stable {
			return errkind.New(errkind.HealthDegradation, fmt.Sprintf("stability predicate violated: %s", reason))
		}
		return nil
	}

	if err := check(); err != nil {
		return err
	}

	for p.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, "wait for stable interrupted", ctx.Err())
		case <-ticker.C:
			if err := check(); err != nil {
				return err
			}
		}
	}
	return nil
}

// StandardPredicate builds the Predicate used by Direct/Rolling/BlueGreen
// (§4.4): all of S Available AND aggregate errorRate/p95 within budget.
func StandardPredicate(registryAvailable func() map[string]bool, budgets Budgets) Predicate {
	return func(samples map[string]types.HealthSnapshot) (bool, string) {
		avail := registryAvailable()
		var errSum, latSum float64
		n := 0
		for id := range avail {
			snap, ok := samples[id]
			if !ok || !avail[id] {
				return false, fmt.Sprintf("node %s unavailable or unsampled", id)
			}
			errSum += snap.ErrorRate
			latSum += snap.P95LatencyMs
			n++
		}
		if n == 0 {
			return true, ""
		}
		avgErr := errSum / float64(n)
		avgLat := latSum / float64(n)
		if avgErr > budgets.ErrorRateBudget {
			return false, fmt.Sprintf("errorRate %.4f exceeds budget %.4f", avgErr, budgets.ErrorRateBudget)
		}
		if avgLat > budgets.LatencyBudgetMs {
			return false, fmt.Sprintf("p95LatencyMs %.1f exceeds budget %.1f", avgLat, budgets.LatencyBudgetMs)
		}
		return true, ""
	}
}

// CanaryPredicate builds the Predicate for canary steps (§4.5.4): the
// updated set U must meet canary budgets AND not regress relative to
// baseline B beyond the regression budgets.
func CanaryPredicate(updated, baseline []string, budgets Budgets, errRegressionBudget, latRegressionBudget float64) Predicate {
	return func(samples map[string]types.HealthSnapshot) (bool, string) {
		uErr, uLat, uN := aggregate(samples, updated)
		if uN == 0 {
			return true, ""
		}
		if uErr > budgets.ErrorRateBudget {
			return false, fmt.Sprintf("canary errorRate %.4f exceeds budget %.4f", uErr, budgets.ErrorRateBudget)
		}
		if uLat > budgets.LatencyBudgetMs {
			return false, fmt.Sprintf("canary p95 %.1f exceeds budget %.1f", uLat, budgets.LatencyBudgetMs)
		}
		if len(baseline) == 0 {
			return true, ""
		}
		bErr, bLat, bN := aggregate(samples, baseline)
		if bN == 0 {
			return true, ""
		}
		if uErr-bErr > errRegressionBudget {
			return false, fmt.Sprintf("errorRate regression %.4f exceeds budget %.4f", uErr-bErr, errRegressionBudget)
		}
		if uLat-bLat > latRegressionBudget {
			return false, fmt.Sprintf("latency regression %.1fms exceeds budget %.1fms", uLat-bLat, latRegressionBudget)
		}
		return true, ""
	}
}

func aggregate(samples map[string]types.HealthSnapshot, ids []string) (avgErr, avgLat float64, n int) {
	var errSum, latSum float64
	for _, id := range ids {
		snap, ok := samples[id]
		if !ok {
			continue
		}
		errSum += snap.ErrorRate
		latSum += snap.P95LatencyMs
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	return errSum / float64(n), latSum / float64(n), n
}
