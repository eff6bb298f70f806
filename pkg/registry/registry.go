// Package registry implements the Registry and Node components (§4.1): an
// in-memory map of environment to cluster, cluster to nodes, heartbeat
// handling and the resulting node/cluster health roll-up. Adapted from the
// reconciliation loop this codebase used to mark nodes Down on missed
// heartbeats (pkg/reconciler), generalized from a single hardcoded 30s
// threshold to the configurable per-cluster thresholds §4.1/§6 require.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/rs/zerolog"
)

// Thresholds holds the configuration the Registry needs for heartbeat and
// degraded-state evaluation (subset of §6's configuration options).
type Thresholds struct {
	HeartbeatGrace     time.Duration
	CPUDegradedPct     float64
	MemDegradedPct     float64
	ErrorRateDegraded  float64
	LatencyBudgetMs    float64
	MinHealthyFraction map[types.Environment]float64
}

// DefaultThresholds matches the defaults enumerated in §4.1/§6.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartbeatGrace:    30 * time.Second,
		CPUDegradedPct:    85,
		MemDegradedPct:    85,
		ErrorRateDegraded: 0.02,
		LatencyBudgetMs:   500,
		MinHealthyFraction: map[types.Environment]float64{
			types.Development: 0.5,
			types.QA:          0.5,
			types.Staging:     0.66,
			types.Production:  0.75,
		},
	}
}

func (t Thresholds) minHealthyFraction(env types.Environment) float64 {
	if f, ok := t.MinHealthyFraction[env]; ok {
		return f
	}
	return 0.5
}

// Registry owns Cluster and Node membership. Per §3, it is the exclusive
// mutator of membership; health/heartbeat fields are mutated only through
// Heartbeat, which serializes per node.
type Registry struct {
	mu         sync.RWMutex
	clusters   map[types.Environment]*types.Cluster
	nodeLocks  map[string]*sync.Mutex // one lock per node id: single writer per node (§5)
	thresholds Thresholds
	clock      clock.Clock
	logger     zerolog.Logger
}

// New creates an empty Registry.
func New(thresholds Thresholds, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{
		clusters:   make(map[types.Environment]*types.Cluster),
		nodeLocks:  make(map[string]*sync.Mutex),
		thresholds: thresholds,
		clock:      c,
		logger:     log.WithComponent("registry"),
	}
}

// ConfigureCluster installs (or replaces) the cluster for an environment.
func (r *Registry) ConfigureCluster(env types.Environment, clusterID string) *types.Cluster {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &types.Cluster{ID: clusterID, Environment: env}
	r.clusters[env] = c
	return c
}

// GetCluster returns the cluster configured for env.
func (r *Registry) GetCluster(env types.Environment) (*types.Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[env]
	if !ok {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("no cluster configured for environment %s", env))
	}
	return c, nil
}

func (r *Registry) nodeLock(nodeID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.nodeLocks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		r.nodeLocks[nodeID] = l
	}
	return l
}

// Register adds or refreshes a node within its cluster's environment.
// Idempotent: re-registering an existing id refreshes address and resets
// state to Unknown with a fresh heartbeat, per §4.1.
func (r *Registry) Register(env types.Environment, node *types.Node) error {
	r.mu.Lock()
	c, ok := r.clusters[env]
	r.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NotFound, fmt.Sprintf("no cluster configured for environment %s", env))
	}

	lock := r.nodeLock(node.ID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range c.Nodes {
		if existing.ID == node.ID {
			existing.Address = node.Address
			existing.State = types.NodeUnknown
			existing.LastHeartbeatAt = r.clock.Now()
			return nil
		}
	}
	node.ClusterID = c.ID
	node.State = types.NodeUnknown
	node.LastHeartbeatAt = r.clock.Now()
	c.Nodes = append(c.Nodes, node)
	return nil
}

// Deregister removes a node from its cluster. Idempotent.
func (r *Registry) Deregister(env types.Environment, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[env]
	if !ok {
		return errkind.New(errkind.NotFound, fmt.Sprintf("no cluster configured for environment %s", env))
	}
	for i, n := range c.Nodes {
		if n.ID == nodeID {
			c.Nodes = append(c.Nodes[:i], c.Nodes[i+1:]...)
			return nil
		}
	}
	return nil
}

// Available returns the nodes that are currently Available (§4.1), sorted
// by node id; registration order is not kept.
func (r *Registry) Available(env types.Environment) ([]*types.Node, error) {
	c, err := r.GetCluster(env)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	var out []*types.Node
	for _, n := range c.Nodes {
		if n.Available(now, r.thresholds.HeartbeatGrace) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AllNodes returns every node in stable order, available or not.
func (r *Registry) AllNodes(env types.Environment) ([]*types.Node, error) {
	c, err := r.GetCluster(env)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Node, len(c.Nodes))
	copy(out, c.Nodes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Heartbeat records a fresh heartbeat and health sample for one node,
// applying the state transitions of §4.1. It is the single writer path for
// a node's health/lastHeartbeatAt fields outside of an active strategy step
// (which instead calls BeginUpdate/EndUpdate below).
func (r *Registry) Heartbeat(nodeID string, snapshot types.HealthSnapshot) error {
	node := r.findNode(nodeID)
	if node == nil {
		return errkind.New(errkind.NotFound, fmt.Sprintf("node %s not registered", nodeID))
	}

	// BeginUpdate holds the node lock while the node is Updating, so check
	// first and skip instead of waiting on that lock.
	r.mu.RLock()
	updating := node.State == types.NodeUpdating
	r.mu.RUnlock()
	if updating {
		return nil
	}

	lock := r.nodeLock(nodeID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if node.State == types.NodeUpdating {
		// A strategy step owns this node right now; heartbeat loops must
		// skip Updating nodes per §5 ordering guarantees.
		return nil
	}

	node.Health = snapshot
	node.LastHeartbeatAt = r.clock.Now()
	node.State = r.evaluateState(snapshot)
	return nil
}

// Sweep marks any node whose heartbeat has exceeded HeartbeatGrace as
// Unhealthy. Intended to run on a periodic schedule, decoupled from
// pipeline execution (§5 scheduling model).
func (r *Registry) Sweep() {
	r.mu.Lock()
	now := r.clock.Now()
	var toMark []*types.Node
	for _, c := range r.clusters {
		for _, n := range c.Nodes {
			if n.State == types.NodeUpdating {
				continue
			}
			if now.Sub(n.LastHeartbeatAt) > r.thresholds.HeartbeatGrace && n.State != types.NodeUnhealthy {
				toMark = append(toMark, n)
			}
		}
	}
	r.mu.Unlock()

	for _, n := range toMark {
		lock := r.nodeLock(n.ID)
		lock.Lock()
		r.mu.Lock()
		if n.State != types.NodeUpdating {
			n.State = types.NodeUnhealthy
			r.logger.Warn().Str("node_id", n.ID).Msg("node missed heartbeat grace, marking unhealthy")
		}
		r.mu.Unlock()
		lock.Unlock()
	}
}

func (r *Registry) evaluateState(h types.HealthSnapshot) types.NodeState {
	t := r.thresholds
	if h.CPUPct > t.CPUDegradedPct || h.MemPct > t.MemDegradedPct ||
		h.ErrorRate > t.ErrorRateDegraded || h.P95LatencyMs > t.LatencyBudgetMs {
		return types.NodeDegraded
	}
	return types.NodeHealthy
}

// BeginUpdate flips a node to Updating, the single-writer gate a strategy
// must hold before mutating currentModuleVersion (§5, §8 property 6).
func (r *Registry) BeginUpdate(nodeID string) (unlock func(), err error) {
	lock := r.nodeLock(nodeID)
	lock.Lock()

	r.mu.Lock()
	node := r.findNodeLocked(nodeID)
	if node == nil {
		r.mu.Unlock()
		lock.Unlock()
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("node %s not registered", nodeID))
	}
	node.State = types.NodeUpdating
	r.mu.Unlock()

	return lock.Unlock, nil
}

// EndUpdate resolves an Updating node to Healthy (success) or Unhealthy
// (failure) and records the new module version on success.
func (r *Registry) EndUpdate(nodeID string, success bool, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.findNodeLocked(nodeID)
	if node == nil {
		return errkind.New(errkind.NotFound, fmt.Sprintf("node %s not registered", nodeID))
	}
	if success {
		node.CurrentModuleVersion = version
		node.State = types.NodeHealthy
	} else {
		node.State = types.NodeUnhealthy
	}
	return nil
}

func (r *Registry) findNode(nodeID string) *types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findNodeLocked(nodeID)
}

func (r *Registry) findNodeLocked(nodeID string) *types.Node {
	for _, c := range r.clusters {
		for _, n := range c.Nodes {
			if n.ID == nodeID {
				return n
			}
		}
	}
	return nil
}

// HealthyFraction returns |Healthy nodes| / |nodes| for the cluster (§4.1).
func (r *Registry) HealthyFraction(env types.Environment) (float64, error) {
	c, err := r.GetCluster(env)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(c.Nodes) == 0 {
		return 0, nil
	}
	healthy := 0
	for _, n := range c.Nodes {
		if n.State == types.NodeHealthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(c.Nodes)), nil
}

// Serving reports whether the cluster's healthy fraction meets its
// environment's minimum (§4.1).
func (r *Registry) Serving(env types.Environment) (bool, error) {
	frac, err := r.HealthyFraction(env)
	if err != nil {
		return false, err
	}
	return frac >= r.thresholds.minHealthyFraction(env), nil
}

// Unavailable returns the count of non-Available nodes in the cluster.
func (r *Registry) Unavailable(env types.Environment) (int, error) {
	all, err := r.AllNodes(env)
	if err != nil {
		return 0, err
	}
	avail, err := r.Available(env)
	if err != nil {
		return 0, err
	}
	return len(all) - len(avail), nil
}

// SetActiveColor atomically flips the Blue-Green activeColor for a cluster
// (§4.5.3, §5 "cluster-wide activeColor flips are atomic via compare-and-set").
func (r *Registry) SetActiveColor(env types.Environment, expect, next string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[env]
	if !ok {
		return errkind.New(errkind.NotFound, fmt.Sprintf("no cluster configured for environment %s", env))
	}
	if c.ActiveColor != expect {
		return errkind.New(errkind.Conflict, fmt.Sprintf("activeColor changed concurrently: expected %q, found %q", expect, c.ActiveColor))
	}
	c.ActiveColor = next
	return nil
}

// ActiveColor returns the cluster's current activeColor.
func (r *Registry) ActiveColor(env types.Environment) (string, error) {
	c, err := r.GetCluster(env)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return c.ActiveColor, nil
}
