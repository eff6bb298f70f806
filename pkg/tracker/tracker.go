// Package tracker implements the Tracker component (§4.7): the single
// source of truth for execution state, serialized per executionId, with
// TTL eviction of terminal entries. The in-memory core is optionally backed
// by a DurableStore (see boltstore.go, raftstore.go) so state survives a
// restart.
package tracker

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

// DurableStore persists execution state across restarts. Implementations
// (BoltStore, RaftStore) need only durably record the latest state per
// executionId; Tracker owns in-memory indexing and eviction.
type DurableStore interface {
	Save(state types.PipelineExecutionState) error
	Delete(executionID string) error
	LoadAll() ([]types.PipelineExecutionState, error)
}

// Filter narrows ListAll's results (§6 List filter shape).
type Filter struct {
	Environment *types.Environment
	Module      string
	Status      *types.ExecutionStatus
	Since       time.Time
	Limit       int
	Offset      int
}

type entry struct {
	state       types.PipelineExecutionState
	result      *types.DeploymentResult
	completedAt time.Time
}

// Tracker implements §4.7's contract.
type Tracker struct {
	mu             sync.Mutex
	executions     map[string]*entry
	executionLocks map[string]*sync.Mutex
	retention      time.Duration
	clock          clock.Clock
	store          DurableStore
	logger         zerolog.Logger
}

// New builds a Tracker with the given resultRetention (default 7 days, §6).
// store may be nil, in which case Tracker is purely in-memory.
func New(retention time.Duration, c clock.Clock, store DurableStore) *Tracker {
	t := &Tracker{
		executions:     make(map[string]*entry),
		executionLocks: make(map[string]*sync.Mutex),
		retention:      retention,
		clock:          c,
		store:          store,
		logger:         log.WithComponent("tracker"),
	}
	if store != nil {
		if states, err := store.LoadAll(); err == nil {
			for _, s := range states {
				t.executions[s.ExecutionID] = &entry{state: s}
			}
		} else {
			t.logger.Warn().Err(err).Msg("failed to load durable tracker state; starting empty")
		}
	}
	return t
}

func (t *Tracker) lockFor(executionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.executionLocks[executionID]
	if !ok {
		l = &sync.Mutex{}
		t.executionLocks[executionID] = l
	}
	return l
}

// Start creates a new Pending execution record. Fails Conflict if
// executionId already exists (§4.7 idempotency boundary).
func (t *Tracker) Start(executionID string, request types.DeploymentRequest) error {
	lock := t.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	if _, exists := t.executions[executionID]; exists {
		t.mu.Unlock()
		return errkind.New(errkind.Conflict, fmt.Sprintf("execution %s already started", executionID))
	}
	now := t.clock.Now()
	state := types.PipelineExecutionState{
		ExecutionID:   executionID,
		Request:       request,
		Status:        types.StatusPending,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	t.executions[executionID] = &entry{state: state}
	t.mu.Unlock()

	return t.persist(state)
}

// Update applies a new state for executionId, serialized by the per-
// execution lock. Non-monotonic transitions (per types.CanTransition) and
// updates to a completed execution are rejected.
func (t *Tracker) Update(state types.PipelineExecutionState) error {
	lock := t.lockFor(state.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	e, ok := t.executions[state.ExecutionID]
	if !ok {
		t.mu.Unlock()
		return errkind.New(errkind.NotFound, fmt.Sprintf("execution %s not found", state.ExecutionID))
	}
	if e.state.Status.Terminal() {
		t.mu.Unlock()
		return errkind.New(errkind.Conflict, "execution already terminal; updates rejected")
	}
	if state.Status != e.state.Status && !types.CanTransition(e.state.Status, state.Status) {
		t.mu.Unlock()
		return errkind.New(errkind.Validation, fmt.Sprintf("illegal transition %s -> %s", e.state.Status, state.Status))
	}
	state.LastUpdatedAt = t.clock.Now()
	e.state = state.Clone()
	t.mu.Unlock()

	return t.persist(state)
}

// Complete marks executionId terminal with its final result. Subsequent
// Update/Complete calls are rejected (§4.7).
func (t *Tracker) Complete(executionID string, result types.DeploymentResult) error {
	lock := t.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	e, ok := t.executions[executionID]
	if !ok {
		t.mu.Unlock()
		return errkind.New(errkind.NotFound, fmt.Sprintf("execution %s not found", executionID))
	}
	if e.state.Status.Terminal() {
		t.mu.Unlock()
		return errkind.New(errkind.Conflict, "execution already terminal")
	}
	if !types.CanTransition(e.state.Status, result.Status) {
		t.mu.Unlock()
		return errkind.New(errkind.Validation, fmt.Sprintf("illegal terminal transition %s -> %s", e.state.Status, result.Status))
	}
	now := t.clock.Now()
	result.LastUpdatedAt = now
	e.state = result.PipelineExecutionState.Clone()
	cp := result
	e.result = &cp
	e.completedAt = now
	t.mu.Unlock()

	return t.persist(result.PipelineExecutionState)
}

func (t *Tracker) persist(state types.PipelineExecutionState) error {
	if t.store == nil {
		return nil
	}
	return t.store.Save(state)
}

// Get returns the current state for executionId.
func (t *Tracker) Get(executionID string) (types.PipelineExecutionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.executions[executionID]
	if !ok {
		return types.PipelineExecutionState{}, errkind.New(errkind.NotFound, fmt.Sprintf("execution %s not found", executionID))
	}
	return e.state.Clone(), nil
}

// ListInProgress returns every non-terminal execution, stable order.
func (t *Tracker) ListInProgress() []types.PipelineExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.PipelineExecutionState
	for _, e := range t.executions {
		if !e.state.Status.Terminal() {
			out = append(out, e.state.Clone())
		}
	}
	sortByStartedAtDesc(out)
	return out
}

// ListAll applies filter and returns matching executions, stable ordered by
// startedAt desc then executionId (§4.7).
func (t *Tracker) ListAll(filter Filter) []types.PipelineExecutionState {
	t.mu.Lock()
	var all []types.PipelineExecutionState
	for _, e := range t.executions {
		all = append(all, e.state.Clone())
	}
	t.mu.Unlock()

	sortByStartedAtDesc(all)

	var out []types.PipelineExecutionState
	for _, s := range all {
		if filter.Environment != nil && s.Request.TargetEnvironment != *filter.Environment {
			continue
		}
		if filter.Module != "" && s.Request.Module.Name != filter.Module {
			continue
		}
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if !filter.Since.IsZero() && s.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, s)
	}

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func sortByStartedAtDesc(states []types.PipelineExecutionState) {
	sort.SliceStable(states, func(i, j int) bool {
		if !states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].StartedAt.After(states[j].StartedAt)
		}
		return states[i].ExecutionID < states[j].ExecutionID
	})
}

// Sweep cooperatively evicts terminal entries older than resultRetention.
// Non-terminal entries are never evicted (§4.7).
func (t *Tracker) Sweep() {
	t.mu.Lock()
	now := t.clock.Now()
	var toEvict []string
	for id, e := range t.executions {
		if e.state.Status.Terminal() && !e.completedAt.IsZero() && now.Sub(e.completedAt) > t.retention {
			toEvict = append(toEvict, id)
		}
	}
	for _, id := range toEvict {
		delete(t.executions, id)
		delete(t.executionLocks, id)
	}
	t.mu.Unlock()

	if t.store != nil {
		for _, id := range toEvict {
			_ = t.store.Delete(id)
		}
	}
}
