// Package approval implements the ApprovalGate component (§4.6): issuing a
// pending-approval handle, resolving it under separation-of-duties, and
// auto-rejecting on timeout. Handle generation is grounded on this
// codebase's join-token issuance (pkg/manager/token.go): random bytes,
// hex-encoded, with an expiry and a cooperative cleanup sweep.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warrendeploy/pkg/audit"
	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/errkind"
	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/rs/zerolog"
)

// Decision is the approver's resolution of a pending approval.
type Decision string

const (
	DecisionApprove Decision = "Approve"
	DecisionReject  Decision = "Reject"
)

// Record is one approval request's full lifecycle state.
type Record struct {
	Handle      string
	ExecutionID string
	Environment types.Environment
	RequesterID string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	Decided    bool
	Decision   Decision
	ApproverID string
	Reason     string
	DecidedAt  time.Time
}

// Gate implements ApprovalGate (§4.6).
type Gate struct {
	mu          sync.Mutex
	pending     map[string]*Record // handle -> record
	byExecution map[string]string  // executionId -> handle
	timeout     time.Duration
	clock       clock.Clock
	audit       audit.Sink
	logger      zerolog.Logger
}

// New builds a Gate with the given default approvalTimeout (§6).
func New(timeout time.Duration, c clock.Clock, sink audit.Sink) *Gate {
	if sink == nil {
		sink = audit.NoOp{}
	}
	return &Gate{
		pending:     make(map[string]*Record),
		byExecution: make(map[string]string),
		timeout:     timeout,
		clock:       c,
		audit:       sink,
		logger:      log.WithComponent("approval"),
	}
}

func newHandle() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RequestApproval opens a new pending approval for an execution (§4.6).
// Only one pending approval may exist per executionId at a time.
func (g *Gate) RequestApproval(executionID string, env types.Environment, requesterID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.byExecution[executionID]; ok {
		if r, ok := g.pending[h]; ok && !r.Decided {
			return h, nil
		}
	}

	handle, err := newHandle()
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, "failed to generate approval handle", err)
	}

	now := g.clock.Now()
	g.pending[handle] = &Record{
		Handle:      handle,
		ExecutionID: executionID,
		Environment: env,
		RequesterID: requesterID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.timeout),
	}
	g.byExecution[executionID] = handle
	return handle, nil
}

// Resolve records an approver's decision. The approver MUST NOT equal the
// original requester (§4.6 separation of duties). The audit record is
// written synchronously before this call returns, per §6 ("approval
// decisions... MUST be audited synchronously before the pipeline resumes").
func (g *Gate) Resolve(handle string, decision Decision, approverID string, reason string) (*Record, error) {
	g.mu.Lock()
	r, ok := g.pending[handle]
	if !ok {
		g.mu.Unlock()
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("no pending approval for handle %s", handle))
	}
	if r.Decided {
		g.mu.Unlock()
		return nil, errkind.New(errkind.Conflict, "approval already decided")
	}
	now := g.clock.Now()
	if now.After(r.ExpiresAt) {
		g.autoRejectLocked(r, now)
		g.mu.Unlock()
		return nil, errkind.New(errkind.ApprovalTimeout, "approval window expired")
	}
	if approverID == r.RequesterID {
		g.mu.Unlock()
		return nil, errkind.New(errkind.Validation, "approver must not be the requester")
	}

	r.Decided = true
	r.Decision = decision
	r.ApproverID = approverID
	r.Reason = reason
	r.DecidedAt = now
	g.mu.Unlock()

	g.audit.Record(audit.Record{
		Event:     "approval." + string(decision),
		Actor:     approverID,
		Timestamp: now,
		Payload: map[string]string{
			"executionId": r.ExecutionID,
			"handle":      handle,
			"reason":      reason,
		},
	})
	return r, nil
}

// HandleForExecution returns the pending handle for an execution, so a
// caller that only knows the executionId (the orchestrator) can resolve it
// without threading the handle back out of the pipeline stage that opened
// it.
func (g *Gate) HandleForExecution(executionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.byExecution[executionID]
	if !ok {
		return "", errkind.New(errkind.NotFound, fmt.Sprintf("no pending approval for execution %s", executionID))
	}
	return h, nil
}

// Get returns the current record for handle.
func (g *Gate) Get(handle string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.pending[handle]
	if !ok {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("no approval for handle %s", handle))
	}
	cp := *r
	return &cp, nil
}

// Sweep auto-rejects any pending approval whose ExpiresAt has passed (§4.6
// Timeout). Intended to run on a periodic schedule alongside Registry.Sweep.
func (g *Gate) Sweep() {
	g.mu.Lock()
	now := g.clock.Now()
	var expired []*Record
	for _, r := range g.pending {
		if !r.Decided && now.After(r.ExpiresAt) {
			g.autoRejectLocked(r, now)
			expired = append(expired, r)
		}
	}
	g.mu.Unlock()

	for _, r := range expired {
		g.audit.Record(audit.Record{
			Event:     "approval.Timeout",
			Actor:     "system",
			Timestamp: now,
			Payload:   map[string]string{"executionId": r.ExecutionID, "handle": r.Handle},
		})
		g.logger.Info().Str("execution_id", r.ExecutionID).Msg("approval timed out, auto-rejected")
	}
}

func (g *Gate) autoRejectLocked(r *Record, now time.Time) {
	r.Decided = true
	r.Decision = DecisionReject
	r.ApproverID = "system"
	r.Reason = "approval window expired"
	r.DecidedAt = now
}

// Restore reconstructs the pending set from Tracker-provided snapshots after
// a restart (§4.6 restart-safety). A host with no durable Tracker store
// should skip this call: per §4.6, any in-flight pending approval is then
// treated as Rejected (a documented degraded mode), since the gate has no
// record of it to restore.
func (g *Gate) Restore(records []*Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range records {
		cp := *r
		g.pending[cp.Handle] = &cp
		if !cp.Decided {
			g.byExecution[cp.ExecutionID] = cp.Handle
		}
	}
}
