// Package types holds the data model shared across the deployment
// orchestration core: modules, requests, pipeline state, nodes and clusters.
package types

import (
	"fmt"
	"regexp"
	"time"
)

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Module is an immutable, signed deployment artifact.
type Module struct {
	Name            string
	Version         string
	BinaryRef       string
	Signature       []byte
	SignerCertChain [][]byte
	Metadata        map[string]string
}

// Validate checks module well-formedness per the name/version constraints.
func (m Module) Validate() error {
	if !moduleNamePattern.MatchString(m.Name) {
		return fmt.Errorf("module name %q does not match required pattern", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("module version must not be empty")
	}
	if m.BinaryRef == "" {
		return fmt.Errorf("module binaryRef must not be empty")
	}
	return nil
}

// Equal compares two modules by (name, version) identity.
func (m Module) Equal(other Module) bool {
	return m.Name == other.Name && m.Version == other.Version
}

// Environment is a deployment target tier.
type Environment string

const (
	Development Environment = "development"
	QA          Environment = "qa"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Valid reports whether e is one of the recognized environments.
func (e Environment) Valid() bool {
	switch e {
	case Development, QA, Staging, Production:
		return true
	}
	return false
}

// StrategyKind names one of the four rollout algorithms.
type StrategyKind string

const (
	StrategyDirect    StrategyKind = "direct"
	StrategyRolling   StrategyKind = "rolling"
	StrategyBlueGreen StrategyKind = "blue-green"
	StrategyCanary    StrategyKind = "canary"
)

// DefaultStrategyFor returns the default strategy per environment (§4.5).
func DefaultStrategyFor(env Environment) StrategyKind {
	switch env {
	case Development:
		return StrategyDirect
	case QA:
		return StrategyRolling
	case Staging:
		return StrategyBlueGreen
	case Production:
		return StrategyCanary
	default:
		return StrategyRolling
	}
}

// DeploymentRequest is the immutable inbound ask to deploy a module.
type DeploymentRequest struct {
	Module            Module
	TargetEnvironment Environment
	Strategy          StrategyKind // zero value means "use the environment default"
	RequesterID       string
	RequestedAt       time.Time
	CorrelationID     string
}

// ExecutionStatus is a node in the PipelineExecutionState one-way DAG.
type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "Pending"
	StatusRunning          ExecutionStatus = "Running"
	StatusAwaitingApproval ExecutionStatus = "AwaitingApproval"
	StatusSucceeded        ExecutionStatus = "Succeeded"
	StatusFailed           ExecutionStatus = "Failed"
	StatusRolledBack       ExecutionStatus = "RolledBack"
	StatusCancelled        ExecutionStatus = "Cancelled"
)

// Terminal reports whether the status is one of the four terminal states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the one-way DAG from §4.2.
var validTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusAwaitingApproval: true,
		StatusSucceeded:        true,
		StatusFailed:           true,
		StatusRolledBack:       true,
		StatusCancelled:        true,
	},
	StatusAwaitingApproval: {
		StatusRunning:    true,
		StatusFailed:     true,
		StatusCancelled:  true,
		StatusRolledBack: true,
	},
}

// CanTransition reports whether from -> to is a legal state transition.
func CanTransition(from, to ExecutionStatus) bool {
	if from == to {
		return false
	}
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// StageName identifies one step of the fixed pipeline sequence (§4.2).
type StageName string

const (
	StageValidate       StageName = "Validate"
	StageSignatureCheck StageName = "SignatureCheck"
	StagePrepare        StageName = "Prepare"
	StageSmokeTest      StageName = "SmokeTest"
	StageApprovalGate   StageName = "ApprovalGate"
	StageDeploy         StageName = "Deploy"
	StagePostValidate   StageName = "PostValidate"
)

// DefaultStageSequence is the fixed ordered pipeline.
var DefaultStageSequence = []StageName{
	StageValidate,
	StageSignatureCheck,
	StagePrepare,
	StageSmokeTest,
	StageApprovalGate,
	StageDeploy,
	StagePostValidate,
}

// StageStatus is the lifecycle of a single stage's execution.
type StageStatus string

const (
	StageStatusPending   StageStatus = "Pending"
	StageStatusRunning   StageStatus = "Running"
	StageStatusSucceeded StageStatus = "Succeeded"
	StageStatusFailed    StageStatus = "Failed"
	StageStatusSkipped   StageStatus = "Skipped"
)

// StageResult is the outcome of one stage within one execution.
type StageResult struct {
	Name       StageName
	Status     StageStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Message    string
}

// PipelineExecutionState is the authoritative, mutable-only-by-the-orchestrator
// record of one deployment's progress.
type PipelineExecutionState struct {
	ExecutionID   string
	Request       DeploymentRequest
	Status        ExecutionStatus
	CurrentStage  StageName
	Stages        []StageResult
	StartedAt     time.Time
	LastUpdatedAt time.Time
	ErrorSummary  string
}

// Clone returns a deep-enough copy safe for handing to callers outside the
// owning pipeline (Tracker snapshots, §5 "no unsafe sharing").
func (p PipelineExecutionState) Clone() PipelineExecutionState {
	cp := p
	cp.Stages = make([]StageResult, len(p.Stages))
	copy(cp.Stages, p.Stages)
	return cp
}

// NodeState is the lifecycle of a deployment target.
type NodeState string

const (
	NodeUnknown   NodeState = "Unknown"
	NodeHealthy   NodeState = "Healthy"
	NodeDegraded  NodeState = "Degraded"
	NodeUnhealthy NodeState = "Unhealthy"
	NodeDraining  NodeState = "Draining"
	NodeUpdating  NodeState = "Updating"
)

// HealthSnapshot is one sample of a node's operating metrics.
type HealthSnapshot struct {
	CPUPct       float64
	MemPct       float64
	P95LatencyMs float64
	ErrorRate    float64
	SampledAt    time.Time
}

// Node is an addressable deployment target.
type Node struct {
	ID                   string
	ClusterID            string
	Address              string
	State                NodeState
	CurrentModuleVersion string
	LastHeartbeatAt      time.Time
	Health               HealthSnapshot
}

// Available reports whether the node can serve new traffic: Healthy and
// within heartbeat grace (§3).
func (n Node) Available(now time.Time, heartbeatGrace time.Duration) bool {
	return n.State == NodeHealthy && now.Sub(n.LastHeartbeatAt) <= heartbeatGrace
}

// Cluster groups nodes under one environment.
type Cluster struct {
	ID          string
	Environment Environment
	Nodes       []*Node
	// ActiveColor is the traffic-serving color for Blue-Green clusters; empty
	// when the cluster has never run a Blue-Green rollout.
	ActiveColor string
}

// DeploymentResult is the terminal snapshot of a finished execution.
type DeploymentResult struct {
	PipelineExecutionState
	NodesUpdated    int
	NodesRolledBack int
	DurationMs      int64
}
