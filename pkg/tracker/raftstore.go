package tracker

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftStore is an optional highly-available DurableStore: every Save/Delete
// is replicated through a Raft log before being applied to the in-memory
// state map, so a follower promoted to leader after a crash has identical
// tracker state. Grounded on this codebase's single-node-then-join Raft
// bootstrap (pkg/manager/manager.go) and its FSM/Command/Snapshot shape
// (pkg/manager/fsm.go), narrowed from six entity types to the one this
// domain tracks.
type RaftStore struct {
	raft *raft.Raft
	fsm  *executionFSM
}

// RaftConfig bundles the Raft wiring parameters §9's HA Open Question
// requires a host to supply.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// BootstrapRaftStore starts a new single-node Raft cluster whose FSM holds
// tracker state. Additional nodes join via raft.Raft.AddVoter against the
// returned store's underlying *raft.Raft (exposed through Raft()).
func BootstrapRaftStore(cfg RaftConfig) (*RaftStore, error) {
	fsm := &executionFSM{state: make(map[string]types.PipelineExecutionState)}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft instance: %w", err)
	}

	bootstrapConfig := raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(bootstrapConfig).Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
	}

	return &RaftStore{raft: r, fsm: fsm}, nil
}

// Raft exposes the underlying *raft.Raft so a host can AddVoter/RemoveServer
// additional nodes; out of scope for the tracker abstraction itself.
func (s *RaftStore) Raft() *raft.Raft {
	return s.raft
}

func (s *RaftStore) apply(cmd executionCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply failed: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// Save replicates state through the Raft log.
func (s *RaftStore) Save(state types.PipelineExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.apply(executionCommand{Op: "save", Data: data})
}

// Delete replicates a delete through the Raft log.
func (s *RaftStore) Delete(executionID string) error {
	data, err := json.Marshal(executionID)
	if err != nil {
		return err
	}
	return s.apply(executionCommand{Op: "delete", Data: data})
}

// LoadAll reads the FSM's current in-memory state directly (no need to go
// through the log: every node's FSM already reflects every committed entry).
func (s *RaftStore) LoadAll() ([]types.PipelineExecutionState, error) {
	return s.fsm.all(), nil
}

// executionCommand is one Raft log entry.
type executionCommand struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// executionFSM is the Raft FSM replicating tracker state across nodes.
type executionFSM struct {
	mu    sync.RWMutex
	state map[string]types.PipelineExecutionState
}

func (f *executionFSM) Apply(l *raft.Log) interface{} {
	var cmd executionCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "save":
		var state types.PipelineExecutionState
		if err := json.Unmarshal(cmd.Data, &state); err != nil {
			return err
		}
		f.state[state.ExecutionID] = state
		return nil
	case "delete":
		var executionID string
		if err := json.Unmarshal(cmd.Data, &executionID); err != nil {
			return err
		}
		delete(f.state, executionID)
		return nil
	default:
		return fmt.Errorf("unknown tracker command: %s", cmd.Op)
	}
}

func (f *executionFSM) all() []types.PipelineExecutionState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]types.PipelineExecutionState, 0, len(f.state))
	for _, s := range f.state {
		out = append(out, s)
	}
	return out
}

func (f *executionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]types.PipelineExecutionState, len(f.state))
	for k, v := range f.state {
		cp[k] = v
	}
	return &executionSnapshot{state: cp}, nil
}

func (f *executionFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var state map[string]types.PipelineExecutionState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode tracker snapshot: %w", err)
	}
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

type executionSnapshot struct {
	state map[string]types.PipelineExecutionState
}

func (s *executionSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *executionSnapshot) Release() {}
