// Package nodedriver defines the boundary through which a strategy actually
// mutates a node (§6 NodeDriver). The core never prescribes how a module
// lands on a node; hosts supply a concrete driver (ssh, agent RPC, container
// runtime call) and strategies only ever see this interface.
package nodedriver

import (
	"context"

	"github.com/cuemby/warrendeploy/pkg/types"
)

// NodeDriver applies or rolls back a module on a single node.
type NodeDriver interface {
	ApplyModule(ctx context.Context, node *types.Node, module types.Module) error
	RollbackModule(ctx context.Context, node *types.Node, priorVersion string) error
}

// Fake is an in-memory NodeDriver for tests and dry-run hosts. Failing and
// Delay are keyed by node id so a test can script specific nodes to fail or
// to simulate slow drivers.
type Fake struct {
	Failing map[string]error
}

// NewFake creates a Fake driver that always succeeds unless a node id is
// listed in failing.
func NewFake(failing map[string]error) *Fake {
	if failing == nil {
		failing = make(map[string]error)
	}
	return &Fake{Failing: failing}
}

func (f *Fake) ApplyModule(ctx context.Context, node *types.Node, module types.Module) error {
	if err, ok := f.Failing[node.ID]; ok {
		return err
	}
	node.CurrentModuleVersion = module.Version
	return nil
}

func (f *Fake) RollbackModule(ctx context.Context, node *types.Node, priorVersion string) error {
	if err, ok := f.Failing[node.ID]; ok {
		return err
	}
	node.CurrentModuleVersion = priorVersion
	return nil
}
