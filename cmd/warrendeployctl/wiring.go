package main

import (
	"fmt"
	"os"

	"github.com/cuemby/warrendeploy/pkg/approval"
	"github.com/cuemby/warrendeploy/pkg/audit"
	"github.com/cuemby/warrendeploy/pkg/clock"
	"github.com/cuemby/warrendeploy/pkg/config"
	"github.com/cuemby/warrendeploy/pkg/events"
	"github.com/cuemby/warrendeploy/pkg/nodedriver"
	"github.com/cuemby/warrendeploy/pkg/orchestrator"
	"github.com/cuemby/warrendeploy/pkg/registry"
	"github.com/cuemby/warrendeploy/pkg/tracker"
	"github.com/spf13/cobra"
)

// app bundles a fully wired Orchestrator plus anything a subcommand needs
// to close out cleanly, so each RunE just loads the app and acts.
type app struct {
	orch  *orchestrator.Orchestrator
	store *tracker.BoltStore
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// newApp loads config, seeds the node registry, opens the durable tracker
// store under --data-dir and wires an Orchestrator. Every subcommand's RunE
// calls this once; there is no long-lived daemon, so registry membership is
// re-seeded from the config file on every invocation while tracker state
// (and any in-flight execution) survives across invocations via bbolt.
func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	queueWaitOverride, _ := cmd.Flags().GetDuration("queue-wait")
	approvalTimeoutOverride, _ := cmd.Flags().GetDuration("approval-timeout")

	var file *config.File
	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		file = f
	} else {
		file = config.Default()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := tracker.NewBoltStore(dataDir)
	if err != nil {
		return nil, err
	}

	c := clock.Real{}
	resolved := config.Resolve("", file.Options)
	if queueWaitOverride > 0 {
		resolved.Orchestrator.QueueWait = queueWaitOverride
	}
	if approvalTimeoutOverride > 0 {
		resolved.Orchestrator.Pipeline.ApprovalTimeout = approvalTimeoutOverride
	}

	reg := registry.New(resolved.Registry, c)
	if err := config.SeedRegistry(reg, file); err != nil {
		_ = store.Close()
		return nil, err
	}

	tr := tracker.New(file.Options.TrackerRetention(), c, store)
	gate := approval.New(resolved.Orchestrator.Pipeline.ApprovalTimeout, c, audit.NoOp{})
	driver := nodedriver.NewFake(nil)

	orch := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Tracker:  tr,
		Gate:     gate,
		Driver:   driver,
		Notifier: events.NewBroker(),
		Audit:    audit.NoOp{},
		Clock:    c,
	}, resolved.Orchestrator)

	return &app{orch: orch, store: store}, nil
}
