package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a module for deployment to an environment",
	Long: `Submit starts a deployment execution and, by default, blocks until it
reaches a terminal state before printing the final execution record.

There is no long-running warrendeployctl daemon: the Orchestrator normally
runs a submitted execution in a background goroutine inside whatever process
embeds it (§4.8), but a one-shot CLI process that returned immediately would
exit and take that goroutine down with it, abandoning the deployment
mid-flight. --no-wait opts into that fire-and-forget behavior anyway, for
scripting against a longer-lived embedding of this package.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().String("module", "", "Module name (required)")
	submitCmd.Flags().String("version", "", "Module version (required)")
	submitCmd.Flags().String("binary-ref", "", "Module binary reference (required)")
	submitCmd.Flags().String("env", "", "Target environment: development|qa|staging|production (required)")
	submitCmd.Flags().String("strategy", "", "Rollout strategy: direct|rolling|blue-green|canary (defaults per environment)")
	submitCmd.Flags().String("requester", "", "Requester identity")
	submitCmd.Flags().String("idempotency-key", "", "Idempotency key for safe resubmission")
	submitCmd.Flags().Bool("no-wait", false, "Print the execution id and exit immediately instead of waiting for a terminal state")
	_ = submitCmd.MarkFlagRequired("module")
	_ = submitCmd.MarkFlagRequired("version")
	_ = submitCmd.MarkFlagRequired("binary-ref")
	_ = submitCmd.MarkFlagRequired("env")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	moduleName, _ := cmd.Flags().GetString("module")
	version, _ := cmd.Flags().GetString("version")
	binaryRef, _ := cmd.Flags().GetString("binary-ref")
	env, _ := cmd.Flags().GetString("env")
	strat, _ := cmd.Flags().GetString("strategy")
	requester, _ := cmd.Flags().GetString("requester")
	idemKey, _ := cmd.Flags().GetString("idempotency-key")
	noWait, _ := cmd.Flags().GetBool("no-wait")

	req := types.DeploymentRequest{
		Module:            types.Module{Name: moduleName, Version: version, BinaryRef: binaryRef},
		TargetEnvironment: types.Environment(env),
		Strategy:          types.StrategyKind(strat),
		RequesterID:       requester,
	}

	id, err := a.orch.Submit(context.Background(), req, idemKey)
	if err != nil {
		return err
	}
	if noWait {
		fmt.Println(id)
		return nil
	}

	for {
		state, err := a.orch.Get(id)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}
