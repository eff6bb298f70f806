package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <execution-id>",
	Short: "Approve a deployment awaiting approval",
	Long: `Approve resolves a pending approval gate.

The approval gate's pending-handle state lives only in the orchestrator
process that opened it, unlike execution state, which is durable (see
pkg/tracker). Each invocation of this CLI builds its own empty gate, so
approve (and reject) run as a separate process cannot see an approval that
another process opened and reports it as not found. Only an orchestrator
embedded in one long-running process can approve or reject what it gated.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().String("approver", "", "Approver identity (required, must differ from the requester)")
	_ = approveCmd.MarkFlagRequired("approver")
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	approver, _ := cmd.Flags().GetString("approver")
	if err := a.orch.Approve(args[0], approver); err != nil {
		return err
	}
	fmt.Printf("%s approved\n", args[0])
	return nil
}
