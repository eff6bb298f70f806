package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rejectCmd = &cobra.Command{
	Use:   "reject <execution-id>",
	Short: "Reject a deployment awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func init() {
	rejectCmd.Flags().String("approver", "", "Approver identity (required, must differ from the requester)")
	rejectCmd.Flags().String("reason", "", "Reason for rejection")
	_ = rejectCmd.MarkFlagRequired("approver")
}

func runReject(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	approver, _ := cmd.Flags().GetString("approver")
	reason, _ := cmd.Flags().GetString("reason")
	if err := a.orch.Reject(args[0], approver, reason); err != nil {
		return err
	}
	fmt.Printf("%s rejected\n", args[0])
	return nil
}
