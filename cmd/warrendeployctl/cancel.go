package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cooperatively cancel an in-flight deployment execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", args[0])
	return nil
}
