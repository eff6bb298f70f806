package main

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/warrendeploy/pkg/tracker"
	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment executions, optionally filtered",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("env", "", "Filter by target environment")
	listCmd.Flags().String("module", "", "Filter by module name")
	listCmd.Flags().String("status", "", "Filter by execution status")
	listCmd.Flags().Int("limit", 0, "Maximum number of results")
	listCmd.Flags().Int("offset", 0, "Result offset for pagination")
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	env, _ := cmd.Flags().GetString("env")
	module, _ := cmd.Flags().GetString("module")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := tracker.Filter{Module: module, Limit: limit, Offset: offset}
	if env != "" {
		e := types.Environment(env)
		filter.Environment = &e
	}
	if status != "" {
		s := types.ExecutionStatus(status)
		filter.Status = &s
	}

	results := a.orch.List(filter)
	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
