// Command warrendeployctl is a thin cobra CLI over the deployment
// orchestration core. It drives the Orchestrator in-process for local
// operation and scripting; it is not the HTTP/RPC controller surface
// (out of scope, see spec). Grounded on cmd/warren/main.go's rootCmd +
// cobra.OnInitialize(initLogging) structure.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/warrendeploy/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "warrendeployctl",
	Short:   "Drive module deployments through the orchestration core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("warrendeployctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file (optional)")
	rootCmd.PersistentFlags().String("data-dir", "./warrendeploy-data", "Directory for the durable tracker database")
	rootCmd.PersistentFlags().Duration("queue-wait", 0, "Override the serialization-key queueWait")
	rootCmd.PersistentFlags().Duration("approval-timeout", 0, "Override the approval auto-reject timeout")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(cancelCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}
