// Package main implements the scorepipe CLI.
//
// scorepipe runs the resource-governed document scoring pipeline:
// ingest, score, aggregate, recommend, report. A SIGINT or SIGTERM
// interrupts the run cooperatively at the next phase or item boundary;
// a second signal exits immediately.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	outDir     string
	modeFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "scorepipe",
	Short: "Resource-governed document scoring pipeline",
	Long: `scorepipe runs a multi-phase document scoring pipeline under a
CPU/memory budget with an adaptive worker pool, per-phase error
budgets, and cooperative interruption.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&outDir, "out", "out", "directory for report artifacts")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "override run mode (production|dev)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(phaseCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scorepipe\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
