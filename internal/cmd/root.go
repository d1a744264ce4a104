package cmd

import (
	"github.com/spf13/cobra"

	"github.com/harrison/testfleet/internal/loader"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command. registry holds
// the test files the binary was built with.
func NewRootCommand(registry *loader.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testfleet",
		Short: "Parallel end-to-end test runner",
		Long: `testfleet runs end-to-end test suites in parallel across a pool of
worker processes.

Tests are expanded over the configured parameter matrix, grouped by the
worker fixtures they need and dispatched onto workers. Failing tests are
retried, results are collected into reports.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand(registry))
	cmd.AddCommand(NewListCommand(registry))
	cmd.AddCommand(NewWorkerCommand(registry))

	return cmd
}
