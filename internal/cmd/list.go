package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/logger"
	"github.com/harrison/testfleet/internal/reporter"
	"github.com/harrison/testfleet/internal/runner"
)

// NewListCommand creates the list command
func NewListCommand(registry *loader.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [file-filter]...",
		Short: "List the tests a run would execute",
		Long: `List every test variant a run with the same flags would schedule,
including matrix configurations, without starting any worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCommand(cmd, registry, args)
		},
	}
	addSelectionFlags(cmd)
	return cmd
}

func listCommand(cmd *cobra.Command, registry *loader.Registry, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	errLog := logger.NewConsoleLogger(cmd.ErrOrStderr(), "warn")
	variants, err := runner.New(runner.Options{
		Registry: registry,
		Config:   cfg.RunConfig(),
		Files:    args,
		Reporter: reporter.NewLog(errLog),
	}).List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	files := map[string]bool{}
	for _, v := range variants {
		files[v.File] = true
		line := fmt.Sprintf("  %s › %s", v.Location, v.TitlePath)
		if conf := v.Configuration.String(); conf != "" {
			line += fmt.Sprintf(" [%s]", conf)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Total: %d tests in %d files\n", len(variants), len(files))
	return nil
}
