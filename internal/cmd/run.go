package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harrison/testfleet/internal/config"
	"github.com/harrison/testfleet/internal/ipc"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/logger"
	"github.com/harrison/testfleet/internal/metrics"
	"github.com/harrison/testfleet/internal/models"
	"github.com/harrison/testfleet/internal/reporter"
	"github.com/harrison/testfleet/internal/runner"
)

// ExitError carries the exit code of a run that did not pass.
type ExitError struct {
	Code   int
	Status models.RunStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run %s", e.Status)
}

// NewRunCommand creates the run command
func NewRunCommand(registry *loader.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file-filter]...",
		Short: "Run the registered test files",
		Long: `Run every registered test file, or only the files whose name contains
one of the given filters.

Configuration is loaded from .testfleet/config.yaml in the project root if
present. CLI flags override configuration file settings.

Examples:
  # Run everything with 4 workers
  testfleet run -j 4

  # Only files matching "checkout", retrying failures twice
  testfleet run checkout --retries 2

  # Second of three CI shards, failing on focused tests
  testfleet run --shard 2/3 --forbid-only

  # Run tests whose "file title path" matches a pattern
  testfleet run -g "login.*valid password"

  # Expand over the matrix without executing anything
  testfleet run --trial-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, registry, args)
		},
	}

	addSelectionFlags(cmd)
	cmd.Flags().IntP("jobs", "j", 0, "Maximum number of parallel workers (default: half the CPUs)")
	cmd.Flags().String("timeout", "", "Per-test timeout, 0 disables (e.g. 30s, 2m)")
	cmd.Flags().String("global-timeout", "", "Timeout for the whole run, 0 disables")
	cmd.Flags().Int("retries", 0, "Retry failing tests up to this many times")
	cmd.Flags().Bool("trial-run", false, "Report every test as passed without running it")
	cmd.Flags().String("output", "", "Directory for reports (default: test-results)")
	cmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.Flags().String("log-dir", "", "Directory for run logs")
	cmd.Flags().String("workers", "", "Worker mode: process or inprocess")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")
	cmd.Flags().StringSlice("reporter", nil, "Reporters to enable: log, json, markdown")
	cmd.Flags().BoolP("verbose", "v", false, "Log test output and debug information")

	return cmd
}

// addSelectionFlags registers the flags that decide which tests run.
func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to config file (default: .testfleet/config.yaml)")
	cmd.Flags().StringP("grep", "g", "", "Only run tests whose \"file title path\" matches this regexp")
	cmd.Flags().String("shard", "", "Run one shard of the tests, as current/total (e.g. 2/3)")
	cmd.Flags().Int("repeat-each", 0, "Run every test this many times")
	cmd.Flags().Bool("forbid-only", false, "Fail when focused tests are declared")
}

// loadConfig reads the config file, applies the flags that were set on cmd
// and validates the result. Relative directories are anchored at the
// project root.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	root, err := config.ProjectRoot()
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	o, err := overridesFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	cfg.MergeWithFlags(o)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.OutputDir = config.ResolvePath(root, cfg.OutputDir)
	cfg.LogDir = config.ResolvePath(root, cfg.LogDir)
	return cfg, nil
}

// overridesFromFlags collects the flags explicitly set on cmd. Flags the
// command does not define are ignored.
func overridesFromFlags(cmd *cobra.Command) (config.Overrides, error) {
	var o config.Overrides
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	duration := func(name string) (*time.Duration, error) {
		if !changed(name) {
			return nil, nil
		}
		raw, _ := cmd.Flags().GetString(name)
		if raw == "0" {
			var zero time.Duration
			return &zero, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", name, raw, err)
		}
		return &d, nil
	}
	intFlag := func(name string) *int {
		if !changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetInt(name)
		return &v
	}
	stringFlag := func(name string) *string {
		if !changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetString(name)
		return &v
	}
	boolFlag := func(name string) *bool {
		if !changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetBool(name)
		return &v
	}

	var err error
	if o.Timeout, err = duration("timeout"); err != nil {
		return o, err
	}
	if o.GlobalTimeout, err = duration("global-timeout"); err != nil {
		return o, err
	}
	if changed("shard") {
		raw, _ := cmd.Flags().GetString("shard")
		if o.Shard, err = config.ParseShard(raw); err != nil {
			return o, err
		}
	}
	if changed("reporter") {
		o.Reporters, _ = cmd.Flags().GetStringSlice("reporter")
	}
	o.Jobs = intFlag("jobs")
	o.Retries = intFlag("retries")
	o.RepeatEach = intFlag("repeat-each")
	o.Grep = stringFlag("grep")
	o.OutputDir = stringFlag("output")
	o.LogLevel = stringFlag("log-level")
	o.LogDir = stringFlag("log-dir")
	o.Workers = stringFlag("workers")
	o.MetricsAddr = stringFlag("metrics-addr")
	o.ForbidOnly = boolFlag("forbid-only")
	o.TrialRun = boolFlag("trial-run")
	return o, nil
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, registry *loader.Registry, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	consoleLog := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()
	log := logger.Multi(consoleLog, fileLog)

	runID := uuid.New().String()
	var (
		reporters []reporter.Reporter
		jsonRep   *reporter.JSON
		mdRep     *reporter.Markdown
	)
	if cfg.HasReporter("log") {
		reporters = append(reporters, reporter.NewLog(log))
	}
	if cfg.HasReporter("json") {
		jsonRep = reporter.NewJSON(runID, cfg.OutputDir)
		reporters = append(reporters, jsonRep)
	}
	if cfg.HasReporter("markdown") {
		mdRep = reporter.NewMarkdown(runID, cfg.OutputDir)
		reporters = append(reporters, mdRep)
	}

	var factory ipc.Factory
	switch cfg.Workers {
	case config.WorkersInProcess:
		factory = runner.InProcessFactory(registry, log)
	default:
		if factory, err = runner.ProcessFactory(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Warnf("Metrics server stopped: %v", err)
			}
		}()
	}

	log.Debugf("Run %s: %d registered files, output in %s", runID, len(registry.Files()), cfg.OutputDir)
	summary, runErr := runner.New(runner.Options{
		Registry:    registry,
		Config:      cfg.RunConfig(),
		Files:       args,
		Reporter:    reporter.Multi(reporters...),
		Logger:      log,
		Factory:     factory,
		StopTimeout: cfg.StopTimeout,
		RunID:       runID,
	}).Run(ctx)

	if jsonRep != nil && jsonRep.Err() != nil {
		log.Warnf("Failed to write JSON report: %v", jsonRep.Err())
	}
	if mdRep != nil && mdRep.Err() != nil {
		log.Warnf("Failed to write summary: %v", mdRep.Err())
	}

	if summary == nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if runErr != nil {
		log.Warnf("Run interrupted: %v", runErr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logs written to: %s\n", fileLog.RunFile())
	if jsonRep != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Report written to: %s\n", jsonRep.Path())
	}

	if code := summary.ExitCode(); code != 0 {
		return &ExitError{Code: code, Status: summary.Status}
	}
	return nil
}
