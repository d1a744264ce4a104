// Package runner drives a complete test run: it loads every registered file,
// expands the files into variants, dispatches them onto workers and reports
// the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/testfleet/internal/dispatcher"
	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/ipc"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/metrics"
	"github.com/harrison/testfleet/internal/models"
	"github.com/harrison/testfleet/internal/reporter"
	"github.com/harrison/testfleet/internal/worker"
)

// FileLoadError reports a file whose declarations could not be loaded.
type FileLoadError = loader.FileLoadError

// Logger is the logging surface of a run.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Options configure a Runner.
type Options struct {
	Registry *loader.Registry
	Config   models.RunConfig
	// Files restricts the run to files whose name contains one of the
	// filters. Empty runs every file.
	Files    []string
	Reporter reporter.Reporter
	Logger   Logger
	// Factory creates worker transports. Nil runs workers in process.
	Factory     ipc.Factory
	StopTimeout time.Duration
	// RunID identifies the run in reports and metrics. Empty generates one.
	RunID string
}

// Runner executes one run.
type Runner struct {
	opts   Options
	runID  string
	logger Logger
	rep    reporter.Reporter
}

// New creates a runner.
func New(opts Options) *Runner {
	r := &Runner{opts: opts, runID: opts.RunID, logger: opts.Logger, rep: opts.Reporter}
	if r.runID == "" {
		r.runID = uuid.New().String()
	}
	if r.logger == nil {
		r.logger = nopLogger{}
	}
	if r.rep == nil {
		r.rep = reporter.Base{}
	}
	if r.opts.Factory == nil {
		r.opts.Factory = InProcessFactory(opts.Registry, r.logger)
	}
	return r
}

// RunID returns the identifier of the run.
func (r *Runner) RunID() string {
	return r.runID
}

// InProcessFactory runs every worker on a goroutine of the current process.
func InProcessFactory(registry *loader.Registry, logger worker.Logger) ipc.Factory {
	return func(int) ipc.Transport {
		return ipc.NewInProcess(worker.New(registry, logger).Serve)
	}
}

// ProcessFactory starts every worker as a child process re-executing the
// current binary with the hidden worker command.
func ProcessFactory() (ipc.Factory, error) {
	self, err := ipc.Executable()
	if err != nil {
		return nil, err
	}
	return func(index int) ipc.Transport {
		return ipc.NewProcess(index, self, ipc.WorkerCommand)
	}, nil
}

// Run executes the run and returns its summary. Test failures are reported
// through the summary; an error means the run could not be carried out or
// ctx was cancelled.
func (r *Runner) Run(ctx context.Context) (*models.Summary, error) {
	start := time.Now()
	cfg := r.opts.Config

	res, failed, err := r.generate()
	if err != nil {
		return nil, err
	}

	if res.ForbidOnly {
		r.logger.Errorf("Focused test found at %s while focused tests are forbidden", res.FocusedLocation)
		r.rep.OnBegin(cfg, nil)
		return r.finish(start, models.RunForbidOnly, nil), nil
	}

	d := dispatcher.New(res, dispatcher.Options{
		Config:      cfg,
		Factory:     r.opts.Factory,
		Reporter:    r.rep,
		Logger:      r.logger,
		StopTimeout: r.opts.StopTimeout,
	})
	if len(d.Scheduled()) == 0 {
		status := models.RunNoTests
		if failed {
			status = models.RunFailed
		}
		r.rep.OnBegin(cfg, res.Suites)
		return r.finish(start, status, nil), nil
	}

	r.rep.OnBegin(cfg, res.Suites)
	runCtx := ctx
	if cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.GlobalTimeout)
		defer cancel()
	}

	status := models.RunPassed
	runErr := d.Run(runCtx)
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		status = models.RunFailed
		r.logger.Warnf("Run interrupted: %v", ctx.Err())
	case errors.Is(runErr, context.DeadlineExceeded):
		status = models.RunTimedOut
		r.rep.OnTimeout(cfg.GlobalTimeout)
	default:
		status = models.RunFailed
		r.logger.Errorf("Dispatcher failed: %v", runErr)
	}

	if err := d.Stop(); err != nil {
		r.logger.Warnf("Stopping workers: %v", err)
	}
	if status == models.RunPassed && (failed || d.HadWorkerErrors()) {
		status = models.RunFailed
	}

	summary := r.finish(start, status, d.Scheduled())
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// generate loads the selected files and expands them. File errors are
// reported and make the run fail without stopping the other files.
func (r *Runner) generate() (*generator.Result, bool, error) {
	failed := false
	var files []*loader.File
	for _, name := range FilterFiles(r.opts.Registry.Files(), r.opts.Files) {
		f, err := r.opts.Registry.Load(name)
		if err != nil {
			failed = true
			metrics.RecordError("load", err)
			r.rep.OnFileError(name, err)
			continue
		}
		files = append(files, f)
	}

	res, err := generator.Generate(files, r.opts.Config)
	if err != nil {
		return nil, failed, err
	}
	for _, fe := range res.Errors {
		failed = true
		metrics.RecordError("generate", fe.Err)
		r.rep.OnFileError(fe.File, fe.Err)
	}
	return res, failed, nil
}

// List returns the variants a run would schedule, file by file, without
// starting any worker.
func (r *Runner) List() ([]*models.TestVariant, error) {
	res, _, err := r.generate()
	if err != nil {
		return nil, err
	}
	if res.ForbidOnly {
		return nil, fmt.Errorf("focused test found at %s while focused tests are forbidden", res.FocusedLocation)
	}
	index := res.VariantByID()
	var out []*models.TestVariant
	for _, p := range dispatcher.Shard(res.Payloads, r.opts.Config.Shard) {
		for _, e := range p.Entries {
			if v, ok := index[e.VariantID]; ok {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (r *Runner) finish(start time.Time, status models.RunStatus, variants []*models.TestVariant) *models.Summary {
	summary := models.NewSummary(status, variants, time.Since(start))
	r.rep.OnEnd(summary)
	metrics.RecordRun(r.runID, string(summary.Status), summary.Duration)
	return summary
}

// FilterFiles keeps the names containing at least one filter. No filters
// keeps every name.
func FilterFiles(names, filters []string) []string {
	if len(filters) == 0 {
		return names
	}
	var out []string
	for _, name := range names {
		for _, f := range filters {
			if strings.Contains(name, f) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}
