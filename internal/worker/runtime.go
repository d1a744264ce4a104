// Package worker executes run payloads on behalf of the dispatcher.
//
// A Runtime processes one payload at a time. For every payload it reloads the
// file, walks the declaration tree depth-first and runs hooks and test bodies
// against a fixture pool that keeps worker-scoped fixtures alive between
// payloads. Progress is streamed back as IPC messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/harrison/testfleet/internal/fixtures"
	"github.com/harrison/testfleet/internal/ipc"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/models"
)

// Logger is the logging surface the runtime needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}

// Runtime is one worker. It is driven by Serve and is not safe for
// concurrent use.
type Runtime struct {
	registry *loader.Registry
	logger   Logger

	peer   ipc.Peer
	index  int
	config models.RunConfig
	pool   *fixtures.Pool
}

// New creates a runtime loading files from registry. logger may be nil.
func New(registry *loader.Registry, logger Logger) *Runtime {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Runtime{registry: registry, logger: logger}
}

// Serve processes messages from peer until stop is received or the peer
// goes away.
func (r *Runtime) Serve(ctx context.Context, peer ipc.Peer) error {
	r.peer = peer
	for {
		msg, err := peer.Recv()
		if err != nil {
			r.teardownWorkerScope()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch msg.Method {
		case ipc.MethodInit:
			var p ipc.InitParams
			if err := msg.Decode(&p); err != nil {
				return err
			}
			r.index = p.WorkerIndex
			r.config = p.Config
			r.logger.Debugf("worker %d initialized", r.index)
		case ipc.MethodRun:
			var p ipc.RunParams
			if err := msg.Decode(&p); err != nil {
				return err
			}
			r.config = p.Config
			done := r.Run(ctx, &p.Payload)
			if err := r.send(ipc.MethodDone, done); err != nil {
				return err
			}
		case ipc.MethodStop:
			r.teardownWorkerScope()
			return r.send(ipc.MethodExit, nil)
		default:
			r.logger.Warnf("worker %d: unexpected message %q", r.index, msg.Method)
		}
	}
}

func (r *Runtime) send(method ipc.Method, params any) error {
	msg, err := ipc.NewMessage(method, params)
	if err != nil {
		return err
	}
	return r.peer.Send(msg)
}

func (r *Runtime) teardownWorkerScope() {
	if r.pool == nil {
		return
	}
	errs := r.pool.TeardownScope(fixtures.ScopeTest)
	errs = append(errs, r.pool.TeardownScope(fixtures.ScopeWorker)...)
	r.pool = nil
	if len(errs) > 0 {
		_ = r.send(ipc.MethodTeardownError, ipc.TeardownErrorParams{Error: models.NewTestError(errs[0])})
	}
}

// payloadRun tracks the progress of a single payload.
type payloadRun struct {
	payload  *models.RunPayload
	file     *loader.File
	params   models.Values
	entries  map[models.NodeID]models.Entry
	mods     map[models.NodeID]models.TestModifiers
	ended    map[string]bool
	failedID string
	fatal    error
}

func (p *payloadRun) stopped() bool {
	return p.failedID != "" || p.fatal != nil
}

// Run executes payload and returns the parameters of the closing done
// message.
func (r *Runtime) Run(ctx context.Context, payload *models.RunPayload) (done ipc.DoneParams) {
	run := &payloadRun{
		payload: payload,
		entries: make(map[models.NodeID]models.Entry),
		mods:    make(map[models.NodeID]models.TestModifiers),
		ended:   make(map[string]bool),
	}
	defer func() {
		if rec := recover(); rec != nil {
			run.fatal = fmt.Errorf("worker panic: %v\n%s", rec, debug.Stack())
		}
		done = r.finish(run)
	}()

	file, err := r.registry.Load(payload.File)
	if err != nil {
		run.fatal = err
		return
	}
	run.file = file
	run.params = file.Chain.Parameters(payload.Configuration.Values())

	if r.pool == nil {
		r.pool = fixtures.NewPool(ctx, file.Chain, run.params)
	} else {
		r.pool.SetChain(file.Chain, run.params)
	}

	wanted := make(map[string]models.Entry, len(payload.Entries))
	for _, e := range payload.Entries {
		wanted[e.VariantID] = e
	}
	for _, test := range file.Arena.Tests() {
		id := models.VariantID(test.Ordinal, file.Name, payload.ConfigurationString)
		if e, ok := wanted[id]; ok {
			run.entries[test.ID] = e
			run.mods[test.ID] = models.ApplyModifiers(test, run.params, r.config.Timeout)
		}
	}
	if len(run.entries) != len(wanted) {
		r.logger.Warnf("worker %d: %d of %d entries of %s were not found", r.index, len(wanted)-len(run.entries), len(wanted), payload.File)
	}

	if err := r.runSuite(ctx, run, file.Arena.Root); err != nil && run.fatal == nil {
		run.fatal = err
	}
	return
}

func (r *Runtime) finish(run *payloadRun) ipc.DoneParams {
	done := ipc.DoneParams{FailedVariantID: run.failedID, Remaining: []models.Entry{}}
	for _, e := range run.payload.Entries {
		if !run.ended[e.VariantID] {
			done.Remaining = append(done.Remaining, e)
		}
	}
	if run.fatal != nil {
		done.FatalError = models.NewTestError(run.fatal)
		done.FailedVariantID = ""
	}
	if r.pool != nil {
		if errs := r.pool.TeardownScope(fixtures.ScopeTest); len(errs) > 0 && done.FatalError == nil {
			done.FatalError = models.NewTestError(errs[0])
		}
	}
	return done
}

// runnable reports whether the subtree under id holds a scheduled entry that
// will actually execute.
func (r *Runtime) runnable(run *payloadRun, id models.NodeID) bool {
	if r.config.TrialRun {
		return false
	}
	found := false
	run.file.Arena.Walk(id, func(n *models.Node) bool {
		if found {
			return false
		}
		if n.Kind == models.KindTest {
			if _, ok := run.entries[n.ID]; ok && !run.mods[n.ID].Skipped {
				found = true
			}
		}
		return true
	})
	return found
}

func (r *Runtime) runSuite(ctx context.Context, run *payloadRun, id models.NodeID) error {
	suite := run.file.Arena.Node(id)
	active := r.runnable(run, id)

	if active {
		for _, hook := range suite.Hooks.BeforeAll {
			if err := r.runSuiteHook(ctx, run, suite, hook, "beforeAll"); err != nil {
				return err
			}
		}
	}

	var childErr error
	for _, child := range suite.Children {
		if run.stopped() {
			break
		}
		n := run.file.Arena.Node(child)
		if n.IsSuite() {
			if err := r.runSuite(ctx, run, child); err != nil {
				childErr = err
				break
			}
			continue
		}
		if _, ok := run.entries[child]; ok {
			r.runTest(ctx, run, n)
		}
	}

	if active {
		for _, hook := range suite.Hooks.AfterAll {
			if err := r.runSuiteHook(ctx, run, suite, hook, "afterAll"); err != nil && childErr == nil {
				childErr = err
			}
		}
	}
	return childErr
}

func (r *Runtime) runSuiteHook(ctx context.Context, run *payloadRun, suite *models.Node, hook models.Hook, kind string) error {
	if err := run.file.Chain.CheckWorkerOnly(hook.Deps); err != nil {
		return fmt.Errorf("%s hook at %s: %w", kind, hook.Location, err)
	}
	info := models.NewTestInfo(models.StatusPassed, r.config.Timeout, nil)
	info.Title = suite.Title
	info.TitlePath = run.file.Arena.TitlePath(suite.ID)
	info.File = run.file.Name
	info.WorkerIndex = r.index
	info.RepeatIndex = run.payload.RepeatIndex
	info.Configuration = run.payload.Configuration
	info.OutputDir = r.config.OutputDir
	info.Stdout = r.output(ipc.MethodTestStdOut, "")
	info.Stderr = r.output(ipc.MethodTestStdErr, "")

	if err := r.pool.RunWithFixtures(ctx, hook.Fn, hook.Deps, info, r.config.Timeout); err != nil {
		return fmt.Errorf("%s hook at %s: %w", kind, hook.Location, err)
	}
	return nil
}

func (r *Runtime) runTest(ctx context.Context, run *payloadRun, test *models.Node) {
	arena := run.file.Arena
	entry := run.entries[test.ID]
	mods := run.mods[test.ID]

	info := models.NewTestInfo(mods.ExpectedStatus, mods.Timeout, mods.Annotations)
	info.Title = test.Title
	info.TitlePath = arena.TitlePath(test.ID)
	info.File = run.file.Name
	info.VariantID = entry.VariantID
	info.RetryNumber = entry.RetryNumber
	info.RepeatIndex = run.payload.RepeatIndex
	info.WorkerIndex = r.index
	info.Configuration = run.payload.Configuration
	info.OutputDir = r.config.OutputDir
	info.Stdout = r.output(ipc.MethodTestStdOut, entry.VariantID)
	info.Stderr = r.output(ipc.MethodTestStdErr, entry.VariantID)

	_ = r.send(ipc.MethodTestBegin, ipc.TestBeginParams{
		VariantID:      entry.VariantID,
		WorkerIndex:    r.index,
		Timeout:        mods.Timeout,
		Annotations:    mods.Annotations,
		Skipped:        mods.Skipped,
		Flaky:          mods.Flaky,
		Slow:           mods.Slow,
		ExpectedStatus: mods.ExpectedStatus,
	})

	result := &models.TestResult{
		RetryNumber: entry.RetryNumber,
		WorkerIndex: r.index,
		Stdout:      []models.Chunk{},
		Stderr:      []models.Chunk{},
	}

	switch {
	case mods.Skipped:
		result.Status = models.StatusSkipped
	case r.config.TrialRun:
		result.Status = mods.ExpectedStatus
	default:
		start := time.Now()
		err := r.execute(ctx, run, test, info)
		result.Duration = time.Since(start)
		result.Status = statusOf(err)
		if err != nil && result.Status != models.StatusSkipped {
			result.Error = models.NewTestError(err)
		}
		result.Data = info.Data()
	}

	run.ended[entry.VariantID] = true
	expected := info.ExpectedStatus()
	_ = r.send(ipc.MethodTestEnd, ipc.TestEndParams{
		VariantID:      entry.VariantID,
		Result:         result,
		ExpectedStatus: expected,
		Annotations:    info.Annotations(),
	})

	if result.Status != models.StatusSkipped && result.Status != expected {
		run.failedID = entry.VariantID
	}
}

// execute runs beforeEach hooks outer to inner, the body, afterEach hooks
// inner to outer and finally tears down test-scoped fixtures. All steps share
// the test's time budget. The first error wins.
func (r *Runtime) execute(ctx context.Context, run *payloadRun, test *models.Node, info *models.TestInfo) error {
	arena := run.file.Arena
	ancestors := arena.Ancestors(test.ID)
	start := time.Now()
	remaining := func() time.Duration {
		budget := info.Timeout()
		if budget <= 0 {
			return 0
		}
		left := budget - time.Since(start)
		if left <= 0 {
			return time.Nanosecond
		}
		return left
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, id := range ancestors {
		if firstErr != nil {
			break
		}
		for _, hook := range arena.Node(id).Hooks.BeforeEach {
			record(r.pool.RunWithFixtures(ctx, hook.Fn, hook.Deps, info, remaining()))
			if firstErr != nil {
				break
			}
		}
	}

	if firstErr == nil {
		record(r.pool.RunWithFixtures(ctx, test.Body, test.Deps, info, remaining()))
	}

	for i := len(ancestors) - 1; i >= 0; i-- {
		for _, hook := range arena.Node(ancestors[i]).Hooks.AfterEach {
			budget := remaining()
			if fixtures.IsTimeout(firstErr) {
				budget = info.Timeout()
			}
			record(r.pool.RunWithFixtures(ctx, hook.Fn, hook.Deps, info, budget))
		}
	}

	for _, err := range r.pool.TeardownScope(fixtures.ScopeTest) {
		record(err)
	}
	return firstErr
}

func statusOf(err error) models.TestStatus {
	switch {
	case err == nil:
		return models.StatusPassed
	case models.IsSkip(err):
		return models.StatusSkipped
	case fixtures.IsTimeout(err):
		return models.StatusTimedOut
	default:
		return models.StatusFailed
	}
}
