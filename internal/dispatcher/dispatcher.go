// Package dispatcher schedules run payloads onto a bounded pool of workers.
//
// All scheduling state is owned by the goroutine calling Run (and later
// Stop). Transports deliver worker messages from their own goroutines; they
// only post events into a channel which that goroutine drains.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/ipc"
	"github.com/harrison/testfleet/internal/metrics"
	"github.com/harrison/testfleet/internal/models"
	"github.com/harrison/testfleet/internal/reporter"
)

// DefaultStopTimeout bounds how long Stop waits for workers to exit.
const DefaultStopTimeout = 10 * time.Second

// Worker stop reasons recorded in metrics.
const (
	stopRetired  = "retired"
	stopCrashed  = "crashed"
	stopShutdown = "shutdown"
)

// Logger is the logging surface the dispatcher needs.
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

// Options configure a Dispatcher.
type Options struct {
	Config   models.RunConfig
	Factory  ipc.Factory
	Reporter reporter.Reporter
	Logger   Logger
	// StopTimeout bounds the graceful part of Stop. Zero means
	// DefaultStopTimeout.
	StopTimeout time.Duration
}

// Dispatcher runs payloads on workers created by a transport factory.
type Dispatcher struct {
	cfg         models.RunConfig
	factory     ipc.Factory
	reporter    reporter.Reporter
	logger      Logger
	stopTimeout time.Duration

	queue     []*models.RunPayload
	variants  map[string]*models.TestVariant
	scheduled []*models.TestVariant

	workers   []*workerHandle
	retiring  []*workerHandle
	nextIndex int
	spawned   int

	workerErrors bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	closed chan struct{}
}

type workerHandle struct {
	index     int
	transport ipc.Transport
	hash      string

	payload *models.RunPayload
	begun   map[string]bool
	ended   map[string]bool
	stdout  map[string][]models.Chunk
	stderr  map[string][]models.Chunk

	exitCh chan struct{}
	exited bool
}

type event struct {
	worker *workerHandle
	msg    ipc.Message
	exit   bool
	err    error
}

// New creates a dispatcher for the payloads of res. The configured shard is
// applied here; the queue is then stable-sorted by worker hash so that
// payloads able to share a worker run back to back.
func New(res *generator.Result, opts Options) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:         opts.Config,
		factory:     opts.Factory,
		reporter:    opts.Reporter,
		logger:      opts.Logger,
		stopTimeout: opts.StopTimeout,
		variants:    res.VariantByID(),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan event, 64),
		closed:      make(chan struct{}),
	}
	if d.reporter == nil {
		d.reporter = reporter.Base{}
	}
	if d.logger == nil {
		d.logger = nopLogger{}
	}
	if d.stopTimeout <= 0 {
		d.stopTimeout = DefaultStopTimeout
	}
	if d.cfg.Jobs < 1 {
		d.cfg.Jobs = 1
	}

	d.queue = Shard(res.Payloads, d.cfg.Shard)
	sort.SliceStable(d.queue, func(i, j int) bool {
		return d.queue[i].WorkerHash < d.queue[j].WorkerHash
	})
	for _, p := range d.queue {
		for _, e := range p.Entries {
			if v, ok := d.variants[e.VariantID]; ok {
				d.scheduled = append(d.scheduled, v)
			}
		}
	}
	return d
}

// Scheduled returns the variants this dispatcher is going to run, in queue
// order.
func (d *Dispatcher) Scheduled() []*models.TestVariant {
	return d.scheduled
}

// Queue returns the pending payloads.
func (d *Dispatcher) Queue() []*models.RunPayload {
	return d.queue
}

// HadWorkerErrors reports whether any worker failed to tear down cleanly.
func (d *Dispatcher) HadWorkerErrors() bool {
	return d.workerErrors
}

// Spawned returns the number of workers started so far.
func (d *Dispatcher) Spawned() int {
	return d.spawned
}

// Run drains the queue. It returns when every payload has completed or ctx
// is done. Workers stay alive afterwards; call Stop to shut them down.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.schedule()
		if len(d.queue) == 0 && d.busy() == 0 {
			return nil
		}
		select {
		case ev := <-d.events:
			d.handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) busy() int {
	n := 0
	for _, w := range d.workers {
		if w.payload != nil {
			n++
		}
	}
	return n
}

// schedule hands queued payloads to workers until the queue is empty or no
// worker can take the next payload.
func (d *Dispatcher) schedule() {
	for len(d.queue) > 0 {
		payload := d.queue[0]
		w, err := d.obtainWorker(payload.WorkerHash)
		if err != nil {
			d.queue = d.queue[1:]
			d.failEntries(nil, payload, payload.Entries, err)
			continue
		}
		if w == nil {
			return
		}
		d.queue = d.queue[1:]
		d.dispatch(w, payload)
	}
}

// obtainWorker returns a free worker for hash. It reuses a matching free
// worker, spawns one while below the job limit, or replaces a mismatched
// free worker. A nil worker means every slot is busy.
func (d *Dispatcher) obtainWorker(hash string) (*workerHandle, error) {
	var mismatched *workerHandle
	for _, w := range d.workers {
		if w.payload != nil {
			continue
		}
		if w.hash == hash {
			return w, nil
		}
		if mismatched == nil {
			mismatched = w
		}
	}
	if len(d.workers) < d.cfg.Jobs {
		return d.spawn(hash)
	}
	if mismatched != nil {
		d.logger.Debugf("Worker %d: affinity changed, replacing", mismatched.index)
		d.retire(mismatched)
		return d.spawn(hash)
	}
	return nil, nil
}

func (d *Dispatcher) spawn(hash string) (*workerHandle, error) {
	index := d.nextIndex
	d.nextIndex++

	w := &workerHandle{
		index:     index,
		transport: d.factory(index),
		hash:      hash,
		exitCh:    make(chan struct{}),
	}
	w.transport.OnMessage(func(msg ipc.Message) {
		d.post(event{worker: w, msg: msg})
	})
	w.transport.OnExit(func(err error) {
		close(w.exitCh)
		d.post(event{worker: w, exit: true, err: err})
	})

	if err := w.transport.Start(d.ctx); err != nil {
		metrics.RecordError("spawn", err)
		return nil, NewWorkerError(index, msgStartFailed, err)
	}
	params := ipc.InitParams{WorkerIndex: index, Config: d.cfg}
	if err := w.transport.Send(ipc.MustMessage(ipc.MethodInit, params)); err != nil {
		_ = w.transport.Terminate()
		metrics.RecordError("spawn", err)
		return nil, NewWorkerError(index, msgStartFailed, err)
	}

	d.spawned++
	d.workers = append(d.workers, w)
	metrics.RecordWorkerSpawned()
	d.logger.Debugf("Worker %d: started", index)
	return w, nil
}

// post delivers an event to the control goroutine. Events arriving after
// Stop has finished are dropped.
func (d *Dispatcher) post(ev event) {
	select {
	case d.events <- ev:
	case <-d.closed:
	}
}

func (d *Dispatcher) dispatch(w *workerHandle, payload *models.RunPayload) {
	w.hash = payload.WorkerHash
	w.payload = payload
	w.begun = make(map[string]bool)
	w.ended = make(map[string]bool)
	w.stdout = make(map[string][]models.Chunk)
	w.stderr = make(map[string][]models.Chunk)

	metrics.RecordPayloadDispatched()
	d.logger.Debugf("Worker %d: running %d entries of %s", w.index, len(payload.Entries), payload.File)

	run := ipc.RunParams{Payload: *payload, Config: d.cfg}
	msg, err := ipc.NewMessage(ipc.MethodRun, run)
	if err == nil {
		err = w.transport.Send(msg)
	}
	if err != nil {
		d.completePayload(w, ipc.DoneParams{
			FatalError: models.NewTestError(NewWorkerError(w.index, msgSendFailed, err)),
			Remaining:  d.unfinished(w),
		})
	}
}

// retire removes w from the pool and asks it to shut down gracefully.
func (d *Dispatcher) retire(w *workerHandle) {
	d.removeWorker(w)
	if w.exited {
		return
	}
	d.retiring = append(d.retiring, w)
	if err := w.transport.Send(ipc.MustMessage(ipc.MethodStop, nil)); err != nil {
		_ = w.transport.Terminate()
	}
}

func (d *Dispatcher) removeWorker(w *workerHandle) {
	for i, other := range d.workers {
		if other == w {
			d.workers = append(d.workers[:i], d.workers[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) removeRetiring(w *workerHandle) bool {
	for i, other := range d.retiring {
		if other == w {
			d.retiring = append(d.retiring[:i], d.retiring[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) handle(ev event) {
	w := ev.worker
	if ev.exit {
		d.handleExit(w, ev.err)
		return
	}
	if ev.msg.Method == ipc.MethodTeardownError {
		d.handleTeardownError(w, ev.msg)
		return
	}
	if w.payload == nil && ev.msg.Method != ipc.MethodTestStdOut && ev.msg.Method != ipc.MethodTestStdErr {
		d.logger.Debugf("Worker %d: ignoring %s outside a payload", w.index, ev.msg.Method)
		return
	}

	var err error
	switch ev.msg.Method {
	case ipc.MethodTestBegin:
		err = d.handleTestBegin(w, ev.msg)
	case ipc.MethodTestStdOut, ipc.MethodTestStdErr:
		err = d.handleOutput(w, ev.msg)
	case ipc.MethodTestEnd:
		err = d.handleTestEnd(w, ev.msg)
	case ipc.MethodDone:
		var p ipc.DoneParams
		if err = ev.msg.Decode(&p); err == nil {
			d.completePayload(w, p)
		}
	case ipc.MethodExit:
		d.logger.Debugf("Worker %d: exiting", w.index)
	default:
		d.logger.Warnf("Worker %d: unexpected message %q", w.index, ev.msg.Method)
	}
	if err != nil {
		d.logger.Errorf("Worker %d: %v", w.index, err)
		metrics.RecordError("protocol", err)
	}
}

func (d *Dispatcher) handleExit(w *workerHandle, err error) {
	w.exited = true
	if d.removeRetiring(w) {
		metrics.RecordWorkerStopped(stopRetired)
		d.logger.Debugf("Worker %d: stopped", w.index)
		return
	}
	metrics.RecordWorkerStopped(stopCrashed)
	if w.payload == nil {
		d.removeWorker(w)
		if err != nil {
			d.logger.Warnf("Worker %d: exited while idle: %v", w.index, err)
		}
		return
	}
	crash := NewWorkerError(w.index, msgUnexpectedExit, err)
	metrics.RecordError("worker", crash)
	d.logger.Errorf("%v", crash)
	d.completePayload(w, ipc.DoneParams{
		FatalError: models.NewTestError(crash),
		Remaining:  d.unfinished(w),
	})
}

func (d *Dispatcher) handleTeardownError(w *workerHandle, msg ipc.Message) {
	var p ipc.TeardownErrorParams
	if err := msg.Decode(&p); err != nil {
		d.logger.Errorf("Worker %d: %v", w.index, err)
		return
	}
	d.workerErrors = true
	if p.Error != nil {
		d.logger.Errorf("Worker %d: teardown failed: %v", w.index, p.Error)
		metrics.RecordError("teardown", p.Error)
	}
}

func (d *Dispatcher) lookup(id string) (*models.TestVariant, error) {
	v, ok := d.variants[id]
	if !ok {
		return nil, fmt.Errorf("unknown variant %q", id)
	}
	return v, nil
}

func (d *Dispatcher) handleTestBegin(w *workerHandle, msg ipc.Message) error {
	var p ipc.TestBeginParams
	if err := msg.Decode(&p); err != nil {
		return err
	}
	v, err := d.lookup(p.VariantID)
	if err != nil {
		return err
	}
	v.Timeout = p.Timeout
	if len(v.Results) == 0 {
		v.Annotations = p.Annotations
	}
	v.Skipped = p.Skipped
	v.Flaky = p.Flaky
	v.Slow = p.Slow
	v.ExpectedStatus = p.ExpectedStatus
	w.begun[v.ID] = true
	d.reporter.OnTestBegin(v)
	return nil
}

func (d *Dispatcher) handleOutput(w *workerHandle, msg ipc.Message) error {
	var p ipc.OutputParams
	if err := msg.Decode(&p); err != nil {
		return err
	}
	chunk := p.Chunk()
	var v *models.TestVariant
	if p.VariantID != "" {
		var err error
		if v, err = d.lookup(p.VariantID); err != nil {
			return err
		}
		if w.payload != nil {
			if msg.Method == ipc.MethodTestStdOut {
				w.stdout[v.ID] = append(w.stdout[v.ID], chunk)
			} else {
				w.stderr[v.ID] = append(w.stderr[v.ID], chunk)
			}
		}
	}
	if msg.Method == ipc.MethodTestStdOut {
		d.reporter.OnStdOut(v, chunk)
	} else {
		d.reporter.OnStdErr(v, chunk)
	}
	return nil
}

func (d *Dispatcher) handleTestEnd(w *workerHandle, msg ipc.Message) error {
	var p ipc.TestEndParams
	if err := msg.Decode(&p); err != nil {
		return err
	}
	v, err := d.lookup(p.VariantID)
	if err != nil {
		return err
	}
	if p.Result == nil {
		return fmt.Errorf("testEnd for %s carries no result", p.VariantID)
	}
	if p.ExpectedStatus != "" {
		v.ExpectedStatus = p.ExpectedStatus
	}
	if p.Annotations != nil && len(v.Results) == 0 {
		v.Annotations = p.Annotations
	}
	result := p.Result
	result.Stdout = append(w.stdout[v.ID], result.Stdout...)
	result.Stderr = append(w.stderr[v.ID], result.Stderr...)
	if result.Stdout == nil {
		result.Stdout = []models.Chunk{}
	}
	if result.Stderr == nil {
		result.Stderr = []models.Chunk{}
	}
	delete(w.stdout, v.ID)
	delete(w.stderr, v.ID)

	w.ended[v.ID] = true
	v.Results = append(v.Results, result)
	metrics.RecordResult(string(result.Status))
	d.reporter.OnTestEnd(v, result)
	return nil
}

// unfinished lists the entries of w's payload without a testEnd.
func (d *Dispatcher) unfinished(w *workerHandle) []models.Entry {
	var out []models.Entry
	for _, e := range w.payload.Entries {
		if !w.ended[e.VariantID] {
			out = append(out, e)
		}
	}
	return out
}

// completePayload closes the payload in flight on w. A clean done releases
// the worker. Anything else discards it: fatal errors fail the remaining
// entries for good, a failed entry with retries left is queued again at the
// front together with the entries the worker never reached.
func (d *Dispatcher) completePayload(w *workerHandle, done ipc.DoneParams) {
	payload := w.payload
	w.payload = nil
	if payload == nil {
		return
	}
	if done.FatalError == nil && done.FailedVariantID == "" && len(done.Remaining) == 0 {
		return
	}

	remaining := done.Remaining
	if done.FatalError != nil {
		// Entries failed by a fatal error are not attempted again.
		d.failEntries(w, payload, remaining, done.FatalError)
		remaining = nil
	}
	var candidates []string
	if done.FailedVariantID != "" {
		candidates = append(candidates, done.FailedVariantID)
	}

	var entries []models.Entry
	for _, id := range candidates {
		v, ok := d.variants[id]
		if !ok {
			continue
		}
		if len(v.Results) < d.cfg.Retries+1 && v.ExpectedStatus == models.StatusPassed {
			entries = append(entries, models.Entry{VariantID: id, RetryNumber: len(v.Results)})
			metrics.RecordRetry()
			d.logger.Debugf("Retrying %s (retry #%d)", id, len(v.Results))
		}
	}
	entries = append(entries, remaining...)
	if len(entries) > 0 {
		next := *payload
		next.Entries = entries
		d.queue = append([]*models.RunPayload{&next}, d.queue...)
	}

	if !w.exited {
		d.retire(w)
	} else {
		d.removeWorker(w)
	}
}

// failEntries records a failed result carrying cause for every entry. w is
// nil when the payload never reached a worker.
func (d *Dispatcher) failEntries(w *workerHandle, payload *models.RunPayload, entries []models.Entry, cause error) {
	index := -1
	if w != nil {
		index = w.index
	}
	testErr := models.NewTestError(cause)
	for _, e := range entries {
		v, ok := d.variants[e.VariantID]
		if !ok {
			continue
		}
		if w == nil || !w.begun[e.VariantID] {
			d.reporter.OnTestBegin(v)
		}
		result := &models.TestResult{
			RetryNumber: e.RetryNumber,
			WorkerIndex: index,
			Status:      models.StatusFailed,
			Error:       testErr,
			Stdout:      []models.Chunk{},
			Stderr:      []models.Chunk{},
		}
		if w != nil {
			result.Stdout = append(result.Stdout, w.stdout[e.VariantID]...)
			result.Stderr = append(result.Stderr, w.stderr[e.VariantID]...)
		}
		v.Results = append(v.Results, result)
		metrics.RecordResult(string(result.Status))
		d.reporter.OnTestEnd(v, result)
	}
	d.logger.Debugf("Failed %d entries of %s: %v", len(entries), payload.File, cause)
}

// Stop asks every worker to shut down and waits for them to exit. Workers
// still running after the stop timeout are terminated. Stop must not be
// called concurrently with Run, and the dispatcher cannot be run again
// afterwards.
func (d *Dispatcher) Stop() error {
	for _, w := range append([]*workerHandle(nil), d.workers...) {
		d.retire(w)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.stopTimeout)
	defer cancel()

	var g errgroup.Group
	for _, w := range d.retiring {
		w := w
		g.Go(func() error {
			select {
			case <-w.exitCh:
				return nil
			case <-ctx.Done():
				d.logger.Warnf("Worker %d: did not stop within %s, terminating", w.index, d.stopTimeout)
				if err := w.transport.Terminate(); err != nil {
					return fmt.Errorf("terminate worker %d: %w", w.index, err)
				}
				return nil
			}
		})
	}

	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	for {
		select {
		case ev := <-d.events:
			d.handleStopping(ev)
		case err := <-waited:
			close(d.closed)
			d.cancel()
			return err
		}
	}
}

// handleStopping processes events while shutting down. Test messages from
// interrupted payloads are dropped.
func (d *Dispatcher) handleStopping(ev event) {
	w := ev.worker
	switch {
	case ev.exit:
		w.exited = true
		d.removeRetiring(w)
		metrics.RecordWorkerStopped(stopShutdown)
		if ev.err != nil && !errors.Is(ev.err, ipc.ErrTerminated) {
			d.logger.Debugf("Worker %d: exited: %v", w.index, ev.err)
		}
	case ev.msg.Method == ipc.MethodTeardownError:
		d.handleTeardownError(w, ev.msg)
	default:
		d.logger.Debugf("Worker %d: dropping %s during shutdown", w.index, ev.msg.Method)
	}
}
