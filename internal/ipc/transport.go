package ipc

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Transport is the dispatcher's end of a worker connection. Handlers must be
// registered before Start and may be called from several goroutines.
type Transport interface {
	Start(ctx context.Context) error
	Send(msg Message) error
	OnMessage(fn func(msg Message))
	// OnExit is called exactly once when the worker is gone. err is nil for a
	// clean exit.
	OnExit(fn func(err error))
	Terminate() error
}

// Factory creates the transport for a new worker.
type Factory func(workerIndex int) Transport

// ServeFunc runs a worker loop against peer until the peer closes or ctx ends.
type ServeFunc func(ctx context.Context, peer Peer) error

// ErrTerminated is reported to OnExit when a worker was terminated.
var ErrTerminated = errors.New("ipc: worker terminated")

// handlers holds the registered callbacks of a transport.
type handlers struct {
	mu        sync.Mutex
	onMessage func(Message)
	onExit    func(error)
	exited    bool
}

func (h *handlers) setMessage(fn func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

func (h *handlers) setExit(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExit = fn
}

func (h *handlers) message(msg Message) {
	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (h *handlers) exit(err error) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	fn := h.onExit
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// InProcess runs a worker loop on a goroutine and connects to it through
// channels. Workers share the address space, so it is meant for debugging and
// tests; a hung test body cannot be killed.
type InProcess struct {
	handlers
	serve    ServeFunc
	toWorker chan Message
	closed   chan struct{}
	once     sync.Once
	cancel   context.CancelFunc
}

// NewInProcess creates a transport that runs serve on Start.
func NewInProcess(serve ServeFunc) *InProcess {
	return &InProcess{
		serve:    serve,
		toWorker: make(chan Message, 16),
		closed:   make(chan struct{}),
	}
}

// OnMessage implements Transport.
func (t *InProcess) OnMessage(fn func(Message)) { t.setMessage(fn) }

// OnExit implements Transport.
func (t *InProcess) OnExit(fn func(error)) { t.setExit(fn) }

// Start implements Transport.
func (t *InProcess) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	peer := &chanPeer{t: t, ctx: ctx}
	go func() {
		err := t.serve(ctx, peer)
		t.close()
		select {
		case <-ctx.Done():
			if err == nil {
				err = ErrTerminated
			}
		default:
		}
		t.exit(err)
	}()
	return nil
}

// Send implements Transport.
func (t *InProcess) Send(msg Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.toWorker <- msg:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

// Terminate implements Transport.
func (t *InProcess) Terminate() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.close()
	return nil
}

func (t *InProcess) close() {
	t.once.Do(func() { close(t.closed) })
}

type chanPeer struct {
	t   *InProcess
	ctx context.Context
}

func (p *chanPeer) Send(msg Message) error {
	select {
	case <-p.t.closed:
		return ErrClosed
	default:
	}
	p.t.message(msg)
	return nil
}

func (p *chanPeer) Recv() (Message, error) {
	select {
	case msg := <-p.t.toWorker:
		return msg, nil
	case <-p.t.closed:
		return Message{}, io.EOF
	case <-p.ctx.Done():
		return Message{}, io.EOF
	}
}
