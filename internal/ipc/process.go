package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// Worker processes find their channel on these descriptors. ExtraFiles[i]
// becomes fd 3+i in the child.
const (
	WorkerInputFD  = 3
	WorkerOutputFD = 4
)

// EnvWorkerIndex tells a worker process its index.
const EnvWorkerIndex = "TESTFLEET_WORKER_INDEX"

// Process runs a worker as a child process speaking newline-delimited JSON
// over a dedicated pair of pipes. The child's own stdout and stderr are
// forwarded as output messages without a variant.
type Process struct {
	handlers
	path        string
	args        []string
	workerIndex int

	cmd *exec.Cmd
	enc *Encoder
	in  *os.File
}

// NewProcess creates a transport that starts path with args.
func NewProcess(workerIndex int, path string, args ...string) *Process {
	return &Process{path: path, args: args, workerIndex: workerIndex}
}

// WorkerCommand is the hidden subcommand a worker process is started with.
const WorkerCommand = "worker"

// Executable returns the path of the running binary.
func Executable() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return self, nil
}

// OnMessage implements Transport.
func (p *Process) OnMessage(fn func(Message)) { p.setMessage(fn) }

// OnExit implements Transport.
func (p *Process) OnExit(fn func(error)) { p.setExit(fn) }

// Start implements Transport.
func (p *Process) Start(ctx context.Context) error {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create worker pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return fmt.Errorf("create worker pipe: %w", err)
	}

	cmd := exec.Command(p.path, p.args...)
	cmd.Env = append(os.Environ(), EnvWorkerIndex+"="+strconv.Itoa(p.workerIndex))
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}
	cmd.Stdout = &outputForwarder{h: &p.handlers, method: MethodTestStdOut}
	cmd.Stderr = &outputForwarder{h: &p.handlers, method: MethodTestStdErr}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toChildR, toChildW, fromChildR, fromChildW} {
			f.Close()
		}
		return fmt.Errorf("start worker process: %w", err)
	}
	// The child owns its ends now.
	toChildR.Close()
	fromChildW.Close()

	p.cmd = cmd
	p.in = toChildW
	p.enc = NewEncoder(toChildW)

	go p.pump(ctx, fromChildR)
	return nil
}

func (p *Process) pump(ctx context.Context, out *os.File) {
	defer out.Close()
	var waitErr error
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		dec := NewDecoder(out)
		for {
			msg, err := dec.Decode()
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			p.message(msg)
		}
	})
	g.Go(func() error {
		waitErr = p.cmd.Wait()
		return nil
	})
	readErr := g.Wait()
	p.in.Close()
	if waitErr == nil {
		waitErr = readErr
	}
	p.exit(waitErr)
}

// Send implements Transport.
func (p *Process) Send(msg Message) error {
	if p.enc == nil {
		return ErrClosed
	}
	if err := p.enc.Encode(msg); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Terminate implements Transport.
func (p *Process) Terminate() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker process: %w", err)
	}
	return nil
}

// Pid returns the child's process id, or 0 before Start.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// outputForwarder turns raw child output into output messages.
type outputForwarder struct {
	h      *handlers
	method Method
}

func (w *outputForwarder) Write(b []byte) (int, error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	w.h.message(MustMessage(w.method, OutputParams{Buffer: buf}))
	return len(b), nil
}

// OpenWorkerPeer opens the channel a worker process was started with.
func OpenWorkerPeer() (*StreamPeer, io.Closer, error) {
	in := os.NewFile(WorkerInputFD, "ipc-in")
	out := os.NewFile(WorkerOutputFD, "ipc-out")
	if in == nil || out == nil {
		return nil, nil, fmt.Errorf("worker channel descriptors %d/%d are not open", WorkerInputFD, WorkerOutputFD)
	}
	return NewStreamPeer(in, out), closers{in, out}, nil
}

// WorkerIndexFromEnv returns the index passed by the dispatcher, or 0.
func WorkerIndexFromEnv() int {
	n, _ := strconv.Atoi(os.Getenv(EnvWorkerIndex))
	return n
}

type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, cl := range c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
