package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/testfleet/internal/models"
)

type recorder struct {
	mu       sync.Mutex
	messages []Message
	exited   chan error
}

func newRecorder(t Transport) *recorder {
	r := &recorder{exited: make(chan error, 1)}
	t.OnMessage(func(msg Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, msg)
	})
	t.OnExit(func(err error) { r.exited <- err })
	return r
}

func (r *recorder) methods() []Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Method
	for _, m := range r.messages {
		out = append(out, m.Method)
	}
	return out
}

func (r *recorder) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.exited:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

// echo answers every message with a testEnd naming its method and leaves on
// stop.
func echo(ctx context.Context, peer Peer) error {
	for {
		msg, err := peer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Method == MethodStop {
			return peer.Send(MustMessage(MethodExit, nil))
		}
		if err := peer.Send(MustMessage(MethodTestEnd, TestEndParams{VariantID: string(msg.Method)})); err != nil {
			return err
		}
	}
}

func TestStream_RoundTripKeepsBinaryChunks(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(MustMessage(MethodTestStdOut, OutputParams{VariantID: "0@a::[]", Buffer: []byte{0, 1, 0xff}})))
	require.NoError(t, enc.Encode(MustMessage(MethodStop, nil)))

	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")), "one message per line")

	dec := NewDecoder(&buf)
	msg, err := dec.Decode()
	require.NoError(t, err)
	var out OutputParams
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, []byte{0, 1, 0xff}, out.Chunk().Buffer)
	assert.Equal(t, "0@a::[]", out.VariantID)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, MethodStop, msg.Method)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMessage_DoneParams(t *testing.T) {
	msg := MustMessage(MethodDone, DoneParams{
		FatalError: &models.TestError{Message: "boom"},
		Remaining:  []models.Entry{{VariantID: "1@a::[]", RetryNumber: 1}},
	})

	var done DoneParams
	require.NoError(t, msg.Decode(&done))
	assert.Equal(t, "boom", done.FatalError.Message)
	assert.Equal(t, []models.Entry{{VariantID: "1@a::[]", RetryNumber: 1}}, done.Remaining)
	assert.Empty(t, done.FailedVariantID)

	assert.Error(t, Message{Method: MethodDone, Params: []byte("{")}.Decode(&done))
}

func TestInProcess_Exchange(t *testing.T) {
	tr := NewInProcess(echo)
	rec := newRecorder(tr)
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Send(MustMessage(MethodInit, InitParams{WorkerIndex: 2})))
	require.NoError(t, tr.Send(MustMessage(MethodStop, nil)))

	assert.NoError(t, rec.waitExit(t))
	assert.Equal(t, []Method{MethodTestEnd, MethodExit}, rec.methods())
	assert.ErrorIs(t, tr.Send(MustMessage(MethodRun, nil)), ErrClosed)
}

func TestInProcess_Terminate(t *testing.T) {
	tr := NewInProcess(func(ctx context.Context, peer Peer) error {
		<-ctx.Done()
		return nil
	})
	rec := newRecorder(tr)
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Terminate())
	assert.ErrorIs(t, rec.waitExit(t), ErrTerminated)
}

// TestHelperWorkerProcess is not a real test: it is the child side of
// TestProcess_Exchange.
func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv("TESTFLEET_IPC_HELPER") != "1" {
		return
	}
	peer, closer, err := OpenWorkerPeer()
	if err != nil {
		os.Exit(2)
	}
	defer closer.Close()
	fmt.Println("hello from worker")
	if err := echo(context.Background(), peer); err != nil {
		os.Exit(3)
	}
	os.Exit(0)
}

func TestProcess_Exchange(t *testing.T) {
	t.Setenv("TESTFLEET_IPC_HELPER", "1")
	tr := NewProcess(1, os.Args[0], "-test.run=^TestHelperWorkerProcess$")
	rec := newRecorder(tr)
	require.NoError(t, tr.Start(context.Background()))
	assert.NotZero(t, tr.Pid())

	require.NoError(t, tr.Send(MustMessage(MethodRun, RunParams{})))
	require.NoError(t, tr.Send(MustMessage(MethodStop, nil)))

	require.NoError(t, rec.waitExit(t))

	methods := rec.methods()
	assert.Contains(t, methods, MethodTestEnd)
	assert.Contains(t, methods, MethodExit)
	assert.Contains(t, methods, MethodTestStdOut, "child stdout is forwarded")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var stdout string
	for _, msg := range rec.messages {
		if msg.Method != MethodTestStdOut {
			continue
		}
		var out OutputParams
		require.NoError(t, msg.Decode(&out))
		assert.Empty(t, out.VariantID)
		stdout += out.Chunk().String()
	}
	assert.Contains(t, stdout, "hello from worker")
}
