// Package ipc defines the messages exchanged between the dispatcher and its
// workers and the transports that carry them.
//
// Every message is a method name plus JSON parameters. On a stream the
// messages are written one per line.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harrison/testfleet/internal/models"
)

// Method names a message kind.
type Method string

// Dispatcher to worker
const (
	MethodInit Method = "init"
	MethodRun  Method = "run"
	MethodStop Method = "stop"
)

// Worker to dispatcher
const (
	MethodTestBegin     Method = "testBegin"
	MethodTestStdOut    Method = "testStdOut"
	MethodTestStdErr    Method = "testStdErr"
	MethodTestEnd       Method = "testEnd"
	MethodTeardownError Method = "teardownError"
	MethodDone          Method = "done"
	MethodExit          Method = "exit"
)

// Message is the envelope of every IPC exchange.
type Message struct {
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewMessage encodes params into a message.
func NewMessage(method Method, params any) (Message, error) {
	msg := Message{Method: method}
	if params == nil {
		return msg, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	msg.Params = raw
	return msg, nil
}

// MustMessage is NewMessage for params that always encode.
func MustMessage(method Method, params any) Message {
	msg, err := NewMessage(method, params)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the message parameters into v.
func (m Message) Decode(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", m.Method, err)
	}
	return nil
}

// InitParams configures a freshly started worker.
type InitParams struct {
	WorkerIndex int              `json:"workerIndex"`
	Config      models.RunConfig `json:"config"`
}

// RunParams hands a payload to a worker.
type RunParams struct {
	Payload models.RunPayload `json:"payload"`
	Config  models.RunConfig  `json:"config"`
}

// TestBeginParams carries the attributes a worker computed for a variant
// right before running it.
type TestBeginParams struct {
	VariantID      string              `json:"variantId"`
	WorkerIndex    int                 `json:"workerIndex"`
	Timeout        time.Duration       `json:"timeout"`
	Annotations    []models.Annotation `json:"annotations"`
	Skipped        bool                `json:"skipped"`
	Flaky          bool                `json:"flaky"`
	Slow           bool                `json:"slow"`
	ExpectedStatus models.TestStatus   `json:"expectedStatus"`
}

// OutputParams is one chunk of captured output. VariantID is empty for output
// produced outside a test.
type OutputParams struct {
	VariantID string `json:"variantId,omitempty"`
	Text      string `json:"text,omitempty"`
	Buffer    []byte `json:"buffer,omitempty"`
}

// Chunk returns the output as a models.Chunk.
func (p OutputParams) Chunk() models.Chunk {
	return models.Chunk{Text: p.Text, Buffer: p.Buffer}
}

// TestEndParams reports the result of one attempt together with the
// expectations the test body may have changed while running.
type TestEndParams struct {
	VariantID      string              `json:"variantId"`
	Result         *models.TestResult  `json:"result"`
	ExpectedStatus models.TestStatus   `json:"expectedStatus,omitempty"`
	Annotations    []models.Annotation `json:"annotations,omitempty"`
}

// TeardownErrorParams reports a failure while tearing down worker fixtures.
type TeardownErrorParams struct {
	Error *models.TestError `json:"error"`
}

// DoneParams closes a payload. FailedVariantID is set when the payload stopped
// after an unexpected result; FatalError when the worker can no longer be
// trusted. Remaining lists the entries that never produced a testEnd.
type DoneParams struct {
	FailedVariantID string            `json:"failedVariantId,omitempty"`
	FatalError      *models.TestError `json:"fatalError,omitempty"`
	Remaining       []models.Entry    `json:"remaining"`
}
