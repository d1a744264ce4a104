package dispatcher

import (
	"fmt"
	"strings"
	"time"
)

// WorkerError describes a worker that failed outside any test boundary: it
// crashed, could not be started or reported a fatal error.
type WorkerError struct {
	WorkerIndex int       // Index of the worker that failed
	Message     string    // Human-readable error message
	Err         error     // Underlying error (optional)
	Timestamp   time.Time // When the error occurred
}

// NewWorkerError creates a new WorkerError with the current timestamp.
func NewWorkerError(index int, msg string, err error) *WorkerError {
	return &WorkerError{
		WorkerIndex: index,
		Message:     msg,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// Error implements the error interface for WorkerError.
func (e *WorkerError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("worker %d: %s", e.WorkerIndex, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Messages used for worker errors.
const (
	msgUnexpectedExit = "worker process exited unexpectedly"
	msgStartFailed    = "failed to start worker"
	msgSendFailed     = "failed to send payload"
)
