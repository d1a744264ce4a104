package models

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Values holds resolved fixture values keyed by fixture name.
type Values map[string]any

// Get returns the value for name, or nil.
func (v Values) Get(name string) any {
	return v[name]
}

// String returns the value for name if it is a string.
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Modifier adjusts a variant's expectations for a given configuration. It
// runs once per variant before the first hook.
type Modifier func(m *TestModifiers, params Values)

// TestModifiers collects what modifiers decided about a variant.
type TestModifiers struct {
	Skipped        bool
	Flaky          bool
	Slow           bool
	ExpectedStatus TestStatus
	Timeout        time.Duration
	Annotations    []Annotation
}

// Skip marks the variant skipped when cond holds.
func (m *TestModifiers) Skip(cond bool, description string) {
	if !cond {
		return
	}
	m.Skipped = true
	m.Annotations = append(m.Annotations, Annotation{Type: "skip", Description: description})
}

// Fixme is Skip with a fixme annotation.
func (m *TestModifiers) Fixme(cond bool, description string) {
	if !cond {
		return
	}
	m.Skipped = true
	m.Annotations = append(m.Annotations, Annotation{Type: "fixme", Description: description})
}

// Fail declares that the variant is expected to fail when cond holds.
func (m *TestModifiers) Fail(cond bool, description string) {
	if !cond {
		return
	}
	m.ExpectedStatus = StatusFailed
	m.Annotations = append(m.Annotations, Annotation{Type: "fail", Description: description})
}

// Flake allows the variant to pass if any attempt matches its expectation.
func (m *TestModifiers) Flake(cond bool, description string) {
	if !cond {
		return
	}
	m.Flaky = true
	m.Annotations = append(m.Annotations, Annotation{Type: "flaky", Description: description})
}

// MarkSlow triples the variant's timeout when cond holds.
func (m *TestModifiers) MarkSlow(cond bool, description string) {
	if !cond {
		return
	}
	m.Slow = true
	m.Timeout *= 3
	m.Annotations = append(m.Annotations, Annotation{Type: "slow", Description: description})
}

// Annotate attaches a free-form annotation.
func (m *TestModifiers) Annotate(typ string) {
	m.Annotations = append(m.Annotations, Annotation{Type: typ})
}

// SetTimeout overrides the variant's timeout.
func (m *TestModifiers) SetTimeout(d time.Duration) {
	m.Timeout = d
}

// ApplyModifiers evaluates node's modifiers for params, starting from the
// node's own skip flag and the given default timeout.
func ApplyModifiers(n *Node, params Values, defaultTimeout time.Duration) TestModifiers {
	m := TestModifiers{ExpectedStatus: StatusPassed, Timeout: defaultTimeout}
	if n.Timeout > 0 {
		m.Timeout = n.Timeout
	}
	if n.Skipped {
		m.Skipped = true
	}
	for _, mod := range n.Modifiers {
		mod(&m, params)
	}
	return m
}

// SkipError is returned by TestInfo.Skip to end a test as skipped.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skipped: %s", e.Reason)
}

// IsSkip reports whether err asks for the test to be recorded as skipped.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

// TestInfo is handed to every test body and hook. The worker fills in the
// identity fields and output writers before the call.
type TestInfo struct {
	Title         string
	TitlePath     string
	File          string
	VariantID     string
	RetryNumber   int
	RepeatIndex   int
	WorkerIndex   int
	Configuration Configuration
	OutputDir     string
	Stdout        io.Writer
	Stderr        io.Writer

	mu             sync.Mutex
	expectedStatus TestStatus
	timeout        time.Duration
	annotations    []Annotation
	data           map[string]any
}

// NewTestInfo creates a TestInfo with the variant's computed expectations.
func NewTestInfo(expected TestStatus, timeout time.Duration, annotations []Annotation) *TestInfo {
	return &TestInfo{
		Stdout:         io.Discard,
		Stderr:         io.Discard,
		expectedStatus: expected,
		timeout:        timeout,
		annotations:    append([]Annotation(nil), annotations...),
		data:           map[string]any{},
	}
}

// Skip ends the test as skipped. Use as `return t.Skip("reason")`.
func (t *TestInfo) Skip(reason string) error {
	t.Annotate("skip", reason)
	return &SkipError{Reason: reason}
}

// Annotate appends an annotation to the running attempt.
func (t *TestInfo) Annotate(typ, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.annotations = append(t.annotations, Annotation{Type: typ, Description: description})
}

// Annotations returns a copy of the annotations recorded so far.
func (t *TestInfo) Annotations() []Annotation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Annotation(nil), t.annotations...)
}

// Fail declares that the running attempt is expected to fail.
func (t *TestInfo) Fail(description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expectedStatus = StatusFailed
	t.annotations = append(t.annotations, Annotation{Type: "fail", Description: description})
}

// Slow triples the remaining time budget of the attempt.
func (t *TestInfo) Slow(description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout *= 3
	t.annotations = append(t.annotations, Annotation{Type: "slow", Description: description})
}

// SetTimeout replaces the time budget of the attempt. Only steps that start
// after the call observe the new value.
func (t *TestInfo) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// ExpectedStatus returns the status the attempt should end with.
func (t *TestInfo) ExpectedStatus() TestStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expectedStatus
}

// Timeout returns the current timeout budget of the attempt.
func (t *TestInfo) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// SetData stores an arbitrary value on the result.
func (t *TestInfo) SetData(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[key] = value
}

// Data returns a copy of the stored result data.
func (t *TestInfo) Data() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.data))
	for k, v := range t.data {
		out[k] = v
	}
	return out
}

// Logf writes a formatted line to the test's stdout.
func (t *TestInfo) Logf(format string, args ...any) {
	fmt.Fprintf(t.Stdout, format+"\n", args...)
}
