package models

import (
	"fmt"
	"strings"
	"time"
)

// TestStatus is the outcome of a single attempt.
type TestStatus string

// Attempt statuses
const (
	StatusPassed   TestStatus = "passed"
	StatusFailed   TestStatus = "failed"
	StatusTimedOut TestStatus = "timedOut"
	StatusSkipped  TestStatus = "skipped"
)

// Outcome summarizes all attempts of a variant.
type Outcome string

// Variant outcomes
const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeExpected   Outcome = "expected"
	OutcomeUnexpected Outcome = "unexpected"
	OutcomeFlaky      Outcome = "flaky"
)

// Param is one matrix parameter bound to a concrete value.
type Param struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Configuration is an ordered point in the parameter matrix.
type Configuration []Param

// String renders the configuration as name=value pairs. The result is used as
// the configuration hash inside variant ids, so it must stay deterministic.
func (c Configuration) String() string {
	parts := make([]string, 0, len(c))
	for _, p := range c {
		parts = append(parts, fmt.Sprintf("%s=%v", p.Name, p.Value))
	}
	return strings.Join(parts, ",")
}

// Values converts the configuration into a lookup map.
func (c Configuration) Values() Values {
	v := make(Values, len(c))
	for _, p := range c {
		v[p.Name] = p.Value
	}
	return v
}

// Annotation is a typed note attached to a variant by a modifier or test body.
type Annotation struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Chunk is a piece of captured output. Exactly one of Text or Buffer is set.
type Chunk struct {
	Text   string `json:"text,omitempty"`
	Buffer []byte `json:"buffer,omitempty"`
}

// String returns the chunk content regardless of its encoding.
func (c Chunk) String() string {
	if c.Buffer != nil {
		return string(c.Buffer)
	}
	return c.Text
}

// TestError is the serializable form of an error raised by a test, hook or
// fixture.
type TestError struct {
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Error implements the error interface.
func (e *TestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Value
}

// NewTestError converts err into a TestError. Nil stays nil.
func NewTestError(err error) *TestError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TestError); ok {
		return te
	}
	return &TestError{Message: err.Error()}
}

// TestResult records one attempt of a variant.
type TestResult struct {
	RetryNumber int            `json:"retry"`
	WorkerIndex int            `json:"workerIndex"`
	Status      TestStatus     `json:"status"`
	Duration    time.Duration  `json:"duration"`
	Error       *TestError     `json:"error,omitempty"`
	Stdout      []Chunk        `json:"stdout"`
	Stderr      []Chunk        `json:"stderr"`
	Data        map[string]any `json:"data,omitempty"`
}

// TestVariant is one fully parameterized instantiation of a declared test.
type TestVariant struct {
	ID                string        `json:"id"`
	File              string        `json:"file"`
	Title             string        `json:"title"`
	TitlePath         string        `json:"titlePath"`
	Location          string        `json:"location"`
	Ordinal           int           `json:"ordinal"`
	Configuration     Configuration `json:"configuration"`
	ConfigurationHash string        `json:"configurationHash"`
	WorkerHash        string        `json:"workerHash"`
	RepeatIndex       int           `json:"repeatIndex"`
	ExpectedStatus    TestStatus    `json:"expectedStatus"`
	Skipped           bool          `json:"skipped"`
	Flaky             bool          `json:"flaky"`
	Slow              bool          `json:"slow"`
	Timeout           time.Duration `json:"timeout"`
	Annotations       []Annotation  `json:"annotations"`
	Results           []*TestResult `json:"results"`
}

// VariantID builds the run-unique identifier of a variant.
func VariantID(ordinal int, file, configurationHash string) string {
	return fmt.Sprintf("%d@%s::[%s]", ordinal, file, configurationHash)
}

// Outcome folds every recorded attempt into a single verdict.
func (v *TestVariant) Outcome() Outcome {
	if v.Skipped || len(v.Results) == 0 {
		return OutcomeSkipped
	}
	if len(v.Results) == 1 && v.Results[0].Status == StatusSkipped {
		return OutcomeSkipped
	}
	if len(v.Results) == 1 && v.Results[0].Status == v.ExpectedStatus {
		return OutcomeExpected
	}
	matched := false
	for _, r := range v.Results {
		if r.Status == v.ExpectedStatus {
			matched = true
		}
	}
	if !matched {
		return OutcomeUnexpected
	}
	last := v.Results[len(v.Results)-1]
	if v.Flaky || last.Status == v.ExpectedStatus {
		return OutcomeFlaky
	}
	return OutcomeUnexpected
}

// OK reports whether the variant counts as passing for the run.
func (v *TestVariant) OK() bool {
	return v.Outcome() != OutcomeUnexpected
}

// LastResult returns the most recent attempt, or nil.
func (v *TestVariant) LastResult() *TestResult {
	if len(v.Results) == 0 {
		return nil
	}
	return v.Results[len(v.Results)-1]
}
