package models

import (
	"fmt"
	"time"
)

// Entry is a single variant attempt inside a payload.
type Entry struct {
	VariantID   string `json:"variantId"`
	RetryNumber int    `json:"retry"`
}

// RunPayload is the unit of work routed to one worker: same file, same
// worker hash, same configuration.
type RunPayload struct {
	File                string        `json:"file"`
	WorkerHash          string        `json:"workerHash"`
	ConfigurationString string        `json:"configurationString"`
	Configuration       Configuration `json:"configuration"`
	RepeatIndex         int           `json:"repeatIndex"`
	Entries             []Entry       `json:"entries"`
}

// Shard selects one contiguous slice of the run's tests. Current is 1-based.
type Shard struct {
	Current int `json:"current" yaml:"current"`
	Total   int `json:"total" yaml:"total"`
}

// String renders the shard as current/total.
func (s Shard) String() string {
	return fmt.Sprintf("%d/%d", s.Current, s.Total)
}

// RunConfig is the engine-facing configuration of a run. It travels to
// workers inside init and run messages.
type RunConfig struct {
	Jobs          int              `json:"jobs"`
	Timeout       time.Duration    `json:"timeout"`
	GlobalTimeout time.Duration    `json:"globalTimeout"`
	Retries       int              `json:"retries"`
	RepeatEach    int              `json:"repeatEach"`
	Grep          string           `json:"grep,omitempty"`
	Shard         *Shard           `json:"shard,omitempty"`
	ForbidOnly    bool             `json:"forbidOnly"`
	TrialRun      bool             `json:"trialRun"`
	OutputDir     string           `json:"outputDir"`
	Matrix        map[string][]any `json:"matrix,omitempty"`
}

// RunStatus is the top-level verdict of a run.
type RunStatus string

// Run statuses
const (
	RunPassed     RunStatus = "passed"
	RunFailed     RunStatus = "failed"
	RunTimedOut   RunStatus = "timedout"
	RunForbidOnly RunStatus = "forbid-only"
	RunNoTests    RunStatus = "no-tests"
)

// Summary aggregates variant outcomes for a finished run.
type Summary struct {
	Status     RunStatus      `json:"status"`
	Total      int            `json:"total"`
	Expected   int            `json:"expected"`
	Unexpected int            `json:"unexpected"`
	Flaky      int            `json:"flaky"`
	Skipped    int            `json:"skipped"`
	TimedOut   int            `json:"timedOut"`
	Duration   time.Duration  `json:"duration"`
	Failed     []*TestVariant `json:"-"`
}

// NewSummary folds variants into counts. status is the run-level verdict
// before variant outcomes are considered; a passing run with unexpected
// variants becomes failed.
func NewSummary(status RunStatus, variants []*TestVariant, duration time.Duration) *Summary {
	s := &Summary{Status: status, Duration: duration}
	for _, v := range variants {
		s.Total++
		switch v.Outcome() {
		case OutcomeExpected:
			s.Expected++
		case OutcomeFlaky:
			s.Flaky++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeUnexpected:
			s.Unexpected++
			s.Failed = append(s.Failed, v)
			if last := v.LastResult(); last != nil && last.Status == StatusTimedOut {
				s.TimedOut++
			}
		}
	}
	if s.Status == RunPassed && s.Unexpected > 0 {
		s.Status = RunFailed
	}
	return s
}

// ExitCode maps the run status to a process exit code.
func (s *Summary) ExitCode() int {
	if s.Status == RunPassed {
		return 0
	}
	return 1
}
