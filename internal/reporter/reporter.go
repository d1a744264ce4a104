// Package reporter defines the callbacks a run emits and the built-in sinks
// that consume them.
package reporter

import (
	"time"

	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/models"
)

// Reporter receives run events. The dispatcher calls it from a single
// goroutine, in event order.
type Reporter interface {
	OnBegin(cfg models.RunConfig, suites []*generator.Suite)
	OnTestBegin(v *models.TestVariant)
	// OnStdOut and OnStdErr receive a nil variant for output produced
	// outside any test.
	OnStdOut(v *models.TestVariant, chunk models.Chunk)
	OnStdErr(v *models.TestVariant, chunk models.Chunk)
	OnTestEnd(v *models.TestVariant, result *models.TestResult)
	OnFileError(file string, err error)
	OnTimeout(d time.Duration)
	OnEnd(summary *models.Summary)
}

// Base implements Reporter with no-ops. Embed it to handle only some events.
type Base struct{}

func (Base) OnBegin(models.RunConfig, []*generator.Suite) {}
func (Base) OnTestBegin(*models.TestVariant) {}
func (Base) OnStdOut(*models.TestVariant, models.Chunk) {}
func (Base) OnStdErr(*models.TestVariant, models.Chunk) {}
func (Base) OnTestEnd(*models.TestVariant, *models.TestResult) {}
func (Base) OnFileError(string, error) {}
func (Base) OnTimeout(time.Duration) {}
func (Base) OnEnd(*models.Summary) {}

// Multiplexer fans every event out to a list of reporters in order.
type Multiplexer []Reporter

// Multi combines reporters, skipping nil entries.
func Multi(reporters ...Reporter) Multiplexer {
	m := make(Multiplexer, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

func (m Multiplexer) OnBegin(cfg models.RunConfig, suites []*generator.Suite) {
	for _, r := range m {
		r.OnBegin(cfg, suites)
	}
}

func (m Multiplexer) OnTestBegin(v *models.TestVariant) {
	for _, r := range m {
		r.OnTestBegin(v)
	}
}

func (m Multiplexer) OnStdOut(v *models.TestVariant, chunk models.Chunk) {
	for _, r := range m {
		r.OnStdOut(v, chunk)
	}
}

func (m Multiplexer) OnStdErr(v *models.TestVariant, chunk models.Chunk) {
	for _, r := range m {
		r.OnStdErr(v, chunk)
	}
}

func (m Multiplexer) OnTestEnd(v *models.TestVariant, result *models.TestResult) {
	for _, r := range m {
		r.OnTestEnd(v, result)
	}
}

func (m Multiplexer) OnFileError(file string, err error) {
	for _, r := range m {
		r.OnFileError(file, err)
	}
}

func (m Multiplexer) OnTimeout(d time.Duration) {
	for _, r := range m {
		r.OnTimeout(d)
	}
}

func (m Multiplexer) OnEnd(summary *models.Summary) {
	for _, r := range m {
		r.OnEnd(summary)
	}
}
