package reporter

import (
	"strconv"
	"strings"
	"time"

	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/models"
)

// Logger is the leveled sink the Log reporter writes to.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// resultLogger and summaryLogger are optional logger capabilities. When the
// logger has them, Log hands results and the summary over for rendering.
type resultLogger interface {
	LogTestResult(v *models.TestVariant, r *models.TestResult, done, total int)
}

type summaryLogger interface {
	LogSummary(summary *models.Summary)
}

// Log prints one line per finished test and a closing summary.
type Log struct {
	Base
	logger Logger
	total  int
	done   int
}

// NewLog creates a Log reporter.
func NewLog(logger Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) OnBegin(cfg models.RunConfig, suites []*generator.Suite) {
	for _, s := range suites {
		l.total += len(s.Variants)
	}
	workers := cfg.Jobs
	if workers > l.total {
		workers = l.total
	}
	l.logger.Infof("Running %d tests using %d workers", l.total, workers)
	if cfg.Shard != nil {
		l.logger.Infof("Shard %s", cfg.Shard)
	}
}

func (l *Log) OnStdOut(v *models.TestVariant, chunk models.Chunk) {
	l.output("stdout", v, chunk)
}

func (l *Log) OnStdErr(v *models.TestVariant, chunk models.Chunk) {
	l.output("stderr", v, chunk)
}

func (l *Log) output(stream string, v *models.TestVariant, chunk models.Chunk) {
	text := strings.TrimRight(chunk.String(), "\n")
	if text == "" {
		return
	}
	if v == nil {
		l.logger.Debugf("[%s] %s", stream, text)
		return
	}
	l.logger.Debugf("[%s] %s: %s", stream, v.TitlePath, text)
}

func (l *Log) OnTestEnd(v *models.TestVariant, result *models.TestResult) {
	l.done++
	if rl, ok := l.logger.(resultLogger); ok {
		rl.LogTestResult(v, result, l.done, l.total)
		return
	}
	prefix := "[" + strconv.Itoa(l.done) + "/" + strconv.Itoa(l.total) + "]"
	if result.RetryNumber > 0 {
		prefix += " (retry #" + strconv.Itoa(result.RetryNumber) + ")"
	}
	duration := result.Duration.Round(time.Millisecond)
	switch {
	case result.Status == models.StatusSkipped:
		l.logger.Infof("%s - %s (skipped)", prefix, v.TitlePath)
	case result.Status == v.ExpectedStatus:
		l.logger.Infof("%s ok %s (%s)", prefix, v.TitlePath, duration)
	default:
		msg := ""
		if result.Error != nil {
			msg = ": " + result.Error.Error()
		}
		l.logger.Errorf("%s %s %s [%s] (%s)%s", prefix, result.Status, v.TitlePath, v.Location, duration, msg)
	}
}

func (l *Log) OnFileError(file string, err error) {
	l.logger.Errorf("Error in %s: %v", file, err)
}

func (l *Log) OnTimeout(d time.Duration) {
	l.logger.Errorf("Timed out waiting %s for the test suite to run", d)
}

func (l *Log) OnEnd(summary *models.Summary) {
	if summary == nil {
		return
	}
	switch summary.Status {
	case models.RunForbidOnly:
		l.logger.Errorf("Focused tests are not allowed in this run")
		return
	case models.RunNoTests:
		l.logger.Warnf("No tests found")
		return
	}
	if sl, ok := l.logger.(summaryLogger); ok {
		sl.LogSummary(summary)
		return
	}
	line := strconv.Itoa(summary.Expected) + " passed"
	if summary.Flaky > 0 {
		line += ", " + strconv.Itoa(summary.Flaky) + " flaky"
	}
	if summary.Skipped > 0 {
		line += ", " + strconv.Itoa(summary.Skipped) + " skipped"
	}
	if summary.Unexpected > 0 {
		line += ", " + strconv.Itoa(summary.Unexpected) + " failed"
	}
	line += " (" + summary.Duration.Round(time.Millisecond).String() + ")"
	if summary.Status == models.RunPassed {
		l.logger.Infof("%s", line)
		return
	}
	l.logger.Errorf("Run %s: %s", summary.Status, line)
	for _, v := range summary.Failed {
		l.logger.Errorf("  %s [%s]", v.TitlePath, v.Location)
	}
}
