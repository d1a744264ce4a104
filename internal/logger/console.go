// Package logger provides logging implementations for testfleet runs.
//
// Loggers are leveled (trace, debug, info, warn, error) and thread-safe. Next
// to plain Printf-style methods the console and file loggers render per-test
// results and the run summary.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/testfleet/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger writes leveled messages to a writer with timestamps.
// All output is prefixed with [HH:MM:SS] timestamps.
// Color output is enabled when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	scheme      *colorScheme
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		scheme:      newColorScheme(),
	}
}

// isTerminal reports whether w is a TTY that should receive colors.
// NO_COLOR disables colors through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil || color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	l := strings.ToLower(strings.TrimSpace(level))
	return normalizeLogLevel(l) == l
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// Tracef logs a trace-level message (most verbose).
func (cl *ConsoleLogger) Tracef(format string, args ...any) {
	cl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...any) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...any) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...any) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...any) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

// logWithLevel logs a message at the specified level if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, cl.scheme.level(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

// LogTestResult logs one finished attempt. Expected results are logged at
// INFO, unexpected ones at ERROR together with their error message.
// Format: "[HH:MM:SS] [done/total] <status> <title path> (<duration>)"
func (cl *ConsoleLogger) LogTestResult(v *models.TestVariant, r *models.TestResult, done, total int) {
	level := "info"
	unexpected := r.Status != models.StatusSkipped && r.Status != v.ExpectedStatus
	if unexpected {
		level = "error"
	}
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	status := string(r.Status)
	if cl.colorOutput {
		status = cl.scheme.status(r.Status, unexpected)
	}
	line := fmt.Sprintf("[%s] [%d/%d] %s %s", ts, done, total, status, v.TitlePath)
	if r.RetryNumber > 0 {
		line += fmt.Sprintf(" (retry #%d)", r.RetryNumber)
	}
	if r.Status != models.StatusSkipped {
		line += fmt.Sprintf(" (%s)", formatDuration(r.Duration))
	}
	line += "\n"
	if unexpected && r.Error != nil {
		for _, l := range strings.Split(strings.TrimRight(r.Error.Error(), "\n"), "\n") {
			line += fmt.Sprintf("[%s]     %s\n", ts, l)
		}
	}
	cl.writer.Write([]byte(line))
}

// LogSummary logs the counts of a finished run at INFO level together with a
// progress bar of the tests that did not fail.
func (cl *ConsoleLogger) LogSummary(summary *models.Summary) {
	if cl.writer == nil || summary == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	c := cl.scheme
	paint := func(col *color.Color, s string) string {
		if cl.colorOutput {
			return col.Sprint(s)
		}
		return s
	}

	var output strings.Builder
	fmt.Fprintf(&output, "[%s] %s\n", ts, paint(c.header, "=== Run Summary ==="))
	fmt.Fprintf(&output, "[%s] Status: %s\n", ts, paint(c.runStatus(summary.Status), string(summary.Status)))
	fmt.Fprintf(&output, "[%s] Total tests: %d\n", ts, summary.Total)
	fmt.Fprintf(&output, "[%s] %s\n", ts, paint(c.success, fmt.Sprintf("Passed: %d", summary.Expected)))
	if summary.Flaky > 0 {
		fmt.Fprintf(&output, "[%s] %s\n", ts, paint(c.warn, fmt.Sprintf("Flaky: %d", summary.Flaky)))
	}
	if summary.Skipped > 0 {
		fmt.Fprintf(&output, "[%s] %s\n", ts, paint(c.muted, fmt.Sprintf("Skipped: %d", summary.Skipped)))
	}
	if summary.Unexpected > 0 {
		fmt.Fprintf(&output, "[%s] %s\n", ts, paint(c.fail, fmt.Sprintf("Failed: %d", summary.Unexpected)))
	} else {
		fmt.Fprintf(&output, "[%s] Failed: 0\n", ts)
	}
	fmt.Fprintf(&output, "[%s] Duration: %s\n", ts, formatDuration(summary.Duration))

	if summary.Total > 0 {
		pb := NewProgressBar(summary.Total, 20, cl.colorOutput)
		pb.SetPrefix("Passing: ")
		pb.Update(summary.Total - summary.Unexpected)
		fmt.Fprintf(&output, "[%s] %s\n", ts, pb.Render())
	}

	if len(summary.Failed) > 0 {
		fmt.Fprintf(&output, "[%s] %s\n", ts, paint(c.fail, "Failed tests:"))
		for _, v := range summary.Failed {
			fmt.Fprintf(&output, "[%s]   - %s [%s]\n", ts, paint(c.fail, v.TitlePath), v.Location)
		}
	}
	cl.writer.Write([]byte(output.String()))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "250ms", "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder < time.Minute {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder < time.Second {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder < time.Second {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// NoOpLogger discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Tracef(string, ...any) {}
func (n *NoOpLogger) Debugf(string, ...any) {}
func (n *NoOpLogger) Infof(string, ...any)  {}
func (n *NoOpLogger) Warnf(string, ...any)  {}
func (n *NoOpLogger) Errorf(string, ...any) {}
