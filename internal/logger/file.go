package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harrison/testfleet/internal/models"
)

// DefaultLogDir is where run logs go unless configured otherwise.
var DefaultLogDir = filepath.Join(".testfleet", "logs")

// FileLogger logs run events to files in a log directory.
// It creates timestamped per-run log files, a detailed log per failed test
// attempt, and maintains a latest.log symlink pointing to the most recent run.
// It is thread-safe and supports log level filtering.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	testsDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing to DefaultLogDir at info level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(DefaultLogDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	testsDir := filepath.Join(logDir, "tests")
	if err := os.MkdirAll(testsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tests directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", ts))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		testsDir: testsDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	logger.writeRunLog("=== testfleet run log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// Tracef logs a trace-level message (most verbose).
func (fl *FileLogger) Tracef(format string, args ...any) {
	fl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (fl *FileLogger) Debugf(format string, args ...any) {
	fl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (fl *FileLogger) Infof(format string, args ...any) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (fl *FileLogger) Warnf(format string, args ...any) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (fl *FileLogger) Errorf(format string, args ...any) {
	fl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogTestResult writes one line per attempt into the run log. Unexpected
// attempts additionally get a detail file under tests/ with the error and
// the captured output.
func (fl *FileLogger) LogTestResult(v *models.TestVariant, r *models.TestResult, done, total int) {
	unexpected := r.Status != models.StatusSkipped && r.Status != v.ExpectedStatus
	level := "info"
	if unexpected {
		level = "error"
	}
	if fl.shouldLog(level) {
		fl.writeRunLog(fmt.Sprintf("[%s] [%d/%d] %s %s (retry %d, worker %d, %.3fs)\n",
			timestamp(), done, total, r.Status, v.ID, r.RetryNumber, r.WorkerIndex, r.Duration.Seconds()))
	}
	if !unexpected {
		return
	}
	if err := fl.writeTestLog(v, r); err != nil {
		fl.logWithLevel("WARN", err.Error())
	}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// TestLogPath returns the detail log location of an attempt.
func (fl *FileLogger) TestLogPath(v *models.TestVariant, retry int) string {
	name := strings.Trim(unsafeFileChars.ReplaceAllString(v.ID, "_"), "_")
	return filepath.Join(fl.testsDir, fmt.Sprintf("%s-retry%d.log", name, retry))
}

func (fl *FileLogger) writeTestLog(v *models.TestVariant, r *models.TestResult) error {
	var content strings.Builder
	fmt.Fprintf(&content, "=== %s ===\n", v.TitlePath)
	fmt.Fprintf(&content, "ID: %s\n", v.ID)
	fmt.Fprintf(&content, "Location: %s\n", v.Location)
	if conf := v.Configuration.String(); conf != "" {
		fmt.Fprintf(&content, "Configuration: %s\n", conf)
	}
	fmt.Fprintf(&content, "Status: %s (expected %s)\n", r.Status, v.ExpectedStatus)
	fmt.Fprintf(&content, "Retry: %d\n", r.RetryNumber)
	fmt.Fprintf(&content, "Worker: %d\n", r.WorkerIndex)
	fmt.Fprintf(&content, "Duration: %.3fs\n\n", r.Duration.Seconds())

	if r.Error != nil {
		fmt.Fprintf(&content, "Error:\n%s\n", r.Error.Error())
		if r.Error.Stack != "" {
			fmt.Fprintf(&content, "%s\n", r.Error.Stack)
		}
		content.WriteString("\n")
	}
	writeChunks(&content, "Stdout", r.Stdout)
	writeChunks(&content, "Stderr", r.Stderr)
	fmt.Fprintf(&content, "Logged at: %s\n", time.Now().Format(time.RFC3339))

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := os.WriteFile(fl.TestLogPath(v, r.RetryNumber), []byte(content.String()), 0644); err != nil {
		return fmt.Errorf("failed to write test log: %w", err)
	}
	return nil
}

func writeChunks(sb *strings.Builder, title string, chunks []models.Chunk) {
	if len(chunks) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, c := range chunks {
		sb.WriteString(c.String())
	}
	if !strings.HasSuffix(sb.String(), "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

// LogSummary logs the final statistics of a run at INFO level.
func (fl *FileLogger) LogSummary(summary *models.Summary) {
	if summary == nil || !fl.shouldLog("info") {
		return
	}
	ts := timestamp()
	message := fmt.Sprintf(
		"\n[%s] === RUN SUMMARY ===\n"+
			"[%s] Status:       %s\n"+
			"[%s] Total tests:  %d\n"+
			"[%s] Passed:       %d\n"+
			"[%s] Flaky:        %d\n"+
			"[%s] Skipped:      %d\n"+
			"[%s] Failed:       %d\n"+
			"[%s] Timed out:    %d\n"+
			"[%s] Total time:   %.1fs\n"+
			"[%s] Completed at: %s\n",
		ts, ts, summary.Status,
		ts, summary.Total,
		ts, summary.Expected,
		ts, summary.Flaky,
		ts, summary.Skipped,
		ts, summary.Unexpected,
		ts, summary.TimedOut,
		ts, summary.Duration.Seconds(),
		ts, time.Now().Format(time.RFC3339),
	)
	fl.writeRunLog(message)
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		// Flush after each write for real-time logging
		fl.runLog.Sync()
	}
}
