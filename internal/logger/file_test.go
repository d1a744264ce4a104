package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/testfleet/internal/models"
)

func newFileLogger(t *testing.T, level string) (*FileLogger, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "logs")
	fl, err := NewFileLoggerWithDirAndLevel(dir, level)
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel: %v", err)
	}
	t.Cleanup(func() { fl.Close() })
	return fl, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestFileLoggerCreatesRunLog(t *testing.T) {
	fl, dir := newFileLogger(t, "info")

	if !strings.HasPrefix(filepath.Base(fl.RunFile()), "run-") {
		t.Errorf("unexpected run file name %s", fl.RunFile())
	}
	if info, err := os.Stat(filepath.Join(dir, "tests")); err != nil || !info.IsDir() {
		t.Errorf("expected tests directory, err=%v", err)
	}

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	if err != nil {
		t.Fatalf("latest.log: %v", err)
	}
	if target != filepath.Base(fl.RunFile()) {
		t.Errorf("latest.log -> %s, want %s", target, filepath.Base(fl.RunFile()))
	}
	if !strings.Contains(readFile(t, fl.RunFile()), "=== testfleet run log ===") {
		t.Error("missing run log header")
	}
}

func TestFileLoggerReplacesLatestSymlink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("run-old.log", filepath.Join(dir, "latest.log")); err != nil {
		t.Fatal(err)
	}
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel: %v", err)
	}
	defer fl.Close()

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	if err != nil {
		t.Fatal(err)
	}
	if target == "run-old.log" {
		t.Error("latest.log still points to the old run")
	}
}

func TestFileLoggerLevels(t *testing.T) {
	fl, _ := newFileLogger(t, "warn")
	fl.Debugf("hidden %d", 1)
	fl.Infof("hidden %d", 2)
	fl.Warnf("shown %d", 3)
	fl.Errorf("shown %d", 4)

	content := readFile(t, fl.RunFile())
	if strings.Contains(content, "hidden") {
		t.Errorf("filtered messages were written:\n%s", content)
	}
	if !strings.Contains(content, "[WARN] shown 3") || !strings.Contains(content, "[ERROR] shown 4") {
		t.Errorf("missing messages:\n%s", content)
	}
}

func TestFileLoggerLogTestResult(t *testing.T) {
	fl, _ := newFileLogger(t, "info")

	ok := variant("accepts valid password")
	fl.LogTestResult(ok, &models.TestResult{Status: models.StatusPassed, Duration: time.Second}, 1, 2)

	bad := variant("rejects bad password")
	bad.ID = "1@login.go::[browser=chromium]"
	bad.Configuration = models.Configuration{{Name: "browser", Value: "chromium"}}
	fl.LogTestResult(bad, &models.TestResult{
		Status:      models.StatusFailed,
		RetryNumber: 1,
		WorkerIndex: 3,
		Error:       &models.TestError{Message: "expected 401", Stack: "login.go:20"},
		Stdout:      []models.Chunk{{Text: "posting credentials\n"}},
		Stderr:      []models.Chunk{{Buffer: []byte("warn: slow backend")}},
	}, 2, 2)

	content := readFile(t, fl.RunFile())
	if !strings.Contains(content, "[1/2] passed 0@login.go::[] (retry 0, worker 0, 1.000s)") {
		t.Errorf("missing passing line:\n%s", content)
	}
	if !strings.Contains(content, "[2/2] failed 1@login.go::[browser=chromium] (retry 1, worker 3") {
		t.Errorf("missing failing line:\n%s", content)
	}

	if _, err := os.Stat(fl.TestLogPath(ok, 0)); !os.IsNotExist(err) {
		t.Error("passing attempts must not get a detail log")
	}

	path := fl.TestLogPath(bad, 1)
	if filepath.Base(path) != "1_login.go_browser_chromium-retry1.log" {
		t.Errorf("unexpected detail log name %s", filepath.Base(path))
	}
	detail := readFile(t, path)
	for _, want := range []string{
		"=== login > rejects bad password ===",
		"Configuration: browser=chromium",
		"Status: failed (expected passed)",
		"Worker: 3",
		"Error:\nexpected 401\nlogin.go:20",
		"Stdout:\nposting credentials\n",
		"Stderr:\nwarn: slow backend\n",
	} {
		if !strings.Contains(detail, want) {
			t.Errorf("missing %q in detail log:\n%s", want, detail)
		}
	}
}

func TestFileLoggerLogSummary(t *testing.T) {
	fl, _ := newFileLogger(t, "info")
	fl.LogSummary(&models.Summary{Status: models.RunTimedOut, Total: 3, Expected: 2, Unexpected: 1, TimedOut: 1, Duration: 1500 * time.Millisecond})

	content := readFile(t, fl.RunFile())
	for _, want := range []string{"=== RUN SUMMARY ===", "Status:       timedout", "Total tests:  3", "Timed out:    1", "Total time:   1.5s"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q:\n%s", want, content)
		}
	}
}

func TestFileLoggerClose(t *testing.T) {
	fl, _ := newFileLogger(t, "info")
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	fl.Infof("after close")
	if strings.Contains(readFile(t, fl.RunFile()), "after close") {
		t.Error("message written after Close")
	}
}
