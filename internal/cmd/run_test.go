package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/models"
	"github.com/harrison/testfleet/internal/reporter"
)

func pass(ctx context.Context, fx models.Values, t *models.TestInfo) error {
	return nil
}

func failing(ctx context.Context, fx models.Values, t *models.TestInfo) error {
	return errors.New("expected 401, got 200")
}

// Helper function to build a registry with two files
func testRegistry(extra ...func(b *loader.Builder)) *loader.Registry {
	r := loader.NewRegistry()
	r.MustFile("login.go", func(b *loader.Builder) {
		b.Describe("login", func() {
			b.It("accepts valid password", pass)
			for _, fn := range extra {
				fn(b)
			}
		})
	})
	r.MustFile("search.go", func(b *loader.Builder) {
		b.It("finds products", pass)
		b.It("paginates", pass)
	})
	return r
}

// Helper function to execute a command against a fresh project root
func executeCommand(t *testing.T, registry *loader.Registry, args ...string) (string, string, error) {
	t.Helper()

	home := t.TempDir()
	t.Setenv("TESTFLEET_HOME", home)

	rootCmd := NewRootCommand(registry)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return buf.String(), home, err
}

func TestRunCommand_Passing(t *testing.T) {
	output, home, err := executeCommand(t, testRegistry(), "run", "--workers", "inprocess", "--reporter", "log,json")
	if err != nil {
		t.Fatalf("run returned error: %v\n%s", err, output)
	}

	for _, want := range []string{"Running 3 tests", "=== Run Summary ===", "Status: passed", "Logs written to:", "Report written to:"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if _, err := os.Stat(filepath.Join(home, "test-results", reporter.ReportFileName)); err != nil {
		t.Errorf("expected JSON report: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(home, ".testfleet", "logs", "latest.log")); err != nil {
		t.Errorf("expected run log: %v", err)
	}
}

func TestRunCommand_FailureSetsExitCode(t *testing.T) {
	registry := testRegistry(func(b *loader.Builder) {
		b.It("rejects bad password", failing)
	})
	output, _, err := executeCommand(t, registry, "run", "--workers", "inprocess")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v\n%s", err, output)
	}
	if exitErr.Code != 1 || exitErr.Status != models.RunFailed {
		t.Errorf("unexpected exit error %+v", exitErr)
	}
	if !strings.Contains(output, "expected 401, got 200") {
		t.Errorf("output should contain the failure:\n%s", output)
	}
}

func TestRunCommand_FiltersAndGrep(t *testing.T) {
	output, _, err := executeCommand(t, testRegistry(), "run", "search", "-g", "finds", "--workers", "inprocess")
	if err != nil {
		t.Fatalf("run returned error: %v\n%s", err, output)
	}
	if !strings.Contains(output, "Running 1 tests") {
		t.Errorf("expected a single test:\n%s", output)
	}
}

func TestRunCommand_RetriesFromConfigFile(t *testing.T) {
	registry := testRegistry(func(b *loader.Builder) {
		b.It("survives a cold start", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			if t.RetryNumber == 0 {
				return errors.New("cold")
			}
			return nil
		})
	})
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("retries: 1\nworkers: inprocess\n"), 0644); err != nil {
		t.Fatal(err)
	}

	output, _, err := executeCommand(t, registry, "run", "--config", configPath)
	if err != nil {
		t.Fatalf("run returned error: %v\n%s", err, output)
	}
	if !strings.Contains(output, "Flaky: 1") {
		t.Errorf("expected a flaky test in the summary:\n%s", output)
	}
}

func TestRunCommand_ForbidOnly(t *testing.T) {
	registry := testRegistry(func(b *loader.Builder) {
		b.It("focused", pass, loader.Only())
	})
	output, _, err := executeCommand(t, registry, "run", "--workers", "inprocess", "--forbid-only")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Status != models.RunForbidOnly {
		t.Fatalf("expected forbid-only exit, got %v\n%s", err, output)
	}
}

func TestRunCommand_InvalidFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"shard", []string{"--shard", "3/2"}, "invalid configuration"},
		{"shard format", []string{"--shard", "two"}, "invalid shard"},
		{"timeout", []string{"--timeout", "soon"}, "invalid timeout format"},
		{"workers", []string{"--workers", "threads"}, "invalid workers"},
		{"reporter", []string{"--reporter", "junit"}, "unknown reporter"},
		{"jobs", []string{"-j", "0"}, "jobs must be >= 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCommand(t, testRegistry(), append([]string{"run"}, tt.args...)...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestListCommand(t *testing.T) {
	output, _, err := executeCommand(t, testRegistry(), "list")
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	for _, want := range []string{"login accepts valid password", "finds products", "paginates", "Total: 3 tests in 2 files"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}

	output, _, err = executeCommand(t, testRegistry(), "list", "--shard", "1/3")
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if !strings.Contains(output, "Total: 1 tests in 1 files") {
		t.Errorf("unexpected sharded listing:\n%s", output)
	}
}
