package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harrison/testfleet/internal/loader"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(loader.NewRegistry())
	if cmd == nil {
		t.Fatal("Root command should not be nil")
	}

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("--help returned error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "testfleet") {
		t.Errorf("Help text should contain 'testfleet', got: %s", output)
	}
	if !strings.Contains(output, "\n  run ") || !strings.Contains(output, "\n  list ") {
		t.Errorf("Help text should list run and list, got: %s", output)
	}
	if strings.Contains(output, "\n  worker ") {
		t.Errorf("Help text should not list the hidden worker command, got: %s", output)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand(loader.NewRegistry())
	if cmd.Use != "testfleet" {
		t.Errorf("Expected Use to be 'testfleet', got '%s'", cmd.Use)
	}

	want := map[string]bool{"run": false, "list": false, "worker": false}
	for _, sub := range cmd.Commands() {
		name := strings.Fields(sub.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
		if name == "worker" && !sub.Hidden {
			t.Error("worker command should be hidden")
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	cmd := NewRootCommand(loader.NewRegistry())

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("--version returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "version") {
		t.Errorf("Version output should contain 'version', got: %s", buf.String())
	}
}
