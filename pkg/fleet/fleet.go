// Package fleet is the public API for declaring testfleet suites and running
// them from a test binary.
//
// A binary registers its files on a Registry and hands it to Main:
//
//	func main() {
//		r := fleet.NewRegistry()
//		r.MustFile("login.go", func(b *fleet.Builder) {
//			b.It("accepts a valid password", func(ctx context.Context, fx fleet.Values, t *fleet.TestInfo) error {
//				return nil
//			})
//		})
//		fleet.Main(r)
//	}
//
// The same binary serves as the worker process, so Main must be reached
// unconditionally.
package fleet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/harrison/testfleet/internal/cmd"
	"github.com/harrison/testfleet/internal/fixtures"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/models"
)

type (
	Registry   = loader.Registry
	Builder    = loader.Builder
	LoadFunc   = loader.LoadFunc
	NodeOption = loader.NodeOption

	FixtureSet   = fixtures.FixtureSet
	Registration = fixtures.Registration
	Resolver     = fixtures.Resolver

	TestFunc  = models.TestFunc
	TestInfo  = models.TestInfo
	Values    = models.Values
	Modifier  = models.Modifier
	Modifiers = models.TestModifiers
)

var (
	NewRegistry = loader.NewRegistry
	NewSet      = fixtures.NewSet

	Uses    = loader.Uses
	Only    = loader.Only
	Skip    = loader.Skip
	Timeout = loader.Timeout
	Modify  = loader.Modify
)

// Main runs the testfleet command line against registry and exits with the
// run's exit code.
func Main(registry *Registry) {
	os.Exit(Execute(registry, os.Args[1:], os.Stdout, os.Stderr))
}

// Execute runs the command line with args and returns the exit code.
func Execute(registry *Registry, args []string, stdout, stderr io.Writer) int {
	root := cmd.NewRootCommand(registry)
	root.SilenceErrors = true
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
