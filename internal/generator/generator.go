// Package generator expands loaded test files into concrete test variants.
//
// Each declared test is multiplied over every combination of matrix values
// of the parameters its fixture closure reaches, repeated RepeatEach times,
// grouped by configuration and worker hash into cloned suites, and turned
// into run payloads for the dispatcher.
package generator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/harrison/testfleet/internal/fixtures"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/models"
)

// Suite is one cloned file tree for a single (configuration, worker hash)
// group, together with the variants scheduled for it.
type Suite struct {
	File                string
	Arena               *models.Arena
	Configuration       models.Configuration
	ConfigurationString string
	WorkerHash          string
	RepeatIndex         int
	Variants            map[models.NodeID]*models.TestVariant
}

// Entries returns the suite's variants in declaration order.
func (s *Suite) Entries() []*models.TestVariant {
	var out []*models.TestVariant
	for _, n := range s.Arena.Tests() {
		if v, ok := s.Variants[n.ID]; ok {
			out = append(out, v)
		}
	}
	return out
}

// FileError reports a file whose fixture graph could not be resolved.
type FileError struct {
	File string
	Err  error
}

// Error implements the error interface.
func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileError) Unwrap() error {
	return e.Err
}

// Result is the output of Generate.
type Result struct {
	Suites   []*Suite
	Payloads []*models.RunPayload
	Variants []*models.TestVariant
	Errors   []*FileError

	// ForbidOnly is set when ForbidOnly was requested and a focused suite or
	// test survived filtering. Suites and Payloads are empty in that case.
	ForbidOnly      bool
	FocusedLocation string
}

// VariantByID indexes the generated variants.
func (r *Result) VariantByID() map[string]*models.TestVariant {
	index := make(map[string]*models.TestVariant, len(r.Variants))
	for _, v := range r.Variants {
		index[v.ID] = v
	}
	return index
}

// Generate expands files according to cfg. It never fails as a whole:
// per-file dependency errors are collected in Result.Errors and the file is
// left out.
func Generate(files []*loader.File, cfg models.RunConfig) (*Result, error) {
	var grep *regexp.Regexp
	if cfg.Grep != "" {
		re, err := regexp.Compile(cfg.Grep)
		if err != nil {
			return nil, fmt.Errorf("invalid grep pattern %q: %w", cfg.Grep, err)
		}
		grep = re
	}
	repeatEach := cfg.RepeatEach
	if repeatEach < 1 {
		repeatEach = 1
	}

	result := &Result{}
	for _, f := range files {
		suites, err := expandFile(f, cfg, grep, repeatEach)
		if err != nil {
			result.Errors = append(result.Errors, &FileError{File: f.Name, Err: err})
			continue
		}
		result.Suites = append(result.Suites, suites...)
	}

	if hasOnly(files) {
		kept := result.Suites[:0]
		for _, s := range result.Suites {
			s.Arena.FilterOnly()
			if !s.Arena.Empty() {
				kept = append(kept, s)
			}
		}
		result.Suites = kept
	}

	if cfg.ForbidOnly {
		for _, s := range result.Suites {
			if n := s.Arena.FocusedSurvivor(); n != nil {
				result.ForbidOnly = true
				result.FocusedLocation = n.Location
				result.Suites = nil
				return result, nil
			}
		}
	}

	for _, s := range result.Suites {
		payload := &models.RunPayload{
			File:                s.File,
			WorkerHash:          s.WorkerHash,
			ConfigurationString: s.ConfigurationString,
			Configuration:       s.Configuration,
			RepeatIndex:         s.RepeatIndex,
		}
		for _, v := range s.Entries() {
			payload.Entries = append(payload.Entries, models.Entry{VariantID: v.ID})
			result.Variants = append(result.Variants, v)
		}
		result.Payloads = append(result.Payloads, payload)
	}
	return result, nil
}

func hasOnly(files []*loader.File) bool {
	for _, f := range files {
		if f.Arena.HasOnly() {
			return true
		}
	}
	return false
}

// group collects the tests of one file that share a configuration and a
// worker hash.
type group struct {
	configuration       models.Configuration
	configurationString string
	workerHash          string
	repeatIndex         int
	keep                map[models.NodeID]bool
	variants            map[models.NodeID]*models.TestVariant
}

func expandFile(f *loader.File, cfg models.RunConfig, grep *regexp.Regexp, repeatEach int) ([]*Suite, error) {
	arena := f.Arena
	var groups []*group
	index := make(map[string]*group)

	for _, test := range arena.Tests() {
		titlePath := arena.TitlePath(test.ID)
		if grep != nil && !grep.MatchString(f.Name+" "+titlePath) {
			continue
		}

		deps := TestDependencies(arena, test)
		closure, err := f.Chain.Closure(deps)
		if err != nil {
			return nil, fmt.Errorf("test %q: %w", titlePath, err)
		}
		locations, params := closureInfo(f.Chain, closure)

		for _, conf := range Expand(params, cfg.Matrix) {
			hash := WorkerHash(locations, conf)
			for repeat := 0; repeat < repeatEach; repeat++ {
				confString := ConfigurationString(conf, repeat, repeatEach)
				key := confString + "\x00" + hash
				g, ok := index[key]
				if !ok {
					g = &group{
						configuration:       conf,
						configurationString: confString,
						workerHash:          hash,
						repeatIndex:         repeat,
						keep:                make(map[models.NodeID]bool),
						variants:            make(map[models.NodeID]*models.TestVariant),
					}
					index[key] = g
					groups = append(groups, g)
				}
				g.keep[test.ID] = true
				g.variants[test.ID] = newVariant(f, test, conf, confString, hash, repeat, cfg)
			}
		}
	}

	suites := make([]*Suite, 0, len(groups))
	for _, g := range groups {
		clone := arena.Clone(g.keep)
		if clone.Empty() {
			continue
		}
		for id, v := range g.variants {
			clone.Node(id).Variants = []*models.TestVariant{v}
			arena.Node(id).Variants = append(arena.Node(id).Variants, v)
		}
		suites = append(suites, &Suite{
			File:                f.Name,
			Arena:               clone,
			Configuration:       g.configuration,
			ConfigurationString: g.configurationString,
			WorkerHash:          g.workerHash,
			RepeatIndex:         g.repeatIndex,
			Variants:            g.variants,
		})
	}
	return suites, nil
}

func newVariant(f *loader.File, test *models.Node, conf models.Configuration, confString, hash string, repeat int, cfg models.RunConfig) *models.TestVariant {
	mods := models.ApplyModifiers(test, f.Chain.Parameters(conf.Values()), cfg.Timeout)
	return &models.TestVariant{
		ID:                models.VariantID(test.Ordinal, f.Name, confString),
		File:              f.Name,
		Title:             test.Title,
		TitlePath:         f.Arena.TitlePath(test.ID),
		Location:          test.Location,
		Ordinal:           test.Ordinal,
		Configuration:     conf,
		ConfigurationHash: confString,
		WorkerHash:        hash,
		RepeatIndex:       repeat,
		ExpectedStatus:    mods.ExpectedStatus,
		Skipped:           mods.Skipped,
		Flaky:             mods.Flaky,
		Slow:              mods.Slow,
		Timeout:           mods.Timeout,
		Annotations:       mods.Annotations,
	}
}

// TestDependencies returns the fixture names a test needs: its own plus those
// of every hook on its ancestor suites, first occurrence first.
func TestDependencies(arena *models.Arena, test *models.Node) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(names []string) {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				deps = append(deps, name)
			}
		}
	}
	for _, anc := range arena.Ancestors(test.ID) {
		hooks := arena.Node(anc).Hooks
		for _, list := range [][]models.Hook{hooks.BeforeAll, hooks.BeforeEach, hooks.AfterEach, hooks.AfterAll} {
			for _, h := range list {
				add(h.Deps)
			}
		}
	}
	add(test.Deps)
	return deps
}

// closureInfo extracts the sorted locations of worker-scoped registrations
// and the parameter names, in first-seen order, from a dependency closure.
// Parameters are worker-scoped, so a file overriding a default hashes apart
// from files that keep it.
func closureInfo(chain *fixtures.Chain, closure []fixtures.Binding) ([]string, []string) {
	seenLoc := make(map[string]bool)
	seenParam := make(map[string]bool)
	var locations, params []string
	for _, b := range closure {
		reg := chain.At(b)
		if reg.Parameter {
			if !seenParam[reg.Name] {
				seenParam[reg.Name] = true
				params = append(params, reg.Name)
			}
		}
		if reg.Scope == fixtures.ScopeWorker && !seenLoc[reg.Location] {
			seenLoc[reg.Location] = true
			locations = append(locations, reg.Location)
		}
	}
	sort.Strings(locations)
	return locations, params
}

// Expand returns the cross product of matrix values for params. The first
// parameter varies slowest. Parameters missing from the matrix do not expand.
// Without any matrix parameter the result is a single empty configuration.
func Expand(params []string, matrix map[string][]any) []models.Configuration {
	out := []models.Configuration{{}}
	for _, name := range params {
		values, ok := matrix[name]
		if !ok || len(values) == 0 {
			continue
		}
		next := make([]models.Configuration, 0, len(out)*len(values))
		for _, conf := range out {
			for _, value := range values {
				c := make(models.Configuration, len(conf), len(conf)+1)
				copy(c, conf)
				next = append(next, append(c, models.Param{Name: name, Value: value}))
			}
		}
		out = next
	}
	return out
}

// ConfigurationString renders the configuration hash used inside variant ids.
// Repeats beyond the first run carry a #repeat-<i># marker so that every
// repetition gets its own id.
func ConfigurationString(conf models.Configuration, repeat, repeatEach int) string {
	s := conf.String()
	if repeatEach > 1 {
		s += fmt.Sprintf("#repeat-%d#", repeat)
	}
	return s
}

// WorkerHash identifies which tests may share a worker: the declaration
// locations of every worker-scoped fixture they reach plus the chosen
// configuration.
func WorkerHash(locations []string, conf models.Configuration) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(locations, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(conf.String()))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
