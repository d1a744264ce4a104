package reporter

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harrison/testfleet/internal/filelock"
	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/models"
)

// ReportFileName is the name of the JSON report inside the output directory.
const ReportFileName = "report.json"

// Report is the document written by the JSON reporter.
type Report struct {
	RunID      string            `json:"runId,omitempty"`
	Config     models.RunConfig  `json:"config"`
	Suites     []*ReportSuite    `json:"suites"`
	FileErrors map[string]string `json:"fileErrors,omitempty"`
	TimedOut   bool              `json:"timedOut,omitempty"`
	Summary    *models.Summary   `json:"summary,omitempty"`
}

// ReportSuite mirrors one suite of the declaration tree.
type ReportSuite struct {
	Title         string               `json:"title"`
	File          string               `json:"file"`
	Location      string               `json:"location,omitempty"`
	Configuration models.Configuration `json:"configuration,omitempty"`
	Suites        []*ReportSuite       `json:"suites,omitempty"`
	Tests         []*ReportTest        `json:"tests,omitempty"`
}

// ReportTest is a declared test with the variants run for it.
type ReportTest struct {
	Title    string                `json:"title"`
	Location string                `json:"location"`
	Variants []*models.TestVariant `json:"variants"`
}

// JSON writes the report into OutputDir when the run ends.
type JSON struct {
	Base
	runID       string
	dir         string
	lockTimeout time.Duration
	report      *Report
	err         error
}

// NewJSON creates a JSON reporter writing to dir. An empty dir falls back to
// the run's OutputDir.
func NewJSON(runID, dir string) *JSON {
	return &JSON{runID: runID, dir: dir, lockTimeout: 30 * time.Second}
}

// Path returns the location of the written report.
func (j *JSON) Path() string {
	return filepath.Join(j.dir, ReportFileName)
}

// Err returns the error of the last write, if any.
func (j *JSON) Err() error {
	return j.err
}

func (j *JSON) OnBegin(cfg models.RunConfig, suites []*generator.Suite) {
	if j.dir == "" {
		j.dir = cfg.OutputDir
	}
	fileErrors := map[string]string{}
	if j.report != nil {
		// Load errors are reported before the run begins.
		fileErrors = j.report.FileErrors
	}
	j.report = &Report{RunID: j.runID, Config: cfg, FileErrors: fileErrors}
	for _, s := range suites {
		j.report.Suites = append(j.report.Suites, buildSuite(s, s.Arena.Root))
	}
}

func (j *JSON) OnFileError(file string, err error) {
	if j.report == nil {
		j.report = &Report{RunID: j.runID, FileErrors: map[string]string{}}
	}
	j.report.FileErrors[file] = err.Error()
}

func (j *JSON) OnTimeout(time.Duration) {
	if j.report != nil {
		j.report.TimedOut = true
	}
}

func (j *JSON) OnEnd(summary *models.Summary) {
	if j.report == nil {
		j.report = &Report{RunID: j.runID}
	}
	j.report.Summary = summary
	if j.dir == "" {
		return
	}
	data, err := json.MarshalIndent(j.report, "", "  ")
	if err != nil {
		j.err = fmt.Errorf("encode report: %w", err)
		return
	}
	j.err = filelock.LockAndWrite(j.Path(), data, j.lockTimeout)
}

func buildSuite(s *generator.Suite, id models.NodeID) *ReportSuite {
	node := s.Arena.Node(id)
	out := &ReportSuite{Title: node.Title, File: s.File, Location: node.Location}
	if id == s.Arena.Root {
		out.Configuration = s.Configuration
	}
	for _, child := range node.Children {
		n := s.Arena.Node(child)
		if n.IsSuite() {
			out.Suites = append(out.Suites, buildSuite(s, child))
			continue
		}
		test := &ReportTest{Title: n.Title, Location: n.Location}
		if v, ok := s.Variants[child]; ok {
			test.Variants = []*models.TestVariant{v}
		}
		out.Tests = append(out.Tests, test)
	}
	return out
}
