package reporter

import (
	"fmt"
	"sync"
	"time"

	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/models"
)

// Collect records every event in memory. It is mostly useful in tests.
type Collect struct {
	mu         sync.Mutex
	events     []string
	begun      bool
	suites     []*generator.Suite
	ended      []*models.TestResult
	variants   map[string]*models.TestVariant
	stdout     []models.Chunk
	stderr     []models.Chunk
	fileErrors map[string]error
	timedOut   bool
	summary    *models.Summary
}

// NewCollect creates an empty collector.
func NewCollect() *Collect {
	return &Collect{
		variants:   make(map[string]*models.TestVariant),
		fileErrors: make(map[string]error),
	}
}

func (c *Collect) record(format string, args ...any) {
	c.events = append(c.events, fmt.Sprintf(format, args...))
}

func (c *Collect) OnBegin(cfg models.RunConfig, suites []*generator.Suite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begun = true
	c.suites = suites
	c.record("begin")
}

func (c *Collect) OnTestBegin(v *models.TestVariant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[v.ID] = v
	c.record("testBegin %s", v.ID)
}

func (c *Collect) OnStdOut(v *models.TestVariant, chunk models.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout = append(c.stdout, chunk)
}

func (c *Collect) OnStdErr(v *models.TestVariant, chunk models.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr = append(c.stderr, chunk)
}

func (c *Collect) OnTestEnd(v *models.TestVariant, result *models.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants[v.ID] = v
	c.ended = append(c.ended, result)
	c.record("testEnd %s %s", v.ID, result.Status)
}

func (c *Collect) OnFileError(file string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileErrors[file] = err
	c.record("fileError %s", file)
}

func (c *Collect) OnTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timedOut = true
	c.record("timeout")
}

func (c *Collect) OnEnd(summary *models.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = summary
	c.record("end")
}

// Events returns a log of the received events in order.
func (c *Collect) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// Begun reports whether OnBegin was called.
func (c *Collect) Begun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begun
}

// Suites returns the suites passed to OnBegin.
func (c *Collect) Suites() []*generator.Suite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suites
}

// Results returns the results of every testEnd in order.
func (c *Collect) Results() []*models.TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.TestResult(nil), c.ended...)
}

// Variant returns a variant seen in a test event.
func (c *Collect) Variant(id string) *models.TestVariant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variants[id]
}

// Stdout returns every stdout chunk received.
func (c *Collect) Stdout() []models.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Chunk(nil), c.stdout...)
}

// Stderr returns every stderr chunk received.
func (c *Collect) Stderr() []models.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Chunk(nil), c.stderr...)
}

// FileErrors returns the reported file errors.
func (c *Collect) FileErrors() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]error, len(c.fileErrors))
	for k, v := range c.fileErrors {
		out[k] = v
	}
	return out
}

// TimedOut reports whether OnTimeout was called.
func (c *Collect) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}

// Summary returns the summary passed to OnEnd.
func (c *Collect) Summary() *models.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}
