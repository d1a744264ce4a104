// Package config loads testfleet run settings from YAML and command-line
// flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/testfleet/internal/models"
)

// Worker modes
const (
	WorkersProcess   = "process"
	WorkersInProcess = "inprocess"
)

// Known reporter names
var knownReporters = map[string]bool{
	"log":      true,
	"json":     true,
	"markdown": true,
}

// Config represents testfleet configuration options
type Config struct {
	// Jobs is the maximum number of live workers
	Jobs int `yaml:"jobs"`

	// Timeout is the per-test time budget (0 = no timeout)
	Timeout time.Duration `yaml:"timeout"`

	// GlobalTimeout bounds the whole run (0 = unbounded)
	GlobalTimeout time.Duration `yaml:"global_timeout"`

	// Retries is the number of extra attempts for failing tests
	Retries int `yaml:"retries"`

	// RepeatEach runs every test this many times
	RepeatEach int `yaml:"repeat_each"`

	// Grep selects tests whose "file title path" matches
	Grep string `yaml:"grep"`

	// Shard runs one slice of the tests
	Shard *models.Shard `yaml:"shard"`

	// ForbidOnly fails the run when focused tests are present
	ForbidOnly bool `yaml:"forbid_only"`

	// TrialRun reports every test as expected without running it
	TrialRun bool `yaml:"trial_run"`

	// OutputDir receives reports and test artifacts
	OutputDir string `yaml:"output_dir"`

	// Matrix maps parameter fixture names to the values to expand over
	Matrix map[string][]any `yaml:"matrix"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs will be written
	LogDir string `yaml:"log_dir"`

	// Workers selects process or in-process workers
	Workers string `yaml:"workers"`

	// StopTimeout is how long workers get to exit after stop
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// MetricsAddr exposes prometheus metrics when set (e.g. ":9464")
	MetricsAddr string `yaml:"metrics_addr"`

	// Reporters lists the enabled reporters
	Reporters []string `yaml:"reporters"`
}

// DefaultJobs is half the available CPUs, at least one.
func DefaultJobs() int {
	return max(1, runtime.NumCPU()/2)
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Jobs:        DefaultJobs(),
		Timeout:     30 * time.Second,
		RepeatEach:  1,
		OutputDir:   "test-results",
		LogLevel:    "info",
		LogDir:      filepath.Join(".testfleet", "logs"),
		Workers:     WorkersProcess,
		StopTimeout: 10 * time.Second,
		Reporters:   []string{"log"},
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Durations and the shard are strings in YAML.
	type yamlConfig struct {
		Jobs          int              `yaml:"jobs"`
		Timeout       string           `yaml:"timeout"`
		GlobalTimeout string           `yaml:"global_timeout"`
		Retries       int              `yaml:"retries"`
		RepeatEach    int              `yaml:"repeat_each"`
		Grep          string           `yaml:"grep"`
		Shard         string           `yaml:"shard"`
		ForbidOnly    bool             `yaml:"forbid_only"`
		TrialRun      bool             `yaml:"trial_run"`
		OutputDir     string           `yaml:"output_dir"`
		Matrix        map[string][]any `yaml:"matrix"`
		LogLevel      string           `yaml:"log_level"`
		LogDir        string           `yaml:"log_dir"`
		Workers       string           `yaml:"workers"`
		StopTimeout   string           `yaml:"stop_timeout"`
		MetricsAddr   string           `yaml:"metrics_addr"`
		Reporters     []string         `yaml:"reporters"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Explicit zero values (timeout: 0, retries: 0) must override defaults,
	// so presence is checked on the raw document.
	var rawMap map[string]any
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	set := func(key string) bool {
		_, ok := rawMap[key]
		return ok
	}

	if set("jobs") {
		cfg.Jobs = yamlCfg.Jobs
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeout", yamlCfg.Timeout, &cfg.Timeout},
		{"global_timeout", yamlCfg.GlobalTimeout, &cfg.GlobalTimeout},
		{"stop_timeout", yamlCfg.StopTimeout, &cfg.StopTimeout},
	}
	for _, d := range durations {
		if !set(d.key) {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", d.key, d.raw, err)
		}
		*d.dst = v
	}
	if set("retries") {
		cfg.Retries = yamlCfg.Retries
	}
	if set("repeat_each") {
		cfg.RepeatEach = yamlCfg.RepeatEach
	}
	if yamlCfg.Grep != "" {
		cfg.Grep = yamlCfg.Grep
	}
	if yamlCfg.Shard != "" {
		shard, err := ParseShard(yamlCfg.Shard)
		if err != nil {
			return nil, err
		}
		cfg.Shard = shard
	}
	if yamlCfg.ForbidOnly {
		cfg.ForbidOnly = true
	}
	if yamlCfg.TrialRun {
		cfg.TrialRun = true
	}
	if yamlCfg.OutputDir != "" {
		cfg.OutputDir = yamlCfg.OutputDir
	}
	if len(yamlCfg.Matrix) > 0 {
		cfg.Matrix = yamlCfg.Matrix
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}
	if yamlCfg.Workers != "" {
		cfg.Workers = yamlCfg.Workers
	}
	if yamlCfg.MetricsAddr != "" {
		cfg.MetricsAddr = yamlCfg.MetricsAddr
	}
	if set("reporters") {
		cfg.Reporters = yamlCfg.Reporters
	}

	return cfg, nil
}

// parseDuration accepts Go durations plus a bare "0".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// LoadConfigFromDir loads configuration from .testfleet/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".testfleet", "config.yaml")
	return LoadConfig(configPath)
}

// ParseShard parses "current/total", e.g. "2/3".
func ParseShard(s string) (*models.Shard, error) {
	current, total, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return nil, fmt.Errorf("invalid shard %q, expected current/total", s)
	}
	c, err := strconv.Atoi(current)
	if err != nil {
		return nil, fmt.Errorf("invalid shard %q: %w", s, err)
	}
	t, err := strconv.Atoi(total)
	if err != nil {
		return nil, fmt.Errorf("invalid shard %q: %w", s, err)
	}
	return &models.Shard{Current: c, Total: t}, nil
}

// Overrides carries command-line values. Non-nil fields win over the
// config file.
type Overrides struct {
	Jobs          *int
	Timeout       *time.Duration
	GlobalTimeout *time.Duration
	Retries       *int
	RepeatEach    *int
	Grep          *string
	Shard         *models.Shard
	ForbidOnly    *bool
	TrialRun      *bool
	OutputDir     *string
	LogLevel      *string
	LogDir        *string
	Workers       *string
	MetricsAddr   *string
	Reporters     []string
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(o Overrides) {
	if o.Jobs != nil {
		c.Jobs = *o.Jobs
	}
	if o.Timeout != nil {
		c.Timeout = *o.Timeout
	}
	if o.GlobalTimeout != nil {
		c.GlobalTimeout = *o.GlobalTimeout
	}
	if o.Retries != nil {
		c.Retries = *o.Retries
	}
	if o.RepeatEach != nil {
		c.RepeatEach = *o.RepeatEach
	}
	if o.Grep != nil {
		c.Grep = *o.Grep
	}
	if o.Shard != nil {
		shard := *o.Shard
		c.Shard = &shard
	}
	if o.ForbidOnly != nil {
		c.ForbidOnly = *o.ForbidOnly
	}
	if o.TrialRun != nil {
		c.TrialRun = *o.TrialRun
	}
	if o.OutputDir != nil {
		c.OutputDir = *o.OutputDir
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Workers != nil {
		c.Workers = *o.Workers
	}
	if o.MetricsAddr != nil {
		c.MetricsAddr = *o.MetricsAddr
	}
	if o.Reporters != nil {
		c.Reporters = o.Reporters
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be >= 1, got %d", c.Jobs)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}
	if c.GlobalTimeout < 0 {
		return fmt.Errorf("global_timeout must be >= 0, got %v", c.GlobalTimeout)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must be >= 0, got %v", c.StopTimeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", c.Retries)
	}
	if c.RepeatEach < 1 {
		return fmt.Errorf("repeat_each must be >= 1, got %d", c.RepeatEach)
	}
	if c.Grep != "" {
		if _, err := regexp.Compile(c.Grep); err != nil {
			return fmt.Errorf("invalid grep %q: %w", c.Grep, err)
		}
	}
	if c.Shard != nil {
		if c.Shard.Total < 1 || c.Shard.Current < 1 || c.Shard.Current > c.Shard.Total {
			return fmt.Errorf("invalid shard %s, current must be between 1 and total", c.Shard)
		}
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Workers != WorkersProcess && c.Workers != WorkersInProcess {
		return fmt.Errorf("invalid workers %q, must be %s or %s", c.Workers, WorkersProcess, WorkersInProcess)
	}

	for name, values := range c.Matrix {
		if len(values) == 0 {
			return fmt.Errorf("matrix parameter %q has no values", name)
		}
	}

	for _, r := range c.Reporters {
		if !knownReporters[r] {
			return fmt.Errorf("unknown reporter %q, must be one of: log, json, markdown", r)
		}
	}

	return nil
}

// RunConfig converts the configuration into what the engine consumes.
func (c *Config) RunConfig() models.RunConfig {
	rc := models.RunConfig{
		Jobs:          c.Jobs,
		Timeout:       c.Timeout,
		GlobalTimeout: c.GlobalTimeout,
		Retries:       c.Retries,
		RepeatEach:    c.RepeatEach,
		Grep:          c.Grep,
		ForbidOnly:    c.ForbidOnly,
		TrialRun:      c.TrialRun,
		OutputDir:     c.OutputDir,
		Matrix:        c.Matrix,
	}
	if c.Shard != nil {
		shard := *c.Shard
		rc.Shard = &shard
	}
	return rc
}

// HasReporter reports whether the named reporter is enabled.
func (c *Config) HasReporter(name string) bool {
	for _, r := range c.Reporters {
		if r == name {
			return true
		}
	}
	return false
}
