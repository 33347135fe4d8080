// internal/config/config.go
//
// This package handles configuration and the .stagegate directory structure.
// A project that runs stagegate gets a .stagegate/ folder in its root holding
// config.yaml, logs and the timeline logbook.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/registry"
	"github.com/kingrea/stagegate/internal/tier"
)

const (
	// StagegateDir is the name of the directory we create in each project
	StagegateDir = ".stagegate"

	EnvDependencyMode = "STAGEGATE_DEPENDENCY_MODE"
	EnvExpectedTotal  = "STAGEGATE_EXPECTED_TOTAL"
	EnvLogLevel       = "STAGEGATE_LOG_LEVEL"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

const defaultProjectConfigYAML = `# stagegate project configuration
version: 1

# Offsets from clock start, in milliseconds, at which each stage is entered.
stages:
  critical: 0
  important: 100
  secondary: 200
  background: 500
  complete: 800

# Base release delay per tier and the number of calls each tier expects.
tiers:
  critical:   { delay_ms: 0,   expected: 2 }
  important:  { delay_ms: 50,  expected: 4 }
  secondary:  { delay_ms: 150, expected: 2 }
  background: { delay_ms: 400, expected: 2 }

dependencies:
  # snapshot checks dependencies once at registration, so a call can still
  # fire before a delayed dependency. gated re-checks after every penalty
  # window up to max_waits times.
  mode: snapshot
  penalty_ms: 100
  max_waits: 3

progress:
  # Denominator for overall progress. 0 derives it from the registered calls.
  expected_total: 10

bridge:
  enabled: false
  host: 127.0.0.1
  port: 8765

logging:
  level: info
`

// TierConfig tunes one tier.
type TierConfig struct {
	DelayMS  *int `yaml:"delay_ms,omitempty"`
	Expected *int `yaml:"expected,omitempty"`
}

// DependencyConfig tunes dependency handling.
type DependencyConfig struct {
	Mode      string `yaml:"mode"`
	PenaltyMS *int   `yaml:"penalty_ms,omitempty"`
	MaxWaits  *int   `yaml:"max_waits,omitempty"`
}

// ProgressConfig tunes the overall progress heuristic.
type ProgressConfig struct {
	ExpectedTotal *int `yaml:"expected_total,omitempty"`
}

// BridgeConfig mirrors the optional HTTP status bridge settings.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// LoggingConfig selects log verbosity and an optional file sink.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// ProjectConfig models .stagegate/config.yaml.
type ProjectConfig struct {
	Version      int                   `yaml:"version"`
	Stages       map[string]int        `yaml:"stages,omitempty"`
	Tiers        map[string]TierConfig `yaml:"tiers,omitempty"`
	Dependencies DependencyConfig      `yaml:"dependencies"`
	Progress     ProgressConfig        `yaml:"progress"`
	Bridge       BridgeConfig          `yaml:"bridge"`
	Logging      LoggingConfig         `yaml:"logging"`
}

// Config holds the runtime configuration for stagegate.
type Config struct {
	// ProjectDir is the directory stagegate was run from
	ProjectDir string

	// StagegateProjectDir is ProjectDir/.stagegate
	StagegateProjectDir string

	Project ProjectConfig
}

// InitStagegateDir creates the .stagegate directory structure and a default
// config.yaml when none exists.
//
// Structure created:
// .stagegate/
// ├── config.yaml
// └── logs/        <- log file and timeline logbook
func InitStagegateDir(projectDir string) error {
	dir := filepath.Join(projectDir, StagegateDir)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return err
	}
	return ensureProjectConfig(filepath.Join(dir, "config.yaml"))
}

// NewConfig loads .stagegate/config.yaml from projectDir. A missing file
// yields the defaults.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:          projectDir,
		StagegateProjectDir: filepath.Join(projectDir, StagegateDir),
		Project:             DefaultProjectConfig(),
	}
	if err := cfg.load(cfg.ProjectConfigPath(), true); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads an explicit config file. Unlike NewConfig the file must
// exist.
func LoadFile(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	projectDir := filepath.Dir(abs)
	if filepath.Base(projectDir) == StagegateDir {
		projectDir = filepath.Dir(projectDir)
	}
	cfg := &Config{
		ProjectDir:          projectDir,
		StagegateProjectDir: filepath.Join(projectDir, StagegateDir),
		Project:             DefaultProjectConfig(),
	}
	if err := cfg.load(abs, false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a config document on top of the defaults, applies
// environment overrides and validates the result.
func Parse(data []byte) (ProjectConfig, error) {
	parsed := DefaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return ProjectConfig{}, fmt.Errorf("config: parse: %w", err)
	}
	parsed.applyDefaults()
	parsed.applyEnvOverrides()
	if err := parsed.Validate(); err != nil {
		return ProjectConfig{}, err
	}
	return parsed, nil
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StagegateProjectDir, "config.yaml")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StagegateProjectDir, "logs")
}

// LogbookPath returns the default timeline logbook location.
func (c *Config) LogbookPath() string {
	return filepath.Join(c.LogsDir(), "timeline.log")
}

// LogFilePath returns the configured log file, resolved against the
// project directory. Empty means console only.
func (c *Config) LogFilePath() string {
	return resolvePath(c.ProjectDir, c.Project.Logging.File)
}

// Orchestrator converts the project config into orchestrator settings.
func (c *Config) Orchestrator() (orchestrator.Config, error) {
	return c.Project.Orchestrator()
}

func (c *Config) load(path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			c.Project.applyEnvOverrides()
			return c.Project.Validate()
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	c.Project = parsed
	return nil
}

// DefaultProjectConfig returns the stock configuration.
func DefaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{Version: 1}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	defaults := orchestrator.DefaultConfig()
	if pc.Stages == nil {
		pc.Stages = map[string]int{}
	}
	for _, stage := range tier.Stages()[1:] {
		if _, ok := pc.Stages[stage.String()]; !ok {
			pc.Stages[stage.String()] = int(defaults.Offsets[stage] / time.Millisecond)
		}
	}
	if pc.Tiers == nil {
		pc.Tiers = map[string]TierConfig{}
	}
	for _, t := range tier.All() {
		tc := pc.Tiers[t.String()]
		if tc.DelayMS == nil {
			tc.DelayMS = intPtr(int(defaults.Registry.Delays[t] / time.Millisecond))
		}
		if tc.Expected == nil {
			tc.Expected = intPtr(defaults.Registry.ExpectedPerTier[t])
		}
		pc.Tiers[t.String()] = tc
	}
	pc.Dependencies.Mode = strings.ToLower(strings.TrimSpace(pc.Dependencies.Mode))
	if pc.Dependencies.Mode == "" {
		pc.Dependencies.Mode = string(registry.ModeSnapshot)
	}
	if pc.Dependencies.PenaltyMS == nil {
		pc.Dependencies.PenaltyMS = intPtr(int(defaults.Registry.DependencyPenalty / time.Millisecond))
	}
	if pc.Dependencies.MaxWaits == nil {
		pc.Dependencies.MaxWaits = intPtr(defaults.Registry.MaxDependencyWaits)
	}
	if pc.Progress.ExpectedTotal == nil {
		pc.Progress.ExpectedTotal = intPtr(defaults.Registry.ExpectedTotal)
	}
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	if pc.Logging.Level == "" {
		pc.Logging.Level = "info"
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if mode := strings.TrimSpace(os.Getenv(EnvDependencyMode)); mode != "" {
		pc.Dependencies.Mode = strings.ToLower(mode)
	}
	if raw := strings.TrimSpace(os.Getenv(EnvExpectedTotal)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			pc.Progress.ExpectedTotal = intPtr(n)
		}
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		pc.Logging.Level = strings.ToLower(level)
	}
}

// Validate reports the first configuration problem found.
func (pc ProjectConfig) Validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalid)
	}
	for name := range pc.Stages {
		stage, err := tier.ParseStage(name)
		if err != nil || stage == tier.Initial {
			return fmt.Errorf("%w: stages: unknown stage %q", ErrInvalid, name)
		}
	}
	for name := range pc.Tiers {
		if _, err := tier.Parse(name); err != nil {
			return fmt.Errorf("%w: tiers: %v", ErrInvalid, err)
		}
	}
	if _, err := registry.ParseDependencyMode(pc.Dependencies.Mode); err != nil {
		return fmt.Errorf("%w: dependencies: %v", ErrInvalid, err)
	}
	switch pc.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalid, pc.Logging.Level)
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("%w: bridge.port %d", ErrInvalid, pc.Bridge.Port)
	}
	if _, err := pc.Orchestrator(); err != nil {
		return err
	}
	return nil
}

// Orchestrator converts the document into orchestrator settings.
func (pc ProjectConfig) Orchestrator() (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	for name, ms := range pc.Stages {
		stage, err := tier.ParseStage(name)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		cfg.Offsets[stage] = millis(ms)
	}
	if err := cfg.Offsets.Validate(); err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for name, tc := range pc.Tiers {
		t, err := tier.Parse(name)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if tc.DelayMS != nil {
			cfg.Registry.Delays[t] = millis(*tc.DelayMS)
		}
		if tc.Expected != nil {
			cfg.Registry.ExpectedPerTier[t] = *tc.Expected
		}
	}
	mode, err := registry.ParseDependencyMode(pc.Dependencies.Mode)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Registry.Mode = mode
	if pc.Dependencies.PenaltyMS != nil {
		cfg.Registry.DependencyPenalty = millis(*pc.Dependencies.PenaltyMS)
	}
	if pc.Dependencies.MaxWaits != nil {
		cfg.Registry.MaxDependencyWaits = *pc.Dependencies.MaxWaits
	}
	if pc.Progress.ExpectedTotal != nil {
		cfg.Registry.ExpectedTotal = *pc.Progress.ExpectedTotal
	}
	if err := cfg.Registry.Validate(); err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func intPtr(v int) *int {
	return &v
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

