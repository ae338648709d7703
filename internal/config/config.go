// Package config loads the coordinator configuration from YAML with RVEXEC_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runner kinds.
const (
	RunnerLocal = "local"
	RunnerKube  = "kube"
)

// Task source kinds.
const (
	SourcePlaceholder = "placeholder"
	SourceDir         = "dir"
)

// Program store kinds.
const (
	StoreFixtures = "fixtures"
	StoreDir      = "dir"
	StoreGateway  = "gateway"
)

// Config is the root configuration.
type Config struct {
	Runner   string         `yaml:"runner"` // local, kube
	Workers  int            `yaml:"workers"`
	Kube     KubeConfig     `yaml:"kube"`
	Emulator EmulatorConfig `yaml:"emulator"`
	Source   SourceConfig   `yaml:"source"`
	Programs ProgramsConfig `yaml:"programs"`
	Verify   VerifyConfig   `yaml:"verify"`
	Results  ResultsConfig  `yaml:"results"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// KubeConfig configures the Kubernetes job runner.
type KubeConfig struct {
	Namespace     string `yaml:"namespace"`
	ExecutorImage string `yaml:"executor_image"`
	JobTemplate   string `yaml:"job_template"` // empty means the built-in template
	PollInterval  string `yaml:"poll_interval"`
}

// EmulatorConfig bounds every guest run.
type EmulatorConfig struct {
	MemorySize      uint32 `yaml:"memory_size"`
	MaxInstructions uint64 `yaml:"max_instructions"`
}

// SourceConfig selects where tasks come from.
type SourceConfig struct {
	Kind     string `yaml:"kind"` // placeholder, dir
	SpoolDir string `yaml:"spool_dir"`
	Debounce string `yaml:"debounce"`
}

// ProgramsConfig selects where program images are fetched from.
type ProgramsConfig struct {
	Kind    string `yaml:"kind"` // fixtures, dir, gateway
	Dir     string `yaml:"dir"`
	Gateway string `yaml:"gateway"`
}

// VerifyConfig configures reference verification.
type VerifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CallBudget uint64 `yaml:"call_budget"`
	Timeout    string `yaml:"timeout"`
}

// ResultsConfig configures the result ledger.
type ResultsConfig struct {
	DatabasePath string `yaml:"database_path"` // empty disables the ledger
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Runner:  RunnerLocal,
		Workers: 4,
		Kube: KubeConfig{
			Namespace:     "default",
			ExecutorImage: "rvexec/executor:latest",
			PollInterval:  "3s",
		},
		Emulator: EmulatorConfig{
			MaxInstructions: 500_000_000,
		},
		Source: SourceConfig{
			Kind:     SourcePlaceholder,
			SpoolDir: "spool",
			Debounce: "500ms",
		},
		Programs: ProgramsConfig{
			Kind: StoreFixtures,
			Dir:  "programs",
		},
		Verify: VerifyConfig{
			Enabled:    true,
			CallBudget: 10_000_000,
			Timeout:    "30s",
		},
		Results: ResultsConfig{
			DatabasePath: filepath.Join(".rvexec", "results.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks enumerations and durations.
func (c *Config) Validate() error {
	switch c.Runner {
	case RunnerLocal, RunnerKube:
	default:
		return fmt.Errorf("runner %q: want %s or %s", c.Runner, RunnerLocal, RunnerKube)
	}
	switch c.Source.Kind {
	case SourcePlaceholder, SourceDir:
	default:
		return fmt.Errorf("source kind %q: want %s or %s", c.Source.Kind, SourcePlaceholder, SourceDir)
	}
	switch c.Programs.Kind {
	case StoreFixtures, StoreDir:
	case StoreGateway:
		if c.Programs.Gateway == "" {
			return fmt.Errorf("programs kind %s needs a gateway url", StoreGateway)
		}
	default:
		return fmt.Errorf("programs kind %q: want %s, %s or %s", c.Programs.Kind, StoreFixtures, StoreDir, StoreGateway)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	for name, d := range map[string]string{
		"kube.poll_interval": c.Kube.PollInterval,
		"source.debounce":    c.Source.Debounce,
		"verify.timeout":     c.Verify.Timeout,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration field, falling back to def when it is empty.
// Validate has already rejected malformed values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// applyEnvOverrides applies RVEXEC_* environment variables on top of the
// file values.
func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"RVEXEC_RUNNER":         &c.Runner,
		"RVEXEC_NAMESPACE":      &c.Kube.Namespace,
		"RVEXEC_EXECUTOR_IMAGE": &c.Kube.ExecutorImage,
		"RVEXEC_JOB_TEMPLATE":   &c.Kube.JobTemplate,
		"RVEXEC_SOURCE":         &c.Source.Kind,
		"RVEXEC_SPOOL_DIR":      &c.Source.SpoolDir,
		"RVEXEC_PROGRAMS":       &c.Programs.Kind,
		"RVEXEC_PROGRAM_DIR":    &c.Programs.Dir,
		"RVEXEC_GATEWAY":        &c.Programs.Gateway,
		"RVEXEC_RESULTS_DB":     &c.Results.DatabasePath,
		"RVEXEC_LOG_LEVEL":      &c.Logging.Level,
		"RVEXEC_LOG_FORMAT":     &c.Logging.Format,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := strings.TrimSpace(os.Getenv("RVEXEC_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RVEXEC_WORKERS=%q: %w", v, err)
		}
		c.Workers = n
	}
	if v := strings.TrimSpace(os.Getenv("RVEXEC_MAX_INSTRUCTIONS")); v != "" {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("RVEXEC_MAX_INSTRUCTIONS=%q: %w", v, err)
		}
		c.Emulator.MaxInstructions = n
	}
	if v := strings.TrimSpace(os.Getenv("RVEXEC_VERIFY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RVEXEC_VERIFY=%q: %w", v, err)
		}
		c.Verify.Enabled = b
	}
	return nil
}
