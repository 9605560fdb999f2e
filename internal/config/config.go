// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/vodforge/vodforge/internal/rules"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/vodforge/config.yaml"

// Config is the top-level daemon configuration, matching spec.md §6's
// AppConfig schema.
type Config struct {
	Scanner   ScannerConfig   `yaml:"scanner" koanf:"scanner"`
	Output    OutputConfig    `yaml:"output" koanf:"output"`
	Scheduler SchedulerConfig `yaml:"scheduler" koanf:"scheduler"`
	Temp      TempConfig      `yaml:"temp" koanf:"temp"`
	Encoder   EncoderConfig   `yaml:"encoder" koanf:"encoder"`
}

// VideoRootConfig is one directory tree scanned for recordings, plus its
// own directory filter and optional-deletion policy.
type VideoRootConfig struct {
	Path         string       `yaml:"path" koanf:"path"`
	FilterMode   rules.Mode   `yaml:"filter_mode" koanf:"filter_mode"`
	Rules        []rules.Rule `yaml:"rules" koanf:"rules"`
	EnableDelete bool         `yaml:"enable_delete" koanf:"enable_delete"`
	DeleteMode   rules.Mode   `yaml:"delete_mode" koanf:"delete_mode"`
	DeleteRules  []rules.Rule `yaml:"delete_rules" koanf:"delete_rules"`
}

// ScannerConfig controls which files the scanner discovers.
type ScannerConfig struct {
	VideoRoots      []VideoRootConfig `yaml:"video_roots" koanf:"video_roots"`
	Extensions      []string          `yaml:"extensions" koanf:"extensions"`
	AllowList       []string          `yaml:"allow_list" koanf:"allow_list"`
	DenyList        []string          `yaml:"deny_list" koanf:"deny_list"`
	SimpleAllowList []string          `yaml:"simple_allow_list" koanf:"simple_allow_list"`
	SimpleDenyList  []string          `yaml:"simple_deny_list" koanf:"simple_deny_list"`
}

// OutputConfig controls where finalized recordings land.
type OutputConfig struct {
	OutputRoot   string `yaml:"output_root" koanf:"output_root"`
	KeepOriginal bool   `yaml:"keep_original" koanf:"keep_original"`
}

// SchedulerConfig controls cycle timing.
type SchedulerConfig struct {
	ScanIntervalSeconds int `yaml:"scan_interval_seconds" koanf:"scan_interval_seconds"`
	MergeWindowHours    int `yaml:"merge_window_hours" koanf:"merge_window_hours"`
	StabilityThreshold  int `yaml:"stability_threshold" koanf:"stability_threshold"`
	QuiescenceSeconds   int `yaml:"quiescence_seconds" koanf:"quiescence_seconds"`
}

// TempConfig controls scratch space used during encoding.
type TempConfig struct {
	TempDir     string `yaml:"temp_dir" koanf:"temp_dir"`
	SizeLimitMB int64  `yaml:"size_limit_mb" koanf:"size_limit_mb"`
}

// EncoderConfig controls the encoder pool and ffmpeg quality knobs.
type EncoderConfig struct {
	MaxParallel int `yaml:"max_parallel" koanf:"max_parallel"`
	MaxRetries  int `yaml:"max_retries" koanf:"max_retries"`
	CRF         int `yaml:"crf" koanf:"crf"`
	Preset      int `yaml:"preset" koanf:"preset"`
}

// ScanInterval returns the scheduler tick interval as a time.Duration.
func (s SchedulerConfig) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalSeconds) * time.Second
}

// MergeWindow returns the batcher merge window as a time.Duration.
func (s SchedulerConfig) MergeWindow() time.Duration {
	return time.Duration(s.MergeWindowHours) * time.Hour
}

// Quiescence returns the finalizer quiescence period as a time.Duration.
func (s SchedulerConfig) Quiescence() time.Duration {
	return time.Duration(s.QuiescenceSeconds) * time.Second
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
// Tests can replace this with a function returning a mock atomicFile.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file via an atomic
// write-temp-then-rename sequence.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may contain internal filesystem layout details and
	// should not be world-readable.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Scanner.Validate(); err != nil {
		return fmt.Errorf("scanner config: %w", err)
	}
	if c.Output.OutputRoot == "" {
		return fmt.Errorf("output config: output_root cannot be empty")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	if c.Temp.TempDir == "" {
		return fmt.Errorf("temp config: temp_dir cannot be empty")
	}
	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}
	return nil
}

// Validate checks scanner configuration for invalid values.
func (s *ScannerConfig) Validate() error {
	if len(s.VideoRoots) == 0 {
		return fmt.Errorf("at least one video root must be configured")
	}
	for i, root := range s.VideoRoots {
		if root.Path == "" {
			return fmt.Errorf("video_roots[%d]: path cannot be empty", i)
		}
		if _, err := rules.Compile(rules.Filter{Mode: root.FilterMode, Rules: root.Rules}); err != nil {
			return fmt.Errorf("video_roots[%d]: %w", i, err)
		}
		if root.EnableDelete {
			if _, err := rules.Compile(rules.Filter{Mode: root.DeleteMode, Rules: root.DeleteRules}); err != nil {
				return fmt.Errorf("video_roots[%d]: delete rules: %w", i, err)
			}
		}
	}
	if len(s.Extensions) == 0 {
		return fmt.Errorf("at least one extension must be configured")
	}
	return nil
}

// Validate checks scheduler configuration for invalid values.
func (s *SchedulerConfig) Validate() error {
	if s.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("scan_interval_seconds must be positive")
	}
	if s.MergeWindowHours <= 0 {
		return fmt.Errorf("merge_window_hours must be positive")
	}
	if s.StabilityThreshold <= 0 {
		return fmt.Errorf("stability_threshold must be positive")
	}
	if s.QuiescenceSeconds < 0 {
		return fmt.Errorf("quiescence_seconds must not be negative")
	}
	return nil
}

// Validate checks encoder configuration for invalid values.
func (e *EncoderConfig) Validate() error {
	if e.MaxParallel <= 0 {
		return fmt.Errorf("max_parallel must be positive")
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if e.CRF < 0 || e.CRF > 63 {
		return fmt.Errorf("crf must be between 0 and 63")
	}
	if e.Preset < 0 || e.Preset > 13 {
		return fmt.Errorf("preset must be between 0 and 13")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults, used when
// no config file exists yet or for testing.
func DefaultConfig() *Config {
	return &Config{
		Scanner: ScannerConfig{
			VideoRoots: []VideoRootConfig{},
			Extensions: []string{".flv", ".mp4", ".ts"},
		},
		Output: OutputConfig{
			OutputRoot:   "/var/lib/vodforge/output",
			KeepOriginal: false,
		},
		Scheduler: SchedulerConfig{
			ScanIntervalSeconds: 30,
			MergeWindowHours:    1,
			StabilityThreshold:  3,
			QuiescenceSeconds:   60,
		},
		Temp: TempConfig{
			TempDir:     "/var/lib/vodforge/tmp",
			SizeLimitMB: 0,
		},
		Encoder: EncoderConfig{
			MaxParallel: 2,
			MaxRetries:  2,
			CRF:         30,
			Preset:      6,
		},
	}
}
