// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vodforge/vodforge/internal/rules"
)

// legacyScannerConfig mirrors the predecessor daemon's flat JSON scanner
// section: a single set of video roots and filters with no per-root
// filter/delete policy.
type legacyScannerConfig struct {
	VideoRoots      []string `json:"video_roots"`
	Extensions      []string `json:"extensions"`
	AllowList       []string `json:"allow_list"`
	DenyList        []string `json:"deny_list"`
	SimpleAllowList []string `json:"simple_allow_list"`
	SimpleDenyList  []string `json:"simple_deny_list"`
}

type legacyOutputConfig struct {
	OutputRoot   string `json:"output_root"`
	KeepOriginal bool   `json:"keep_original"`
}

type legacySchedulerConfig struct {
	ScanIntervalSeconds int `json:"scan_interval_seconds"`
	MergeWindowHours    int `json:"merge_window_hours"`
}

// legacyConfigFile mirrors the predecessor daemon's on-disk config.json,
// which nested its settings under an "app" object alongside an HTTP
// framework's own "listeners"/"server_port" keys that have no equivalent
// here and are dropped during migration.
type legacyConfigFile struct {
	App struct {
		Scanner    legacyScannerConfig   `json:"scanner"`
		Output     legacyOutputConfig    `json:"output"`
		Scheduler  legacySchedulerConfig `json:"scheduler"`
		ServerPort int                   `json:"server_port"`
	} `json:"app"`
}

// MigrateFromLegacyJSON reads the predecessor daemon's config.json and
// converts it into a Config, applying this daemon's own field defaults
// (per-root filters, stability threshold, quiescence, temp, encoder) for
// everything the legacy format had no concept of.
//
// Parameters:
//   - legacyPath: path to the predecessor's config.json
//
// Returns:
//   - *Config: migrated configuration, ready to Save() as YAML
//   - error: if the file cannot be read or parsed
func MigrateFromLegacyJSON(legacyPath string) (*Config, error) {
	// #nosec G304 - path is operator-supplied at migration time, not web request input
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy config: %w", err)
	}

	var legacy legacyConfigFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy config JSON: %w", err)
	}

	cfg := DefaultConfig()

	cfg.Scanner.Extensions = legacy.App.Scanner.Extensions
	cfg.Scanner.AllowList = legacy.App.Scanner.AllowList
	cfg.Scanner.DenyList = legacy.App.Scanner.DenyList
	cfg.Scanner.SimpleAllowList = legacy.App.Scanner.SimpleAllowList
	cfg.Scanner.SimpleDenyList = legacy.App.Scanner.SimpleDenyList

	cfg.Scanner.VideoRoots = make([]VideoRootConfig, 0, len(legacy.App.Scanner.VideoRoots))
	for _, path := range legacy.App.Scanner.VideoRoots {
		// The legacy format scanned every root unconditionally and never
		// deleted originals; reproduce that with a wide-open blacklist
		// filter and deletion left disabled.
		cfg.Scanner.VideoRoots = append(cfg.Scanner.VideoRoots, VideoRootConfig{
			Path:       path,
			FilterMode: rules.Blacklist,
		})
	}

	if legacy.App.Output.OutputRoot != "" {
		cfg.Output.OutputRoot = legacy.App.Output.OutputRoot
	}
	cfg.Output.KeepOriginal = legacy.App.Output.KeepOriginal

	if legacy.App.Scheduler.ScanIntervalSeconds > 0 {
		cfg.Scheduler.ScanIntervalSeconds = legacy.App.Scheduler.ScanIntervalSeconds
	}
	if legacy.App.Scheduler.MergeWindowHours > 0 {
		cfg.Scheduler.MergeWindowHours = legacy.App.Scheduler.MergeWindowHours
	}

	return cfg, nil
}
