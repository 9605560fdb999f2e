// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLegacyConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestMigrateFromLegacyJSON(t *testing.T) {
	path := writeLegacyConfig(t, `{
		"app": {
			"scanner": {
				"video_roots": ["/videos/room1", "/videos/room2"],
				"extensions": [".flv", ".mp4"],
				"allow_list": ["^live_"],
				"deny_list": ["_test$"]
			},
			"output": {
				"output_root": "/data/output",
				"keep_original": true
			},
			"scheduler": {
				"scan_interval_seconds": 45,
				"merge_window_hours": 2
			},
			"server_port": 8080
		},
		"listeners": [{"port": 8080}]
	}`)

	cfg, err := MigrateFromLegacyJSON(path)
	if err != nil {
		t.Fatalf("MigrateFromLegacyJSON() error = %v", err)
	}

	if len(cfg.Scanner.VideoRoots) != 2 {
		t.Fatalf("VideoRoots = %d, want 2", len(cfg.Scanner.VideoRoots))
	}
	if cfg.Scanner.VideoRoots[0].Path != "/videos/room1" {
		t.Errorf("VideoRoots[0].Path = %q", cfg.Scanner.VideoRoots[0].Path)
	}
	if len(cfg.Scanner.Extensions) != 2 || cfg.Scanner.Extensions[0] != ".flv" {
		t.Errorf("Extensions = %v", cfg.Scanner.Extensions)
	}
	if cfg.Output.OutputRoot != "/data/output" || !cfg.Output.KeepOriginal {
		t.Errorf("Output = %+v", cfg.Output)
	}
	if cfg.Scheduler.ScanIntervalSeconds != 45 || cfg.Scheduler.MergeWindowHours != 2 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	// Fields the legacy format had no concept of fall back to defaults.
	if cfg.Scheduler.StabilityThreshold == 0 {
		t.Error("StabilityThreshold should inherit the default, not zero out")
	}
	if cfg.Temp.TempDir == "" {
		t.Error("TempDir should inherit the default")
	}
}

func TestMigrateFromLegacyJSONMissingFile(t *testing.T) {
	if _, err := MigrateFromLegacyJSON("/nonexistent/config.json"); err == nil {
		t.Error("MigrateFromLegacyJSON() expected error for missing file")
	}
}

func TestMigrateFromLegacyJSONInvalidJSON(t *testing.T) {
	path := writeLegacyConfig(t, `{not valid json`)
	if _, err := MigrateFromLegacyJSON(path); err == nil {
		t.Error("MigrateFromLegacyJSON() expected error for invalid JSON")
	}
}

func TestMigrateFromLegacyJSONKeepsDefaultWhenSchedulerFieldsZero(t *testing.T) {
	path := writeLegacyConfig(t, `{"app": {"scanner": {"video_roots": ["/videos"]}}}`)

	cfg, err := MigrateFromLegacyJSON(path)
	if err != nil {
		t.Fatalf("MigrateFromLegacyJSON() error = %v", err)
	}
	if cfg.Scheduler.ScanIntervalSeconds != DefaultConfig().Scheduler.ScanIntervalSeconds {
		t.Errorf("ScanIntervalSeconds = %d, want default preserved", cfg.Scheduler.ScanIntervalSeconds)
	}
}
