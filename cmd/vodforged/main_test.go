// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/vodforge/vodforge/internal/config"
	"github.com/vodforge/vodforge/internal/health"
	"github.com/vodforge/vodforge/internal/supervisor"
)

func TestDaemonFlagsStruct(t *testing.T) {
	flags := daemonFlags{
		ConfigPath: "/tmp/config.yaml",
		LockDir:    "/tmp/vodforge",
		LogLevel:   "debug",
	}
	if flags.ConfigPath != "/tmp/config.yaml" {
		t.Errorf("ConfigPath = %q, want %q", flags.ConfigPath, "/tmp/config.yaml")
	}
	if flags.LockDir != "/tmp/vodforge" {
		t.Errorf("LockDir = %q, want %q", flags.LockDir, "/tmp/vodforge")
	}
	if flags.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", flags.LogLevel, "debug")
	}
}

func TestRunDaemonLockDirError(t *testing.T) {
	flags := daemonFlags{
		ConfigPath: "/tmp/config.yaml",
		LockDir:    "/\x00invalid",
		LogLevel:   "error",
	}
	code := runDaemon(flags)
	if code != 1 {
		t.Errorf("runDaemon() with invalid lock dir returned %d, want 1", code)
	}
}

func TestRunDaemonFFmpegNotFound(t *testing.T) {
	if _, err := findFFmpegPath(); err == nil {
		t.Skip("ffmpeg is installed; cannot test missing-ffmpeg path")
	}
	tmpDir := t.TempDir()
	flags := daemonFlags{
		ConfigPath: filepath.Join(tmpDir, "nonexistent.yaml"),
		LockDir:    filepath.Join(tmpDir, "lock"),
		LogLevel:   "error",
	}
	code := runDaemon(flags)
	if code != 1 {
		t.Errorf("runDaemon() without ffmpeg returned %d, want 1", code)
	}
}

func TestParseSlogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseSlogLevel(tt.input); got != tt.want {
				t.Errorf("parseSlogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadConfigurationMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfiguration(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("cfg must not be nil")
	}
	if len(cfg.Scanner.Extensions) == 0 {
		t.Error("default config should have at least one extension")
	}
}

func TestLoadConfigurationInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadConfiguration(path); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestSupervisorStatusProviderNoServices(t *testing.T) {
	sup := supervisor.New(supervisor.Config{ShutdownTimeout: 5 * time.Second})
	provider := &supervisorStatusProvider{sup: sup}
	if got := provider.Services(); len(got) != 0 {
		t.Errorf("Services() returned %d services, want 0", len(got))
	}
}

func TestSupervisorStatusProviderHealthyMapping(t *testing.T) {
	sup := supervisor.New(supervisor.Config{ShutdownTimeout: 5 * time.Second})
	svc := &mockService{name: "test_root"}
	if err := sup.Add(svc); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	provider := &supervisorStatusProvider{sup: sup}
	services := provider.Services()
	cancel()

	if len(services) != 1 {
		t.Fatalf("Services() returned %d services, want 1", len(services))
	}
	if services[0].State != "running" {
		t.Errorf("Services()[0].State = %q, want %q", services[0].State, "running")
	}
	if !services[0].Healthy {
		t.Error("Services()[0].Healthy = false, want true for running service")
	}
}

func TestSupervisorStatusProviderFailedService(t *testing.T) {
	sup := supervisor.New(supervisor.Config{ShutdownTimeout: 5 * time.Second})
	svc := &mockService{name: "failing_root", err: errors.New("disk unavailable")}
	if err := sup.Add(svc); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	provider := &supervisorStatusProvider{sup: sup}
	services := provider.Services()
	cancel()

	if len(services) != 1 {
		t.Fatalf("Services() returned %d services, want 1", len(services))
	}
	if services[0].Healthy {
		t.Error("Services()[0].Healthy = true, want false for failed service")
	}
	if services[0].Error == "" {
		t.Error("Services()[0].Error should be non-empty for failed service")
	}
}

func TestSupervisorStatusProviderImplementsInterface(t *testing.T) {
	sup := supervisor.New(supervisor.Config{})
	var _ health.StatusProvider = &supervisorStatusProvider{sup: sup}
}

func TestSystemInfoProviderUnknownPath(t *testing.T) {
	provider := &systemInfoProvider{outputRoot: "/this/path/does/not/exist"}
	si := provider.SystemInfo()
	if si.DiskTotalBytes != 0 {
		t.Errorf("DiskTotalBytes = %d, want 0 for a missing path", si.DiskTotalBytes)
	}
}

func TestConfigProviderConfigReturnsStoredPointer(t *testing.T) {
	cfg := config.DefaultConfig()
	cp := &configProvider{cfg: cfg, path: filepath.Join(t.TempDir(), "config.yaml")}
	if got := cp.Config(); got != cfg {
		t.Error("Config() did not return the stored pointer")
	}
}

func TestConfigProviderUpdateConfigRejectsInvalid(t *testing.T) {
	cp := &configProvider{cfg: config.DefaultConfig(), path: filepath.Join(t.TempDir(), "config.yaml")}
	bad := config.DefaultConfig()
	bad.Output.OutputRoot = ""
	if err := cp.UpdateConfig(context.Background(), bad); err == nil {
		t.Error("UpdateConfig() with empty output_root should fail validation")
	}
	if cp.Config().Output.OutputRoot == "" {
		t.Error("a rejected UpdateConfig must not replace the stored config")
	}
}

func TestConfigProviderUpdateConfigPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cp := &configProvider{cfg: config.DefaultConfig(), path: path}
	updated := config.DefaultConfig()
	updated.Scanner.VideoRoots = []config.VideoRootConfig{{Path: "/var/lib/vodforge/recordings"}}
	updated.Output.OutputRoot = "/var/lib/vodforge/other"
	if err := cp.UpdateConfig(context.Background(), updated); err != nil {
		t.Fatalf("UpdateConfig() error: %v", err)
	}
	if cp.Config().Output.OutputRoot != "/var/lib/vodforge/other" {
		t.Errorf("Config().Output.OutputRoot = %q, want %q", cp.Config().Output.OutputRoot, "/var/lib/vodforge/other")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("UpdateConfig() should persist the config file: %v", err)
	}
}

// mockService is a minimal supervisor.Service for testing.
type mockService struct {
	name string
	err  error
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Run(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}
	<-ctx.Done()
	return ctx.Err()
}
