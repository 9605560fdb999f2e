// SPDX-License-Identifier: MIT

// Package main implements vodforged, the recording pipeline daemon.
//
// vodforged scans configured video roots, waits for files to stop changing,
// batches same-streamer recordings, transcodes them to AV1, merges the
// batch, extracts its audio track to MP3, and retires the source files --
// unattended, continuously.
//
// Usage:
//
//	vodforged [options]
//
// Options:
//
//	--config=PATH     Path to config file (default: /etc/vodforge/config.yaml)
//	--lock-dir=PATH   Directory for the daemon's lock file (default: /var/run/vodforge)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
//
// Example:
//
//	# Run with default config
//	vodforged
//
//	# Run with a custom config
//	vodforged --config=/path/to/config.yaml
//
// The daemon automatically:
//   - Discovers recordings under every configured video root
//   - Waits for files to become stable before claiming them
//   - Batches same-streamer recordings within the configured merge window
//   - Transcodes fragments to AV1 and extracts MP3 audio
//   - Handles SIGINT/SIGTERM for graceful shutdown
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vodforge/vodforge/internal/config"
	"github.com/vodforge/vodforge/internal/controlplane"
	"github.com/vodforge/vodforge/internal/diagnostics"
	"github.com/vodforge/vodforge/internal/encoder"
	"github.com/vodforge/vodforge/internal/finalizer"
	"github.com/vodforge/vodforge/internal/fingerprint"
	"github.com/vodforge/vodforge/internal/fsscan"
	"github.com/vodforge/vodforge/internal/health"
	"github.com/vodforge/vodforge/internal/lock"
	"github.com/vodforge/vodforge/internal/rules"
	"github.com/vodforge/vodforge/internal/scheduler"
	"github.com/vodforge/vodforge/internal/store"
	"github.com/vodforge/vodforge/internal/stability"
	"github.com/vodforge/vodforge/internal/supervisor"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// daemonFlags holds the daemon's command-line flags, kept as a struct
// (rather than package-level flag.* vars) so runDaemon can be exercised
// directly from tests without touching the process's global flag set.
type daemonFlags struct {
	ConfigPath string
	LockDir    string
	LogLevel   string
}

func main() {
	var flags daemonFlags
	flag.StringVar(&flags.ConfigPath, "config", config.ConfigFilePath, "Path to configuration file")
	flag.StringVar(&flags.LockDir, "lock-dir", "/var/run/vodforge", "Directory for the daemon's lock file")
	flag.StringVar(&flags.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	os.Exit(runDaemon(flags))
}

// runDaemon wires the pipeline and blocks until signalled, returning the
// process exit code. Kept separate from main so tests can drive it with
// flags pointing at a temp directory.
func runDaemon(flags daemonFlags) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseSlogLevel(flags.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("vodforged starting", "version", Version, "commit", Commit, "built", BuildTime)

	if err := os.MkdirAll(flags.LockDir, 0750); err != nil { //nolint:gosec // lock dir needs group read for service monitoring
		logger.Error("failed to create lock directory", "error", err)
		return 1
	}

	fl, err := lock.NewFileLock(filepath.Join(flags.LockDir, "vodforged.lock"))
	if err != nil {
		logger.Error("failed to create lock", "error", err)
		return 1
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		logger.Error("failed to acquire daemon lock; is another vodforged already running?", "error", err)
		return 1
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("failed to release daemon lock", "error", err)
		}
	}()

	cfg, err := loadConfiguration(flags.ConfigPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}
	logger.Info("configuration loaded", "path", flags.ConfigPath)

	ffmpegPath, err := findFFmpegPath()
	if err != nil {
		logger.Error("ffmpeg not found", "error", err)
		return 1
	}
	logger.Info("using ffmpeg", "path", ffmpegPath)

	if err := os.MkdirAll(cfg.Output.OutputRoot, 0755); err != nil {
		logger.Error("failed to create output root", "error", err)
		return 1
	}
	if err := os.MkdirAll(cfg.Temp.TempDir, 0755); err != nil {
		logger.Error("failed to create temp dir", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbPath := filepath.Join(cfg.Output.OutputRoot, "vodforge.db")
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	scanner, err := fsscan.New(scannerConfigFrom(cfg.Scanner), logger)
	if err != nil {
		logger.Error("failed to build scanner", "error", err)
		return 1
	}

	tracker := stability.New(stability.Config{
		MinStableCount: cfg.Scheduler.StabilityThreshold,
		Logger:         logger,
	}, st, fingerprint.MD5{})

	pool := encoder.NewPool(encoder.PoolConfig{
		MaxParallel: cfg.Encoder.MaxParallel,
		FFmpegPath:  ffmpegPath,
		LogDir:      "/var/log/vodforge",
		Encode:      encoder.EncodeParams{CRF: cfg.Encoder.CRF, Preset: cfg.Encoder.Preset},
		Monitor:     encoder.NewResourceMonitor(),
		Logger:      logger,
	}, st, fingerprint.MD5{})

	fin, err := finalizer.New(finalizer.Config{
		QuiescenceSeconds: cfg.Scheduler.QuiescenceSeconds,
		FFmpegPath:        ffmpegPath,
		KeepOriginal:      cfg.Output.KeepOriginal,
		DeleteRoots:       deleteRootsFrom(cfg.Scanner),
		Logger:            logger,
	}, st)
	if err != nil {
		logger.Error("failed to build finalizer", "error", err)
		return 1
	}

	sched := scheduler.New(scheduler.Config{
		ScanInterval: cfg.Scheduler.ScanInterval(),
		MergeWindow:  cfg.Scheduler.MergeWindow(),
		OutputRoot:   cfg.Output.OutputRoot,
		TempDir:      cfg.Temp.TempDir,
		MaxRetries:   cfg.Encoder.MaxRetries,
		Logger:       logger,
	}, scanner, tracker, st, pool, fin)

	sup := supervisor.New(supervisor.Config{
		Name:            "vodforged",
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
	})

	if err := sup.Add(sched); err != nil {
		logger.Error("failed to register scheduler", "error", err)
		return 1
	}

	cfgProvider := &configProvider{cfg: cfg, path: flags.ConfigPath}
	pipeProvider := &pipelineInfoProvider{sched: sched, store: st, pool: pool}
	sysProvider := &systemInfoProvider{outputRoot: cfg.Output.OutputRoot}
	statusProvider := &supervisorStatusProvider{sup: sup}

	healthHandler := health.NewHandler(statusProvider).
		WithSystemInfo(sysProvider).
		WithPipelineInfo(pipeProvider)

	cpHandler := controlplane.NewHandler(st, st, st, cfgProvider, sched)

	if err := sup.Add(&httpService{
		name:    "health",
		addr:    fmt.Sprintf(":%d", diagnostics.DefaultHealthPort),
		handler: healthHandler,
		listen:  health.ListenAndServeReady,
	}); err != nil {
		logger.Error("failed to register health service", "error", err)
		return 1
	}

	if err := sup.Add(&httpService{
		name:    "control-plane",
		addr:    fmt.Sprintf(":%d", diagnostics.DefaultControlPlanePort),
		handler: cpHandler,
		listen:  controlplane.ListenAndServeReady,
	}); err != nil {
		logger.Error("failed to register control-plane service", "error", err)
		return 1
	}

	logger.Info("starting supervisor", "services", sup.ServiceCount())
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor stopped with error", "error", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// httpService adapts internal/health's and internal/controlplane's
// ListenAndServeReady (identical signatures) to supervisor.Service.
type httpService struct {
	name    string
	addr    string
	handler http.Handler
	listen  func(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error
}

func (s *httpService) Name() string { return s.name }

func (s *httpService) Run(ctx context.Context) error {
	return s.listen(ctx, s.addr, s.handler, nil)
}

// supervisorStatusProvider adapts *supervisor.Supervisor to health.StatusProvider.
type supervisorStatusProvider struct {
	sup *supervisor.Supervisor
}

func (p *supervisorStatusProvider) Services() []health.ServiceInfo {
	statuses := p.sup.Status()
	infos := make([]health.ServiceInfo, 0, len(statuses))
	for _, st := range statuses {
		info := health.ServiceInfo{
			Name:     st.Name,
			State:    st.State.String(),
			Uptime:   st.Uptime,
			Healthy:  st.State == supervisor.ServiceStateRunning,
			Restarts: st.Restarts,
		}
		if st.LastError != nil {
			info.Error = st.LastError.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

// pipelineInfoProvider adapts the scheduler, store, and encoder pool to
// health.PipelineInfoProvider.
type pipelineInfoProvider struct {
	sched *scheduler.Scheduler
	store *store.Store
	pool  *encoder.Pool
}

func (p *pipelineInfoProvider) PipelineInfo() health.PipelineInfo {
	pi := health.PipelineInfo{
		IsRunning:    p.sched.IsRunning(),
		CurrentFile:  p.sched.CurrentFile(),
		CurrentPhase: p.sched.CurrentPhase(),
	}
	if alert, at, ok := p.pool.LastAlert(); ok {
		pi.LastResourceAlert = alert.Message
		pi.LastAlertLevel = alert.Level.String()
		pi.LastAlertAt = at
	}
	counts, err := p.store.Counts(context.Background())
	if err != nil {
		return pi
	}
	pi.PendingCount = counts.PendingByStatus[store.StatusPending] + counts.PendingByStatus[store.StatusStable]
	pi.ActiveBatches = counts.ActiveBatches
	pi.CompletedBatches = counts.CompletedBatches
	return pi
}

// systemInfoProvider reports disk space on the output filesystem and NTP
// sync status, the same signals internal/diagnostics checks at rest.
type systemInfoProvider struct {
	outputRoot string
}

func (p *systemInfoProvider) SystemInfo() health.SystemInfo {
	si := health.SystemInfo{}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(p.outputRoot, &stat); err == nil {
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		si.DiskFreeBytes = stat.Bavail * uint64(stat.Bsize)
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		si.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
		if si.DiskTotalBytes > 0 {
			usedPercent := 100.0 - (float64(si.DiskFreeBytes)/float64(si.DiskTotalBytes))*100.0
			si.DiskLowWarning = usedPercent > diagnostics.DiskUsageWarningPercent
		}
	}

	si.NTPSynced, si.NTPMessage = checkTimeSync()
	return si
}

// configProvider implements controlplane.ConfigProvider. UpdateConfig
// validates and persists cfg and swaps the in-memory pointer; components
// built once from the initial config (the scanner, encoder pool, and
// finalizer) keep running with their original settings until restart.
type configProvider struct {
	mu   sync.RWMutex
	cfg  *config.Config
	path string
}

func (c *configProvider) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *configProvider) UpdateConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(c.path); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// loadConfiguration loads the config file, falling back to defaults if it
// doesn't exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// scannerConfigFrom converts the YAML-facing ScannerConfig into fsscan's
// compiled-filter-facing Config.
func scannerConfigFrom(sc config.ScannerConfig) fsscan.Config {
	roots := make([]fsscan.VideoRoot, 0, len(sc.VideoRoots))
	for _, r := range sc.VideoRoots {
		roots = append(roots, fsscan.VideoRoot{
			Path:         r.Path,
			DirFilter:    rules.Filter{Mode: r.FilterMode, Rules: r.Rules},
			EnableDelete: r.EnableDelete,
			DeleteFilter: rules.Filter{Mode: r.DeleteMode, Rules: r.DeleteRules},
		})
	}
	return fsscan.Config{
		VideoRoots:      roots,
		Extensions:      sc.Extensions,
		AllowList:       sc.AllowList,
		DenyList:        sc.DenyList,
		SimpleAllowList: sc.SimpleAllowList,
		SimpleDenyList:  sc.SimpleDenyList,
	}
}

// deleteRootsFrom converts ScannerConfig's video roots into the finalizer's
// delete-policy shape.
func deleteRootsFrom(sc config.ScannerConfig) []finalizer.DeleteRootConfig {
	roots := make([]finalizer.DeleteRootConfig, 0, len(sc.VideoRoots))
	for _, r := range sc.VideoRoots {
		roots = append(roots, finalizer.DeleteRootConfig{
			Root:         r.Path,
			EnableDelete: r.EnableDelete,
			DeleteFilter: rules.Filter{Mode: r.DeleteMode, Rules: r.DeleteRules},
		})
	}
	return roots
}

// findFFmpegPath locates the ffmpeg binary.
func findFFmpegPath() (string, error) {
	paths := []string{
		"/usr/bin/ffmpeg",
		"/usr/local/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		p := filepath.Join(dir, "ffmpeg")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in common locations or PATH")
}

// checkTimeSync shells out to timedatectl, mirroring internal/diagnostics's
// check: absence of the tool is not treated as a sync failure.
func checkTimeSync() (synced bool, message string) {
	out, err := exec.Command("timedatectl", "status").Output()
	if err != nil {
		return true, "time sync check skipped (timedatectl not available)"
	}
	if strings.Contains(string(out), "synchronized: yes") {
		return true, ""
	}
	return false, "system time may not be synchronized"
}

// parseSlogLevel maps a --log-level string onto a slog.Level.
func parseSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Println("vodforged - recording pipeline daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: vodforged [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon discovers, batches, transcodes, and finalizes recordings.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
