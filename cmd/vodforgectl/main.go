// SPDX-License-Identifier: MIT

// Command vodforgectl is the administrative CLI for the vodforge recording
// pipeline daemon. It talks to a running vodforged over its control-plane
// and health HTTP APIs, and can also validate/edit the on-disk config
// directly, run diagnostics, launch the interactive setup menu, and check
// for updates.
//
// USAGE:
//
//	vodforgectl [COMMAND] [OPTIONS]
//
// COMMANDS:
//
//	help              Show this help message
//	version           Show version information
//	setup             Launch the interactive management menu
//	status            Show daemon health and pipeline status
//	trigger           Trigger an immediate scan/batch/encode cycle
//	files             List or delete pending files
//	history           List or delete completed batches
//	config            Validate, show, or edit the configuration file
//	diagnose          Run system diagnostics
//	update            Check for and install updates
//
// EXAMPLES:
//
//	vodforgectl status --json
//	vodforgectl trigger
//	vodforgectl files list
//	vodforgectl history delete 42
//	vodforgectl config validate --config=/etc/vodforge/config.yaml
//	vodforgectl config add-root /mnt/recordings
//	vodforgectl diagnose --mode=full
//	vodforgectl update --check
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vodforge/vodforge/internal/config"
	"github.com/vodforge/vodforge/internal/diagnostics"
	"github.com/vodforge/vodforge/internal/menu"
	"github.com/vodforge/vodforge/internal/updater"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	defaultConfigPath   = "/etc/vodforge/config.yaml"
	defaultHealthAddr   = "http://127.0.0.1:8080"
	defaultControlAddr  = "http://127.0.0.1:8081"
	exitSuccess         = 0
	exitError           = 1
	httpClientTimeout   = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the command dispatcher, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "setup", "menu":
		return runMenu(commandArgs)
	case "status":
		return runStatus(commandArgs)
	case "trigger":
		return runTrigger(commandArgs)
	case "files":
		return runFiles(commandArgs)
	case "history":
		return runHistory(commandArgs)
	case "config":
		return runConfig(commandArgs)
	case "diagnose":
		return runDiagnose(commandArgs)
	case "update":
		return runUpdate(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'vodforgectl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`vodforgectl v%s

USAGE:
    vodforgectl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    setup             Launch the interactive management menu
    status            Show daemon health and pipeline status
    trigger           Trigger an immediate scan/batch/encode cycle
    files             List or delete pending files (list|delete <id>)
    history           List or delete completed batches (list|delete <id>)
    config            Validate, show, or edit the configuration file
    diagnose          Run system diagnostics
    update            Check for and install updates

OPTIONS:
    --config PATH         Path to configuration file (default: %s)
    --control-addr URL    Control-plane API base URL (default: %s)
    --health-addr URL     Health API base URL (default: %s)
    --json                Emit machine-readable JSON where supported

EXAMPLES:
    vodforgectl status --json
    vodforgectl trigger
    vodforgectl files list
    vodforgectl history delete 42
    vodforgectl config validate --config=/etc/vodforge/config.yaml
    vodforgectl config add-root /mnt/recordings
    vodforgectl diagnose --mode=full
    vodforgectl update --check
`, Version, defaultConfigPath, defaultControlAddr, defaultHealthAddr)
	return nil
}

func runVersion() error {
	fmt.Printf("vodforgectl\n")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildDate)
	return nil
}

// flagValue extracts "--name=value" or "--name value" from args, returning
// def if not present. Mirrors the ad-hoc flag parsing used throughout this
// command family.
func flagValue(args []string, name, def string) string {
	prefix := "--" + name + "="
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], prefix):
			return strings.TrimPrefix(args[i], prefix)
		case args[i] == "--"+name && i+1 < len(args):
			return args[i+1]
		}
	}
	return def
}

func flagBool(args []string, name string) bool {
	for _, a := range args {
		if a == "--"+name {
			return true
		}
	}
	return false
}

func httpClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

func getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is vodforged running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(out)
}

// writeResult mirrors controlplane's {ok, message} envelope.
type writeResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func doWrite(ctx context.Context, method, url string, body interface{}) (writeResult, error) {
	var result writeResult

	var reqBody *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return result, err
		}
		reqBody = strings.NewReader(string(b))
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return result, fmt.Errorf("request failed (is vodforged running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, err
	}
	if !result.OK {
		return result, fmt.Errorf("%s", result.Message)
	}
	return result, nil
}

// runStatus queries the health endpoint and prints the daemon's current state.
func runStatus(args []string) error {
	healthAddr := flagValue(args, "health-addr", defaultHealthAddr)
	jsonOutput := flagBool(args, "json")

	var status map[string]interface{}
	if err := getJSON(context.Background(), healthAddr+"/healthz", &status); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Println("vodforge daemon status")
	fmt.Println("======================")
	fmt.Println()
	fmt.Printf("Status: %v\n", status["status"])
	fmt.Println()

	if services, ok := status["services"].([]interface{}); ok && len(services) > 0 {
		fmt.Println("Services:")
		for _, raw := range services {
			svc, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			fmt.Printf("  %v: %v\n", svc["name"], svc["state"])
		}
		fmt.Println()
	}

	if pipeline, ok := status["pipeline"].(map[string]interface{}); ok {
		fmt.Println("Pipeline:")
		fmt.Printf("  running:            %v\n", pipeline["is_running"])
		fmt.Printf("  current phase:      %v\n", pipeline["current_phase"])
		fmt.Printf("  pending files:      %v\n", pipeline["pending_count"])
		fmt.Printf("  active batches:     %v\n", pipeline["active_batches"])
		fmt.Printf("  completed batches:  %v\n", pipeline["completed_batches"])
		fmt.Println()
	}

	if sys, ok := status["system"].(map[string]interface{}); ok {
		fmt.Println("System:")
		fmt.Printf("  disk free:  %v bytes\n", sys["disk_free_bytes"])
		fmt.Printf("  disk total: %v bytes\n", sys["disk_total_bytes"])
		fmt.Printf("  NTP synced: %v\n", sys["ntp_synced"])
	}

	return nil
}

// runTrigger asks the daemon to run an immediate cycle.
func runTrigger(args []string) error {
	controlAddr := flagValue(args, "control-addr", defaultControlAddr)
	result, err := doWrite(context.Background(), http.MethodPost, controlAddr+"/api/trigger", nil)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	return nil
}

// runFiles lists or deletes pending files via the control-plane API.
func runFiles(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("files requires a subcommand: list, delete <id>")
	}

	controlAddr := flagValue(args[1:], "control-addr", defaultControlAddr)
	switch args[0] {
	case "list":
		var files []map[string]interface{}
		if err := getJSON(context.Background(), controlAddr+"/api/files", &files); err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No pending files.")
			return nil
		}
		for _, f := range files {
			fmt.Printf("[%v] %v/%v  status=%v  stable_count=%v\n",
				f["ID"], f["DirPath"], f["Filename"], f["Status"], f["StableCount"])
		}
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("files delete requires an id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[1], err)
		}
		result, err := doWrite(context.Background(), http.MethodDelete,
			fmt.Sprintf("%s/api/files/%d", controlAddr, id), nil)
		if err != nil {
			return err
		}
		fmt.Println(result.Message)
		return nil
	default:
		return fmt.Errorf("unknown files subcommand: %s", args[0])
	}
}

// runHistory lists or deletes completed batches via the control-plane API.
func runHistory(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("history requires a subcommand: list, delete <id>")
	}

	controlAddr := flagValue(args[1:], "control-addr", defaultControlAddr)
	switch args[0] {
	case "list":
		var batches []map[string]interface{}
		if err := getJSON(context.Background(), controlAddr+"/api/history", &batches); err != nil {
			return err
		}
		if len(batches) == 0 {
			fmt.Println("No batch history.")
			return nil
		}
		for _, b := range batches {
			fmt.Printf("[%v] %v  status=%v  files=%v/%v  failed=%v\n",
				b["ID"], b["Streamer"], b["Status"], b["EncodedCount"], b["TotalFiles"], b["FailedCount"])
		}
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("history delete requires an id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[1], err)
		}
		result, err := doWrite(context.Background(), http.MethodDelete,
			fmt.Sprintf("%s/api/history/%d", controlAddr, id), nil)
		if err != nil {
			return err
		}
		fmt.Println(result.Message)
		return nil
	default:
		return fmt.Errorf("unknown history subcommand: %s", args[0])
	}
}

// runConfig validates, shows, or edits the configuration file in place.
// Structural edits (add-root, remove-root, set-extensions, ...) operate on
// the file directly rather than through the running daemon: per
// configProvider's own documentation, those components are built once at
// daemon startup and only pick up changes after a restart.
func runConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("config requires a subcommand: validate, show, add-root, remove-root, set-extensions, set-scan-interval, set-max-parallel")
	}

	sub := args[0]
	rest := args[1:]
	configPath := flagValue(rest, "config", defaultConfigPath)

	switch sub {
	case "validate":
		fmt.Printf("Validating configuration: %s\n\n", configPath)
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Println("Configuration is valid")
		fmt.Printf("Video roots:   %d\n", len(cfg.Scanner.VideoRoots))
		fmt.Printf("Output root:   %s\n", cfg.Output.OutputRoot)
		return nil

	case "show":
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if section := flagValue(rest, "section", ""); section != "" {
			switch section {
			case "scanner":
				return enc.Encode(cfg.Scanner)
			case "output":
				return enc.Encode(cfg.Output)
			case "scheduler":
				return enc.Encode(cfg.Scheduler)
			case "temp":
				return enc.Encode(cfg.Temp)
			case "encoder":
				return enc.Encode(cfg.Encoder)
			default:
				return fmt.Errorf("unknown config section: %s", section)
			}
		}
		return enc.Encode(cfg)

	case "migrate":
		fromPath := flagValue(rest, "from", "")
		toPath := flagValue(rest, "to", defaultConfigPath)
		force := flagBool(rest, "force")
		if fromPath == "" {
			return fmt.Errorf("--from path is required")
		}
		if _, err := os.Stat(toPath); err == nil && !force {
			return fmt.Errorf("destination file exists (use --force to overwrite): %s", toPath)
		}

		fmt.Printf("Migrating configuration...\n")
		fmt.Printf("  From: %s\n", fromPath)
		fmt.Printf("  To:   %s\n\n", toPath)

		cfg, err := config.MigrateFromLegacyJSON(fromPath)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if err := saveValidated(cfg, toPath); err != nil {
			return err
		}
		fmt.Println("\nRun 'vodforgectl config validate' to verify the configuration")
		return nil

	case "add-root":
		if len(rest) == 0 || strings.HasPrefix(rest[0], "--") {
			return fmt.Errorf("add-root requires a path argument")
		}
		cfg, err := loadOrDefault(configPath)
		if err != nil {
			return err
		}
		cfg.Scanner.VideoRoots = append(cfg.Scanner.VideoRoots, config.VideoRootConfig{Path: rest[0]})
		return saveValidated(cfg, configPath)

	case "remove-root":
		if len(rest) == 0 || strings.HasPrefix(rest[0], "--") {
			return fmt.Errorf("remove-root requires a path argument")
		}
		cfg, err := loadOrDefault(configPath)
		if err != nil {
			return err
		}
		kept := cfg.Scanner.VideoRoots[:0]
		for _, root := range cfg.Scanner.VideoRoots {
			if root.Path != rest[0] {
				kept = append(kept, root)
			}
		}
		cfg.Scanner.VideoRoots = kept
		return saveValidated(cfg, configPath)

	case "set-extensions":
		if len(rest) == 0 || strings.HasPrefix(rest[0], "--") {
			return fmt.Errorf("set-extensions requires a comma-separated list, e.g. .mp4,.mkv")
		}
		cfg, err := loadOrDefault(configPath)
		if err != nil {
			return err
		}
		cfg.Scanner.Extensions = strings.Split(rest[0], ",")
		return saveValidated(cfg, configPath)

	case "set-scan-interval":
		if len(rest) == 0 || strings.HasPrefix(rest[0], "--") {
			return fmt.Errorf("set-scan-interval requires a seconds value")
		}
		seconds, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("invalid seconds value %q: %w", rest[0], err)
		}
		cfg, err := loadOrDefault(configPath)
		if err != nil {
			return err
		}
		cfg.Scheduler.ScanIntervalSeconds = seconds
		return saveValidated(cfg, configPath)

	case "set-max-parallel":
		if len(rest) == 0 || strings.HasPrefix(rest[0], "--") {
			return fmt.Errorf("set-max-parallel requires a count value")
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("invalid count value %q: %w", rest[0], err)
		}
		cfg, err := loadOrDefault(configPath)
		if err != nil {
			return err
		}
		cfg.Encoder.MaxParallel = n
		return saveValidated(cfg, configPath)

	default:
		return fmt.Errorf("unknown config subcommand: %s", sub)
	}
}

// loadOrDefault loads configPath, falling back to defaults if it doesn't
// yet exist, so config subcommands work against a brand-new installation.
func loadOrDefault(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(configPath)
}

// saveValidated validates cfg before writing it to disk so a bad edit never
// overwrites a working configuration file.
func saveValidated(cfg *config.Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resulting configuration is invalid: %w", err)
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Configuration saved to %s\n", configPath)
	return nil
}

// runDiagnose runs the diagnostics suite and prints (or JSON-encodes) the
// resulting report.
func runDiagnose(args []string) error {
	configPath := flagValue(args, "config", defaultConfigPath)
	mode := diagnostics.CheckMode(flagValue(args, "mode", string(diagnostics.ModeFull)))
	jsonOutput := flagBool(args, "json")
	verbose := flagBool(args, "verbose")

	opts := diagnostics.DefaultOptions()
	opts.ConfigPath = configPath
	opts.Mode = mode
	opts.Verbose = verbose

	if cfg, err := config.LoadConfig(configPath); err == nil {
		opts.Config = cfg
	}

	runner := diagnostics.NewRunner(opts)
	report, err := runner.Run(context.Background())
	if err != nil {
		return fmt.Errorf("diagnostics failed: %w", err)
	}

	// --check narrows the printed report to checks whose name contains the
	// given substring (case-insensitive), e.g. --check=codecs.
	if check := flagValue(args, "check", ""); check != "" {
		filtered := report.Checks[:0]
		for _, c := range report.Checks {
			if strings.Contains(strings.ToLower(c.Name), strings.ToLower(check)) {
				filtered = append(filtered, c)
			}
		}
		report.Checks = filtered
	}

	if jsonOutput {
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		return fmt.Errorf("diagnostics found unhealthy conditions")
	}
	return nil
}

// runUpdate checks for and installs updates, mirroring the predecessor
// daemon's self-update flow.
func runUpdate(args []string) error {
	checkOnly := flagBool(args, "check")
	force := flagBool(args, "force")

	fmt.Println("vodforgectl Update")
	fmt.Println("==================")
	fmt.Println()

	u := updater.New(
		updater.WithOwner("vodforge"),
		updater.WithRepo("vodforge"),
		updater.WithCurrentVersion(Version),
	)

	ctx := context.Background()

	fmt.Println("Checking for updates...")
	info, err := u.CheckForUpdates(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}

	fmt.Println(updater.FormatUpdateInfo(info))

	if !info.UpdateAvailable {
		return nil
	}

	if checkOnly {
		fmt.Println("\nRun 'vodforgectl update' without --check to install the update.")
		return nil
	}

	if !force {
		fmt.Print("Download and install update? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if strings.ToLower(response) != "y" {
			fmt.Println("Update cancelled.")
			return nil
		}
	}

	binaryPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to determine binary path: %w", err)
	}

	fmt.Println()
	fmt.Println("Downloading update...")

	lastPercent := 0
	progress := func(downloaded, total int64) {
		if total > 0 {
			percent := int(float64(downloaded) / float64(total) * 100)
			if percent > lastPercent+5 || percent == 100 {
				fmt.Printf("\rProgress: %d%%", percent)
				lastPercent = percent
			}
		}
	}

	if err := u.Update(ctx, info, binaryPath, progress); err != nil {
		fmt.Println()
		if u.HasBackup(binaryPath) {
			fmt.Println("Update failed. Rolling back...")
			if rbErr := u.Rollback(binaryPath); rbErr != nil {
				return fmt.Errorf("update failed (%w) and rollback failed (%w)", err, rbErr)
			}
			fmt.Println("Rolled back to previous version.")
		}
		return fmt.Errorf("update failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("Successfully updated to %s!\n", info.LatestVersion)
	fmt.Println("Restart vodforged to use the new version.")

	return nil
}

// runMenu launches the interactive management menu.
func runMenu(args []string) error {
	m := menu.CreateMainMenu()
	return m.Display()
}
