package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/log"
	"github.com/mattjoyce/hookrelay/internal/relay"
	"github.com/mattjoyce/hookrelay/internal/security"
	"github.com/mattjoyce/hookrelay/internal/telemetry"
	"github.com/mattjoyce/hookrelay/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultEnvFile = ".env"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT COMMANDS ---
	case "start":
		if hasHelpFlag(args) {
			printSystemStartHelp()
			return 0
		}
		return runStart(args)
	case "sign":
		if hasHelpFlag(args) {
			printSignHelp()
			return 0
		}
		return runSign(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hookrelay version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hookrelay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`hookrelay - Signed webhook gateway in front of an n8n workflow

Usage:
  hookrelay <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle
  config    Service configuration and integrity

System Commands:
  system start      Start the gateway in the foreground

Config Commands:
  config check      Validate the config file and environment settings
  config lock       Record the config file hash in .checksums
  config show       Print the effective service configuration

Tools:
  sign              Print a signature header for a request body

General:
  start             Alias for 'system start'
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'hookrelay <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// --- ACTIONS ---

// checkResult is the outcome of 'config check'.
type checkResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Checks   struct {
		Signature bool `json:"signature"`
		IPFilter  bool `json:"ip_filter"`
		TokenAuth bool `json:"token_auth"`
	} `json:"checks"`
}

func runConfigCheck(args []string) int {
	var configPath, envFile string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&envFile, "env-file", defaultEnvFile, "Environment file loaded before reading settings")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := loadEnvFile(envFile, isFlagSet(fs, "env-file")); err != nil {
		fmt.Fprintf(os.Stderr, "Env file error: %v\n", err)
		return 1
	}

	result := checkResult{Valid: true, Config: "(built-in defaults)"}

	resolved := resolveConfigPath(configPath)
	if resolved != "" {
		result.Config = resolved
	}
	if _, err := config.Load(resolved); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
	}

	settings, err := config.SettingsFromEnv()
	if err != nil {
		result.Valid = false
		for _, line := range strings.Split(err.Error(), "\n") {
			result.Errors = append(result.Errors, line)
		}
	} else {
		result.Warnings = settings.Warnings()
		result.Checks.Signature = settings.SignatureEnabled
		result.Checks.IPFilter = settings.IPFilterEnabled
		result.Checks.TokenAuth = settings.TokenAuthEnabled
	}

	if jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printCheckResult(os.Stdout, result)
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 1
	}
	return 0
}

func printCheckResult(w io.Writer, result checkResult) {
	fmt.Fprintf(w, "Config: %s\n", result.Config)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  ERROR   %s\n", e)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "  WARNING %s\n", warn)
	}
	if !result.Valid {
		fmt.Fprintln(w, "Status: Configuration check FAILED.")
		return
	}
	fmt.Fprintf(w, "Checks: signature=%t ip_filter=%t token_auth=%t\n",
		result.Checks.Signature, result.Checks.IPFilter, result.Checks.TokenAuth)
	fmt.Fprintln(w, "Status: Configuration check PASSED.")
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved := resolveConfigPath(configPath)
	if resolved == "" {
		fmt.Fprintln(os.Stderr, "No config file found; pass --config or set HOOKRELAY_CONFIG")
		return 1
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		resolved = filepath.Join(resolved, "config.yaml")
	}

	report, err := config.GenerateChecksum(resolved, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("  HASH %s %s\n", report.Hash, report.ConfigPath)
	}
	if dryRun {
		fmt.Printf("Dry-run: would write %s\n", report.ChecksumPath)
		return 0
	}
	fmt.Printf("Locked %s -> %s\n", report.ConfigPath, report.ChecksumPath)
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runSign(args []string) int {
	var secret, bodyFile string
	var timestamp int64

	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.StringVar(&secret, "secret", "", "Signing key (default $"+config.EnvAPIKey+")")
	fs.StringVar(&bodyFile, "file", "-", "Body file, '-' for stdin")
	fs.Int64Var(&timestamp, "timestamp", 0, "Timestamp in unix milliseconds (default now)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if secret == "" {
		secret = os.Getenv(config.EnvAPIKey)
	}
	if secret == "" {
		fmt.Fprintf(os.Stderr, "No signing key: pass --secret or set %s\n", config.EnvAPIKey)
		return 1
	}

	var body []byte
	var err error
	if bodyFile == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(bodyFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		return 1
	}

	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	fmt.Printf("%s: %s\n", security.SignatureHeader, security.Sign(body, secret, timestamp))
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	envFile := fs.String("env-file", defaultEnvFile, "Environment file loaded before reading settings")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if err := loadEnvFile(*envFile, isFlagSet(fs, "env-file")); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
		return 1
	}

	resolved := resolveConfigPath(*configPath)
	if resolved != "" && *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", resolved)
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("hookrelay starting", "version", version, "config", cfg.SourcePath)

	// Settings are rebuilt per request; this only fails fast on a broken environment.
	settings, err := config.SettingsFromEnv()
	if err != nil {
		logger.Error("invalid environment settings", "error", err)
		return 1
	}
	for _, warning := range settings.Warnings() {
		logger.Warn(warning)
	}
	logger.Info("security checks",
		"signature", settings.SignatureEnabled,
		"ip_filter", settings.IPFilterEnabled,
		"token_auth", settings.TokenAuthEnabled,
		"allowed_events", len(settings.AllowedEvents),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := serve(ctx, cfg); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("hookrelay stopped")
	return 0
}

// serve runs the gateway until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	maxBodySize, err := config.ParseByteSize(cfg.Server.MaxBodySize)
	if err != nil {
		return fmt.Errorf("server.max_body_size: %w", err)
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, cfg.Service.Name, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	var opts []webhook.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, webhook.WithMetrics(webhook.NewMetrics(reg)))

		go func() {
			if err := telemetry.ServeMetrics(ctx, cfg.Metrics.Listen, reg, log.WithComponent("metrics")); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	forwarder := relay.New(
		relay.WithTimeout(cfg.Relay.Timeout),
		relay.WithUserAgent(cfg.Relay.UserAgent),
		relay.WithLogger(log.WithComponent("relay")),
	)

	server := webhook.New(webhook.Config{
		Listen:       cfg.Server.Listen,
		MaxBodySize:  maxBodySize,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, config.SettingsFromEnv, forwarder, log.WithComponent("webhook"), opts...)

	go func() {
		err := server.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("webhook: %w", err)
			return
		}
		errCh <- nil
	}()

	logger.Info("hookrelay running (press Ctrl+C to stop)",
		"listen", cfg.Server.Listen,
		"relay_timeout", cfg.Relay.Timeout.String(),
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)

	err = <-errCh
	cancel()
	return err
}

// --- HELPERS ---

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(configPath string) string {
	if configPath != "" {
		return configPath
	}
	return config.Discover()
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookrelay system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookrelay config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printSystemStartHelp() {
	fmt.Println("Usage: hookrelay system start [--config PATH] [--env-file PATH]")
	fmt.Println("Start the gateway in the foreground.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hookrelay config check [--config PATH] [--env-file PATH] [--strict] [--json]")
	fmt.Println("Validate the config file and the environment settings.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration is valid")
	fmt.Println("  1  Errors found (or warnings with --strict)")
}

func printConfigLockHelp() {
	fmt.Println("Usage: hookrelay config lock [--config PATH] [--dry-run] [-v]")
	fmt.Println("Record the config file's BLAKE3 hash in .checksums next to it.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: hookrelay config show [--config PATH] [--json]")
	fmt.Println("Print the effective service configuration.")
}

func printSignHelp() {
	fmt.Println("Usage: hookrelay sign [--secret KEY] [--file PATH] [--timestamp MS]")
	fmt.Println("Print the " + security.SignatureHeader + " header for a request body.")
	fmt.Println("The key defaults to $" + config.EnvAPIKey + "; the body is read from stdin by default.")
	fmt.Println("")
	fmt.Println("Example:")
	fmt.Println("  hookrelay sign --file event.json")
	fmt.Println("  curl -X POST http://localhost:8787/ -H \"$(hookrelay sign --file event.json)\" --data-binary @event.json")
}
