package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pipepulse/internal/api"
	"github.com/mattjoyce/pipepulse/internal/config"
	"github.com/mattjoyce/pipepulse/internal/console"
	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/inspect"
	"github.com/mattjoyce/pipepulse/internal/journal"
	"github.com/mattjoyce/pipepulse/internal/lock"
	"github.com/mattjoyce/pipepulse/internal/log"
	"github.com/mattjoyce/pipepulse/internal/storage"
	"github.com/mattjoyce/pipepulse/internal/supervisor"
	"github.com/mattjoyce/pipepulse/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// envAPIToken supplies the watch token when --token is not given.
const envAPIToken = "PIPEPULSE_API_TOKEN"

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
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "report":
		if hasHelpFlag(args) {
			printReportHelp()
			return 0
		}
		return runReport(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
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
		fmt.Fprintln(os.Stderr, "Usage: pipepulse version [--json]")
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

	fmt.Printf("pipepulse %s\n", info.Version)
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
	fmt.Print(`pipepulse - drive a pool of worker processes over a 4-byte pipe protocol

Usage:
  pipepulse <command> [flags]

Commands:
  start             Launch the pool and tick every worker until stopped
  status            Show whether a pool is running for this config
  report            Summarize a recorded run from the journal
  watch             Live monitor for a running pool (needs api.enabled)
  config <action>   Manage configuration (init, check, show, get, set, hash)

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'pipepulse <command> --help' for command flags.
`)
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

func printStartHelp() {
	fmt.Println("Usage: pipepulse start [--config PATH] [--trace] [--no-journal] [--for DURATION]")
	fmt.Println("Launch every worker and exchange packets at the configured rate until")
	fmt.Println("SIGINT/SIGTERM (or --for elapses).")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --trace          Print every OUT/IN packet to stdout; logs move to stderr")
	fmt.Println("  --no-journal     Do not record this run even if state.enabled is true")
	fmt.Println("  --for DURATION   Stop after DURATION (e.g. 30s)")
}

func printStatusHelp() {
	fmt.Println("Usage: pipepulse status [--config PATH] [--json]")
	fmt.Println("Report whether an instance holds the lock and summarize the last run.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  A pool is running")
	fmt.Println("  1  Error")
	fmt.Println("  3  No pool is running")
}

func printReportHelp() {
	fmt.Println("Usage: pipepulse report [--config PATH] [--run ID] [--list] [--limit N] [--json]")
	fmt.Println("Summarize a run from the journal. Without --run the latest run is shown.")
}

func printWatchHelp() {
	fmt.Println("Usage: pipepulse watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitor of a running pool: worker table, pulse and event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Status API URL (default: http://127.0.0.1:8090)")
	fmt.Printf("  --token TOKEN    API bearer token (or %s env var)\n", envAPIToken)
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select worker")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	trace := fs.Bool("trace", false, "Print every exchange to stdout")
	noJournal := fs.Bool("no-journal", false, "Do not record this run")
	runFor := fs.Duration("for", 0, "Stop after this long (0 runs until signalled)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// stdout belongs to the trace when it is on.
	if *trace {
		log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	} else {
		log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	logger := log.WithComponent("main")
	logger.Info("pipepulse starting", "version", version, "config", cfg.SourcePath)

	if pinned, err := config.VerifyChecksum(cfg.SourcePath); err != nil {
		logger.Error("config integrity check failed", "error", err)
		return 1
	} else if !pinned {
		logger.Debug("config has no recorded checksum", "path", cfg.SourcePath)
	}

	pidLock, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(1024)
	sinks := events.Fanout{hub}

	var run *journalRun
	if cfg.State.Enabled && !*noJournal {
		run, err = openJournalRun(ctx, cfg)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.State.Path, "error", err)
			return 1
		}
		defer run.db.Close()
		sinks = append(sinks, run.recorder)
		logger.Info("journal recording", "path", cfg.State.Path, "run_id", run.id)
	}

	if *trace {
		sinks = append(sinks, console.NewPrinter(os.Stdout))
	}

	sup := supervisor.New(supervisor.BuildSpecs(cfg), cfg.Period(), sinks, log.Get())

	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start pool", "error", err)
		run.finish(logger)
		return 1
	}
	for _, f := range sup.LaunchFailures() {
		logger.Warn("worker did not start", "worker_id", f.WorkerID, "command", f.Command, "error", f.Error)
	}
	run.setWorkers(ctx, logger, len(sup.Workers()), len(sup.LaunchFailures()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, sup, hub, log.Get())
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	var deadline <-chan time.Time
	if *runFor > 0 {
		timer := time.NewTimer(*runFor)
		defer timer.Stop()
		deadline = timer.C
	}

	logger.Info("pipepulse running (press Ctrl+C to stop)", "workers", len(sup.Workers()), "period", cfg.Period())

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-deadline:
		logger.Info("run duration elapsed", "for", *runFor)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	if err := sup.Shutdown(); err != nil {
		logger.Warn("pool stopped with errors", "error", err)
	}
	cancel()
	run.finish(logger)

	logger.Info("pipepulse stopped")
	return code
}

// journalRun ties the recorder to the runs row it writes under. A nil
// *journalRun is a disabled journal; its methods do nothing.
type journalRun struct {
	db       *sql.DB
	id       string
	recorder *journal.Recorder
}

func openJournalRun(ctx context.Context, cfg *config.Config) (*journalRun, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("journal")
	if n, err := journal.Prune(ctx, db, cfg.State.Retention); err != nil {
		logger.Warn("failed to prune journal", "error", err)
	} else if n > 0 {
		logger.Info("pruned old runs", "runs", n, "retention", cfg.State.Retention)
	}

	hash, err := config.Fingerprint(cfg.SourcePath)
	if err != nil {
		logger.Warn("failed to fingerprint config", "error", err)
	}

	id, err := journal.BeginRun(ctx, db, journal.RunInfo{
		Service:    cfg.Service.Name,
		ConfigPath: cfg.SourcePath,
		ConfigHash: hash,
		Workers:    cfg.Pool.Count,
		Period:     cfg.Period(),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &journalRun{
		db:       db,
		id:       id,
		recorder: journal.NewRecorder(db, id, logger, journal.Options{}),
	}, nil
}

func (r *journalRun) setWorkers(ctx context.Context, logger *slog.Logger, started, failed int) {
	if r == nil {
		return
	}
	if err := journal.UpdateRunWorkers(ctx, r.db, r.id, started, failed); err != nil {
		logger.Warn("failed to record worker count", "error", err)
	}
}

// finish flushes the recorder and closes the run row.
func (r *journalRun) finish(logger *slog.Logger) {
	if r == nil {
		return
	}
	if err := r.recorder.Close(); err != nil {
		logger.Warn("journal flush failed", "error", err)
	}
	dropped := r.recorder.Dropped()
	if dropped > 0 {
		logger.Warn("journal dropped records", "dropped", dropped)
	}
	if err := journal.EndRun(context.Background(), r.db, r.id, dropped); err != nil {
		logger.Warn("failed to close run", "run_id", r.id, "error", err)
	}
}

type statusReport struct {
	Config    string           `json:"config"`
	LockPath  string           `json:"lock_path"`
	Running   bool             `json:"running"`
	PID       int              `json:"pid,omitempty"`
	LatestRun *journal.RunInfo `json:"latest_run,omitempty"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	report := statusReport{Config: cfg.SourcePath, LockPath: cfg.Service.LockPath}

	probe, err := lock.Acquire(cfg.Service.LockPath)
	switch {
	case errors.Is(err, lock.ErrLocked):
		report.Running = true
		if pid, perr := lock.HolderPID(cfg.Service.LockPath); perr == nil {
			report.PID = pid
		}
	case err != nil:
		fmt.Fprintf(os.Stderr, "Lock probe failed: %v\n", err)
		return 1
	default:
		_ = probe.Release()
	}

	if cfg.State.Enabled {
		if _, err := os.Stat(cfg.State.Path); err == nil {
			if db, err := storage.OpenSQLite(context.Background(), cfg.State.Path); err == nil {
				if id, err := journal.LatestRunID(context.Background(), db); err == nil {
					if run, err := journal.GetRun(context.Background(), db, id); err == nil {
						report.LatestRun = &run
					}
				}
				_ = db.Close()
			}
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("Config      : %s\n", report.Config)
		if report.Running {
			fmt.Printf("Pool        : running (pid %d)\n", report.PID)
		} else {
			fmt.Printf("Pool        : not running\n")
		}
		if r := report.LatestRun; r != nil {
			fmt.Printf("Latest run  : %s (started %s, %d workers)\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Workers)
		}
	}

	if !report.Running {
		return 3
	}
	return 0
}

func runReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	runID := fs.String("run", "", "Run id (default: latest)")
	list := fs.Bool("list", false, "List recent runs instead")
	limit := fs.Int("limit", 20, "Number of runs to list")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	// Opening creates the file; a report should not.
	if _, err := os.Stat(cfg.State.Path); err != nil {
		fmt.Fprintf(os.Stderr, "No journal at %s\n", cfg.State.Path)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	var out string
	switch {
	case *list:
		out, err = inspect.BuildRunList(ctx, db, *limit)
	case *jsonOut:
		out, err = inspect.BuildJSONReport(ctx, db, *runID)
	default:
		out, err = inspect.BuildReport(ctx, db, *runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Report failed: %v\n", err)
		return 1
	}

	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8090", "Status API URL")
	token := fs.String("token", os.Getenv(envAPIToken), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(strings.TrimRight(*apiURL, "/"), *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := config.Discover(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
