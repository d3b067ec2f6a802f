// Command talond is the operator daemon: it wires together the Control
// Plane and Task Orchestrator described by this repository's internal
// packages, serves per-session Unix-domain RPC sockets, and bridges
// Telegram/Discord/Slack chat transports into the same dispatch path.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/alias"
	"github.com/micic-mihajlo/talonbot-sub000/internal/audit"
	"github.com/micic-mihajlo/talonbot-sub000/internal/bus"
	"github.com/micic-mihajlo/talonbot-sub000/internal/channels"
	"github.com/micic-mihajlo/talonbot-sub000/internal/config"
	"github.com/micic-mihajlo/talonbot-sub000/internal/controlplane"
	"github.com/micic-mihajlo/talonbot-sub000/internal/engine"
	"github.com/micic-mihajlo/talonbot-sub000/internal/health"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/orchestrator"
	"github.com/micic-mihajlo/talonbot-sub000/internal/prcheck"
	"github.com/micic-mihajlo/talonbot-sub000/internal/repo"
	"github.com/micic-mihajlo/talonbot-sub000/internal/rpcserver"
	"github.com/micic-mihajlo/talonbot-sub000/internal/schedule"
	"github.com/micic-mihajlo/talonbot-sub000/internal/session"
	"github.com/micic-mihajlo/talonbot-sub000/internal/store"
	"github.com/micic-mihajlo/talonbot-sub000/internal/telemetry"
	"github.com/micic-mihajlo/talonbot-sub000/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon (control plane + orchestrator)

SUBCOMMANDS:
  %s status [-json]           Print current health and task counts
  %s doctor [-json]           Run startup diagnostic checks
  %s help                     Show this message

ENVIRONMENT VARIABLES:
  TALOND_HOME                 Data directory (default: ~/.talond)
  TALOND_LOG_LEVEL            Log level override
  CHAT_DISPATCH_MODE          session|task|hybrid

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	runDaemon(ctx)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("startup_failure", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}

// socketEnsuringDispatcher wraps the control plane so every dispatched
// message also gets its per-session control socket lazily started, the way
// spec.md §4.6 expects a live session to always have a reachable socket.
type socketEnsuringDispatcher struct {
	cp  *controlplane.ControlPlane
	rpc *rpcserver.Manager
}

func (d socketEnsuringDispatcher) Dispatch(ctx context.Context, m model.InboundMessage, reply session.ReplyFunc) model.DispatchResult {
	result := d.cp.Dispatch(ctx, m, reply)
	if result.SessionKey != "" {
		if err := d.rpc.EnsureSocket(result.SessionKey); err != nil {
			slog.Default().Warn("failed to ensure control socket", "session_key", result.SessionKey, "error", err)
		}
	}
	return result
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.NewWithLogger(logger)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "store_opened", "data_dir", cfg.DataDir)

	repos := repo.New(cfg.Repos, cfg.DefaultRepoID)
	wt := worktree.New(filepath.Join(cfg.DataDir, "worktrees"), repos)

	var eng engine.Engine
	if cfg.Engine.BinPath == "" {
		logger.Warn("engine.bin_path is unset; task and chat turns will fail until configured")
		eng = &engine.FakeEngine{Err: fmt.Errorf("engine not configured")}
	} else {
		eng = engine.NewProcessEngine(engine.Config{
			BinPath:   cfg.Engine.BinPath,
			Args:      cfg.Engine.Args,
			Timeout:   cfg.Engine.Timeout(),
			KillGrace: time.Duration(cfg.Engine.KillGraceSecs) * time.Second,
			Logger:    logger,
		})
	}

	verify := prcheck.NewGitHubVerifier(cfg.GitHubToken)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrency:          cfg.TaskMaxConcurrency,
		AutoCommit:              cfg.TaskAutoCommit,
		AutoPR:                  cfg.TaskAutoPR,
		AutoCleanup:             cfg.TaskAutoCleanup,
		PRCheckTimeout:          time.Duration(cfg.PRCheckTimeoutMS) * time.Millisecond,
		PRCheckPoll:             time.Duration(cfg.PRCheckPollMS) * time.Millisecond,
		FailedWorktreeRetention: time.Duration(cfg.FailedWorktreeRetentionHours) * time.Hour,
		StaleWorktreeAge:        time.Duration(cfg.WorktreeStaleHours) * time.Hour,
		MaintenanceInterval:     time.Duration(cfg.OrchestratorMaintenanceSecs) * time.Second,
	}, st, repos, wt, eng, orchestrator.GitHubCLIVCS{}, verify, logger)
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}
	logger.Info("startup phase", "phase", "orchestrator_recovered")

	aliases := alias.New(st, cfg.ControlSocketPath)

	cp := controlplane.New(controlplane.Config{
		Session: session.Config{
			SessionMaxMessages:  cfg.SessionMaxMessages,
			MaxQueuePerSession:  cfg.MaxQueuePerSession,
			MaxMessageBytes:     cfg.MaxMessageBytes,
			SessionDedupeWindow: time.Duration(cfg.SessionDedupeWindowMS) * time.Millisecond,
		},
		DispatchMode:       controlplane.ParseDispatchMode(cfg.ChatDispatchMode),
		TaskUpdatePoll:     time.Duration(cfg.ChatTaskUpdatePollMS) * time.Millisecond,
		GlobalDedupeWindow: time.Duration(cfg.GlobalDedupeWindowMS) * time.Millisecond,
		SessionTTL:         time.Duration(cfg.SessionTTLSeconds) * time.Second,
	}, st, eng, verify, eventBus, aliases, orch, logger)
	logger.Info("startup phase", "phase", "control_plane_ready")

	rpc := rpcserver.NewManager(cfg.ControlSocketPath, cp, eventBus, aliases, logger)
	dispatcher := socketEnsuringDispatcher{cp: cp, rpc: rpc}

	rpc.SetFingerprint(cfg.Fingerprint())
	healthThresholds := health.Thresholds{
		StaleRunning:  2 * time.Hour,
		StaleQueued:   30 * time.Minute,
		StaleWorktree: time.Duration(cfg.WorktreeStaleHours) * time.Hour,
	}
	rpc.SetHealthSnapshotFunc(func() health.Snapshot {
		return orch.HealthSnapshot(healthThresholds)
	})

	sched := schedule.New(logger)
	if err := sched.Every("session_cleanup", cp.CleanupInterval(), cp.CleanupExpiredSessions); err != nil {
		logger.Warn("failed to register session cleanup job", "error", err)
	}
	maintenanceInterval := time.Duration(cfg.OrchestratorMaintenanceSecs) * time.Second
	if maintenanceInterval <= 0 {
		maintenanceInterval = 5 * time.Minute
	}
	if err := sched.Every("orchestrator_maintenance", maintenanceInterval, func() { orch.RunMaintenance(ctx) }); err != nil {
		logger.Warn("failed to register orchestrator maintenance job", "error", err)
	}
	sched.Start()
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	startChannels(ctx, cfg, dispatcher, logger)

	logger.Info("startup phase", "phase", "ready")
	<-ctx.Done()
	logger.Info("shutdown signal received")
	logger.Info("shutdown complete")
}

func startChannels(ctx context.Context, cfg config.Config, dispatcher channels.Dispatcher, logger *slog.Logger) {
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, dispatcher, logger)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}
	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token == "" {
			logger.Warn("discord channel enabled but token is missing")
		} else {
			dc := channels.NewDiscordChannel(cfg.Channels.Discord.Token, cfg.Channels.Discord.AllowedGuild, cfg.Channels.Discord.AllowedUsers, dispatcher, logger)
			go func() {
				if err := dc.Start(ctx); err != nil {
					logger.Error("discord channel failed", "error", err)
				}
			}()
		}
	}
	if cfg.Channels.Slack.Enabled {
		if cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "" {
			logger.Warn("slack channel enabled but bot_token/app_token is missing")
		} else {
			sc := channels.NewSlackChannel(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken, cfg.Channels.Slack.Allowed, dispatcher, logger)
			go func() {
				if err := sc.Start(ctx); err != nil {
					logger.Error("slack channel failed", "error", err)
				}
			}()
		}
	}
}

// collectWorktrees lists the top-level directories under root as
// health.WorktreeInfo, best-effort (a missing root is not an error: the
// daemon may not have created any worktree yet).
func collectWorktrees(root string) ([]health.WorktreeInfo, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]health.WorktreeInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, health.WorktreeInfo{Path: filepath.Join(root, e.Name()), ModTime: info.ModTime()})
	}
	return out, nil
}

func runStatusCommand(args []string) int {
	jsonOutput := false
	for _, a := range args {
		if a == "-json" || a == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		return 1
	}

	snap, err := st.ReadTaskSnapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	tasks := make(map[string]model.TaskRecord, len(snap.Tasks))
	for _, t := range snap.Tasks {
		tasks[t.ID] = t
	}

	worktrees, err := collectWorktrees(filepath.Join(cfg.DataDir, "worktrees"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: reading worktrees: %v\n", err)
	}

	// runningIDs reflects live worker slots, which only exist inside a
	// running daemon process; a cold read from disk has none, so every
	// persisted "running" task surfaces as IssueOrphanedRunningTask here.
	// That's a feature for this command: it's exactly the signal an
	// operator needs after a crash, before the daemon's own recovery scan
	// has had a chance to run.
	runningIDs := map[string]bool{}

	th := health.Thresholds{
		StaleRunning:  2 * time.Hour,
		StaleQueued:   30 * time.Minute,
		StaleWorktree: time.Duration(cfg.WorktreeStaleHours) * time.Hour,
	}
	healthSnap := health.Evaluate(tasks, runningIDs, worktrees, time.Now(), th)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			Version     string          `json:"version"`
			Fingerprint string          `json:"fingerprint"`
			Health      health.Snapshot `json:"health"`
		}{Version, cfg.Fingerprint(), healthSnap})
		if healthSnap.Status != "ok" {
			return 1
		}
		return 0
	}

	fmt.Printf("talond status (%s)\n", Version)
	fmt.Printf("config fingerprint: %s\n", cfg.Fingerprint())
	fmt.Printf("status: %s\n", healthSnap.Status)
	fmt.Printf("tasks: total=%d queued=%d running=%d blocked=%d done=%d failed=%d cancelled=%d\n",
		healthSnap.Metrics.TotalTasks, healthSnap.Metrics.Queued, healthSnap.Metrics.Running,
		healthSnap.Metrics.Blocked, healthSnap.Metrics.Done, healthSnap.Metrics.Failed, healthSnap.Metrics.Cancelled)
	if len(healthSnap.Issues) == 0 {
		fmt.Println("no issues detected")
	} else {
		fmt.Println("issues:")
		for _, issue := range healthSnap.Issues {
			fmt.Printf("  - %s task=%s path=%s detail=%s\n", issue.Code, issue.TaskID, issue.Path, issue.Detail)
		}
	}
	if healthSnap.Status != "ok" {
		return 1
	}
	return 0
}

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func checkStatus(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func pingEngine(ctx context.Context, cfg config.Config) error {
	eng := engine.NewProcessEngine(engine.Config{
		BinPath:   cfg.Engine.BinPath,
		Args:      cfg.Engine.Args,
		Timeout:   5 * time.Second,
		KillGrace: time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !eng.Ping(ctx) {
		return fmt.Errorf("engine did not respond to ping")
	}
	return nil
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, a := range args {
		if a == "-json" || a == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	var results []doctorCheck
	results = append(results, doctorCheck{Name: "config_load", Status: checkStatus(err == nil), Detail: errString(err)})

	_, statErr := os.Stat(config.ConfigPath(cfg.HomeDir))
	results = append(results, doctorCheck{Name: "config_file_present", Status: checkStatus(statErr == nil), Detail: errString(statErr)})

	if cfg.Engine.BinPath == "" {
		results = append(results, doctorCheck{Name: "engine_configured", Status: "WARN", Detail: "engine.bin_path is unset"})
	} else {
		pingErr := pingEngine(ctx, cfg)
		results = append(results, doctorCheck{Name: "engine_reachable", Status: checkStatus(pingErr == nil), Detail: errString(pingErr)})
	}

	if cfg.GitHubToken == "" {
		results = append(results, doctorCheck{Name: "github_token_configured", Status: "WARN", Detail: "github_token is unset; PR verification will be rate-limited"})
	} else {
		results = append(results, doctorCheck{Name: "github_token_configured", Status: "OK"})
	}

	if len(cfg.Repos) == 0 {
		results = append(results, doctorCheck{Name: "repos_configured", Status: "WARN", Detail: "no repos registered"})
	} else {
		results = append(results, doctorCheck{Name: "repos_configured", Status: "OK", Detail: fmt.Sprintf("%d repo(s)", len(cfg.Repos))})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			Timestamp time.Time     `json:"timestamp"`
			Results   []doctorCheck `json:"results"`
		}{time.Now().UTC(), results})
	} else {
		fmt.Printf("talond doctor report (%s)\n", Version)
		fmt.Println("---")
		for _, r := range results {
			fmt.Printf("[%s] %s %s\n", r.Status, r.Name, r.Detail)
		}
	}

	for _, r := range results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
