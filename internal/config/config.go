// Package config loads talond's configuration (spec.md §6's configuration
// table): a YAML file plus TALOND_* environment overrides, the way the
// teacher's internal/config/config.go layers env overrides on top of
// config.yaml.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the Telegram channel's settings.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// DiscordConfig holds the Discord channel's settings.
type DiscordConfig struct {
	Token        string   `yaml:"token"`
	AllowedGuild string   `yaml:"allowed_guild"`
	AllowedUsers []string `yaml:"allowed_users"`
	Enabled      bool     `yaml:"enabled"`
}

// SlackConfig holds the Slack Socket Mode channel's settings.
type SlackConfig struct {
	BotToken string   `yaml:"bot_token"`
	AppToken string   `yaml:"app_token"`
	Allowed  []string `yaml:"allowed_users"`
	Enabled  bool     `yaml:"enabled"`
}

// RepoConfig names one registered repository checkout: a local working
// copy the orchestrator clones worktrees from.
type RepoConfig struct {
	Path          string `yaml:"path"`
	DefaultBranch string `yaml:"default_branch"`
}

// ChannelsConfig groups every chat transport's settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

// EngineConfig describes how to reach the external agent-engine process
// (spec.md §6's Engine interface).
type EngineConfig struct {
	BinPath       string   `yaml:"bin_path"`
	Args          []string `yaml:"args"`
	TimeoutMS     int      `yaml:"engine_timeout_ms"`
	KillGraceSecs int      `yaml:"kill_grace_seconds"`
}

// Timeout returns the engine call timeout as a time.Duration.
func (e EngineConfig) Timeout() time.Duration {
	if e.TimeoutMS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// Config is talond's full runtime configuration, loaded from
// `{HomeDir}/config.yaml` and TALOND_* environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	ControlSocketPath string `yaml:"control_socket_path"`

	DefaultRepoID string                `yaml:"default_repo_id"`
	Repos         map[string]RepoConfig `yaml:"repos"`

	// Session / Control Plane knobs (spec.md §6).
	SessionMaxMessages   int `yaml:"session_max_messages"`
	SessionTTLSeconds    int `yaml:"session_ttl_seconds"`
	SessionDedupeWindowMS int `yaml:"session_dedupe_window_ms"`
	GlobalDedupeWindowMS int `yaml:"global_dedupe_window_ms"`
	MaxQueuePerSession   int `yaml:"max_queue_per_session"`
	MaxMessageBytes      int `yaml:"max_message_bytes"`

	// Orchestrator knobs (spec.md §6).
	TaskMaxConcurrency            int `yaml:"task_max_concurrency"`
	WorkerMaxRetries              int `yaml:"worker_max_retries"`
	WorktreeStaleHours            int `yaml:"worktree_stale_hours"`
	FailedWorktreeRetentionHours  int `yaml:"failed_worktree_retention_hours"`
	OrchestratorMaintenanceSecs   int `yaml:"orchestrator_maintenance_seconds"`
	TaskAutoCleanup bool `yaml:"task_autocleanup"`
	TaskAutoCommit  bool `yaml:"task_auto_commit"`
	TaskAutoPR      bool `yaml:"task_auto_pr"`

	PRCheckTimeoutMS int `yaml:"pr_check_timeout_ms"`
	PRCheckPollMS    int `yaml:"pr_check_poll_ms"`

	ChatDispatchMode      string `yaml:"chat_dispatch_mode"`
	ChatTaskUpdatePollMS  int    `yaml:"chat_task_update_poll_ms"`

	GitHubToken string `yaml:"github_token"`

	Engine   EngineConfig   `yaml:"engine"`
	Channels ChannelsConfig `yaml:"channels"`
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:                     "info",
		SessionMaxMessages:           200,
		SessionTTLSeconds:            int((24 * time.Hour).Seconds()),
		SessionDedupeWindowMS:        1000,
		GlobalDedupeWindowMS:         1000,
		MaxQueuePerSession:           50,
		MaxMessageBytes:              32 * 1024,
		TaskMaxConcurrency:           4,
		WorkerMaxRetries:             2,
		WorktreeStaleHours:           48,
		FailedWorktreeRetentionHours: 24,
		OrchestratorMaintenanceSecs:  300,
		TaskAutoCleanup:              true,
		PRCheckTimeoutMS:             5 * 60 * 1000,
		PRCheckPollMS:                2000,
		ChatDispatchMode:             "session",
		ChatTaskUpdatePollMS:         1000,
	}
}

// HomeDir resolves talond's home directory: TALOND_HOME env var, else
// {user home}/.talond (mirrors the teacher's GOCLAW_HOME override).
func HomeDir() string {
	if override := os.Getenv("TALOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".talond")
}

// Load reads config.yaml from HomeDir, applies TALOND_* env overrides and
// defaults, and returns the effective Config.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.ControlSocketPath == "" {
		cfg.ControlSocketPath = filepath.Join(cfg.DataDir, "session-control")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	switch strings.ToLower(cfg.ChatDispatchMode) {
	case "session", "task", "hybrid":
	default:
		cfg.ChatDispatchMode = "session"
	}
	if cfg.ChatTaskUpdatePollMS < 500 {
		cfg.ChatTaskUpdatePollMS = 500
	}
	if cfg.DefaultRepoID == "" && len(cfg.Repos) == 1 {
		for id := range cfg.Repos {
			cfg.DefaultRepoID = id
		}
	}
	for id, r := range cfg.Repos {
		if r.DefaultBranch == "" {
			r.DefaultBranch = "main"
			cfg.Repos[id] = r
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	strOverride := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	intOverride := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolOverride := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	strOverride("TALOND_DATA_DIR", &cfg.DataDir)
	strOverride("TALOND_LOG_LEVEL", &cfg.LogLevel)
	strOverride("TALOND_CONTROL_SOCKET_PATH", &cfg.ControlSocketPath)
	strOverride("TALOND_DEFAULT_REPO_ID", &cfg.DefaultRepoID)
	strOverride("CHAT_DISPATCH_MODE", &cfg.ChatDispatchMode)
	strOverride("TALOND_ENGINE_BIN", &cfg.Engine.BinPath)

	intOverride("SESSION_MAX_MESSAGES", &cfg.SessionMaxMessages)
	intOverride("SESSION_TTL_SECONDS", &cfg.SessionTTLSeconds)
	intOverride("SESSION_DEDUPE_WINDOW_MS", &cfg.SessionDedupeWindowMS)
	intOverride("TALOND_GLOBAL_DEDUPE_WINDOW_MS", &cfg.GlobalDedupeWindowMS)
	intOverride("MAX_QUEUE_PER_SESSION", &cfg.MaxQueuePerSession)
	intOverride("MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	intOverride("TASK_MAX_CONCURRENCY", &cfg.TaskMaxConcurrency)
	intOverride("WORKER_MAX_RETRIES", &cfg.WorkerMaxRetries)
	intOverride("WORKTREE_STALE_HOURS", &cfg.WorktreeStaleHours)
	intOverride("FAILED_WORKTREE_RETENTION_HOURS", &cfg.FailedWorktreeRetentionHours)
	intOverride("PR_CHECK_TIMEOUT_MS", &cfg.PRCheckTimeoutMS)
	intOverride("PR_CHECK_POLL_MS", &cfg.PRCheckPollMS)
	intOverride("CHAT_TASK_UPDATE_POLL_MS", &cfg.ChatTaskUpdatePollMS)
	intOverride("ENGINE_TIMEOUT_MS", &cfg.Engine.TimeoutMS)

	boolOverride("TASK_AUTOCLEANUP", &cfg.TaskAutoCleanup)
	boolOverride("TASK_AUTO_COMMIT", &cfg.TaskAutoCommit)
	boolOverride("TASK_AUTO_PR", &cfg.TaskAutoPR)

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHubToken = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Channels.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		cfg.Channels.Slack.AppToken = v
	}
}

// Fingerprint returns a stable hash of the knobs that change the daemon's
// runtime behavior, so callers (e.g. `cmd/talond status`) can detect config
// drift without diffing the whole file (teacher: hash/fnv in the same
// role).
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "dispatch=%s|maxconc=%d|retries=%d|dedupe=%d|globaldedupe=%d|ttl=%d|pollms=%d|log=%s",
		c.ChatDispatchMode, c.TaskMaxConcurrency, c.WorkerMaxRetries,
		c.SessionDedupeWindowMS, c.GlobalDedupeWindowMS, c.SessionTTLSeconds,
		c.ChatTaskUpdatePollMS, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
