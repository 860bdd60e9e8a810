// Package config provides configuration loading for the dispatcher daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/notify"
	"github.com/skybridge-io/skybridge/internal/workspace"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// Queue provider; only "file" is implemented.
	QueueProvider string `json:"queue_provider"`

	// Base directories per-workspace state fans out under.
	QueueBasePath      string `json:"queue_base_path"`
	WorkspacesBasePath string `json:"workspaces_base_path"`
	WorktreesBasePath  string `json:"worktrees_base_path"`
	LogsBasePath       string `json:"logs_base_path"`

	// RepoPath backs the implicit core workspace when no workspaces are
	// declared.
	RepoPath string `json:"repo_path,omitempty"`

	// Workspaces declares explicit tenants. Empty means one core workspace
	// rooted at RepoPath.
	Workspaces []workspace.Config `json:"workspaces,omitempty"`

	Webhooks     WebhookSettings      `json:"webhooks"`
	Agent        AgentSettings        `json:"agent"`
	Orchestrator OrchestratorSettings `json:"orchestrator"`
	Janitor      JanitorSettings      `json:"janitor"`
	Ngrok        NgrokSettings        `json:"ngrok"`
	Notify       notify.Settings      `json:"notify,omitempty"`

	// WebUIDeletePassword protects destructive endpoints. May hold a bcrypt
	// hash or a plaintext value.
	WebUIDeletePassword string `json:"webui_delete_password,omitempty"`
}

// WebhookSettings configures intake.
type WebhookSettings struct {
	// Secrets maps source name to its HMAC shared secret.
	Secrets map[string]string `json:"secrets,omitempty"`
	// EnabledSources restricts intake; empty enables every known source.
	EnabledSources []string `json:"enabled_sources,omitempty"`
	// RecoveryGraceSeconds is how old a processing/ record must be before
	// startup recovery requeues it.
	RecoveryGraceSeconds int `json:"recovery_grace_seconds"`
}

// AgentSettings configures the subprocess agent runtime.
type AgentSettings struct {
	Binary               string   `json:"binary"`
	Args                 []string `json:"args,omitempty"`
	PromptPath           string   `json:"prompt_path,omitempty"`
	SkillsPath           string   `json:"skills_path,omitempty"`
	ShutdownGraceSeconds int      `json:"shutdown_grace_seconds"`
}

// OrchestratorSettings configures job processing.
type OrchestratorSettings struct {
	Workers         int    `json:"workers"`
	MaxAttempts     int    `json:"max_attempts"`
	DefaultAutonomy string `json:"default_autonomy"`
	// PRHookURL, when set, receives a POST per completed publish-autonomy
	// job and answers with the created pull request URL.
	PRHookURL string `json:"pr_hook_url,omitempty"`
}

// JanitorSettings configures the periodic queue and worktree cleanup.
type JanitorSettings struct {
	// Schedule is a cron expression (default "@hourly").
	Schedule      string `json:"schedule"`
	RetentionDays int    `json:"retention_days"`
}

// NgrokSettings configures the optional ngrok tunnel subprocess.
type NgrokSettings struct {
	Enabled   bool   `json:"enabled"`
	AuthToken string `json:"auth_token,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

// knownSources are the webhook sources intake understands.
var knownSources = []string{"github", "trello", "discord"}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		LogLevel:           "info",
		QueueProvider:      "file",
		QueueBasePath:      "/var/lib/skybridge/queue",
		WorkspacesBasePath: "/var/lib/skybridge/workspaces",
		WorktreesBasePath:  "/var/lib/skybridge/worktrees",
		LogsBasePath:       "/var/lib/skybridge/logs",
		RepoPath:           ".",
		Webhooks: WebhookSettings{
			Secrets:              map[string]string{},
			RecoveryGraceSeconds: 60,
		},
		Agent: AgentSettings{
			Binary:               "claude",
			PromptPath:           "/etc/skybridge/system_prompt.json",
			SkillsPath:           "/etc/skybridge/skills.yaml",
			ShutdownGraceSeconds: 30,
		},
		Orchestrator: OrchestratorSettings{
			Workers:         1,
			MaxAttempts:     3,
			DefaultAutonomy: string(job.AutonomyPublish),
		},
		Janitor: JanitorSettings{
			Schedule:      "@hourly",
			RetentionDays: 14,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	return applyEnv(cfg.normalize()).normalize(), nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("JOB_QUEUE_PROVIDER")); v != "" {
		cfg.QueueProvider = v
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_BASE_PATH")); v != "" {
		cfg.QueueBasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("WORKSPACES_BASE_PATH")); v != "" {
		cfg.WorkspacesBasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("WORKTREES_BASE_PATH")); v != "" {
		cfg.WorktreesBasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("LOGS_BASE_PATH")); v != "" {
		cfg.LogsBasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_REPO_PATH")); v != "" {
		cfg.RepoPath = v
	}

	for _, source := range knownSources {
		key := "WEBHOOK_" + strings.ToUpper(source) + "_SECRET"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			cfg.Webhooks.Secrets[source] = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_ENABLED_SOURCES")); v != "" {
		cfg.Webhooks.EnabledSources = parseCSV(v)
	}
	if v, ok := envInt("WEBHOOK_PROCESSING_RECOVERY_GRACE_SECONDS"); ok {
		cfg.Webhooks.RecoveryGraceSeconds = v
	}

	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_AGENT_BINARY")); v != "" {
		cfg.Agent.Binary = v
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_AGENT_ARGS")); v != "" {
		cfg.Agent.Args = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_PROMPT_PATH")); v != "" {
		cfg.Agent.PromptPath = v
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_SKILLS_PATH")); v != "" {
		cfg.Agent.SkillsPath = v
	}

	if v, ok := envInt("SKYBRIDGE_WORKERS"); ok {
		cfg.Orchestrator.Workers = v
	}
	if v, ok := envInt("SKYBRIDGE_MAX_ATTEMPTS"); ok {
		cfg.Orchestrator.MaxAttempts = v
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_DEFAULT_AUTONOMY")); v != "" {
		cfg.Orchestrator.DefaultAutonomy = v
	}
	if v := strings.TrimSpace(os.Getenv("SKYBRIDGE_PR_HOOK_URL")); v != "" {
		cfg.Orchestrator.PRHookURL = v
	}

	if v, ok := envBool("NGROK_ENABLED"); ok {
		cfg.Ngrok.Enabled = v
	}
	if v := strings.TrimSpace(os.Getenv("NGROK_AUTH_TOKEN")); v != "" {
		cfg.Ngrok.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("NGROK_DOMAIN")); v != "" {
		cfg.Ngrok.Domain = v
	}

	if v := strings.TrimSpace(os.Getenv("WEBUI_DELETE_PASSWORD")); v != "" {
		cfg.WebUIDeletePassword = v
	}

	if v := strings.TrimSpace(os.Getenv("SLACK_WEBHOOK_URL")); v != "" {
		cfg.Notify.SlackWebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Notify.TelegramBotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Notify.TelegramChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")); v != "" {
		cfg.Notify.WebhookURL = v
	}

	return cfg
}

// Validate checks settings the daemon cannot start without.
func (c Config) Validate() error {
	var problems []string

	if c.QueueProvider != "file" {
		problems = append(problems, fmt.Sprintf("queue_provider %q (only \"file\" is supported)", c.QueueProvider))
	}
	if _, err := job.ParseAutonomyLevel(c.Orchestrator.DefaultAutonomy); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q", c.LogLevel))
	}
	for _, src := range c.Webhooks.EnabledSources {
		if !knownSource(src) {
			problems = append(problems, fmt.Sprintf("enabled source %q", src))
		}
	}
	if len(c.EnabledWorkspaces()) == 0 {
		problems = append(problems, "no enabled workspaces")
	}
	for _, ws := range c.Workspaces {
		if ws.Enabled && strings.TrimSpace(ws.RepoPath) == "" {
			problems = append(problems, fmt.Sprintf("workspace %q has no repo_path", ws.ID))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnabledWorkspaces returns the declared workspaces that are enabled, or the
// implicit core workspace when none are declared at all.
func (c Config) EnabledWorkspaces() []workspace.Config {
	if len(c.Workspaces) == 0 {
		return []workspace.Config{{
			ID:       workspace.DefaultID,
			RepoPath: c.RepoPath,
			Enabled:  true,
		}}
	}
	out := make([]workspace.Config, 0, len(c.Workspaces))
	for _, ws := range c.Workspaces {
		if ws.Enabled {
			out = append(out, ws)
		}
	}
	return out
}

// Paths bundles the base directories for workspace.Build.
func (c Config) Paths() workspace.Paths {
	return workspace.Paths{
		QueueBase:      c.QueueBasePath,
		WorkspacesBase: c.WorkspacesBasePath,
		WorktreesBase:  c.WorktreesBasePath,
		LogsBase:       c.LogsBasePath,
	}
}

// RecoveryGrace returns the processing-recovery grace as a duration.
func (c Config) RecoveryGrace() time.Duration {
	return time.Duration(c.Webhooks.RecoveryGraceSeconds) * time.Second
}

// ShutdownGrace returns how long a canceled agent run may linger.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Agent.ShutdownGraceSeconds) * time.Second
}

// Retention returns the janitor retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Janitor.RetentionDays) * 24 * time.Hour
}

// Autonomy returns the parsed default autonomy level.
func (c Config) Autonomy() job.AutonomyLevel {
	level, err := job.ParseAutonomyLevel(c.Orchestrator.DefaultAutonomy)
	if err != nil {
		return job.AutonomyPublish
	}
	return level
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

func (c Config) normalize() Config {
	if c.Webhooks.Secrets == nil {
		c.Webhooks.Secrets = map[string]string{}
	}
	if c.Webhooks.RecoveryGraceSeconds <= 0 {
		c.Webhooks.RecoveryGraceSeconds = Default().Webhooks.RecoveryGraceSeconds
	}
	if c.Agent.ShutdownGraceSeconds <= 0 {
		c.Agent.ShutdownGraceSeconds = Default().Agent.ShutdownGraceSeconds
	}
	if c.Orchestrator.Workers <= 0 {
		c.Orchestrator.Workers = Default().Orchestrator.Workers
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		c.Orchestrator.MaxAttempts = Default().Orchestrator.MaxAttempts
	}
	if strings.TrimSpace(c.Janitor.Schedule) == "" {
		c.Janitor.Schedule = Default().Janitor.Schedule
	}
	if c.Janitor.RetentionDays <= 0 {
		c.Janitor.RetentionDays = Default().Janitor.RetentionDays
	}

	seen := make(map[string]struct{}, len(c.Webhooks.EnabledSources))
	sources := make([]string, 0, len(c.Webhooks.EnabledSources))
	for _, src := range c.Webhooks.EnabledSources {
		src = strings.ToLower(strings.TrimSpace(src))
		if src == "" {
			continue
		}
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		sources = append(sources, src)
	}
	c.Webhooks.EnabledSources = sources

	return c
}

func knownSource(name string) bool {
	for _, src := range knownSources {
		if src == name {
			return true
		}
	}
	return false
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		switch strings.ToLower(raw) {
		case "yes", "y", "on":
			return true, true
		case "no", "n", "off":
			return false, true
		default:
			return false, false
		}
	}
	return v, true
}
