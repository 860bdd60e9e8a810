package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/workspace"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.QueueProvider != "file" {
		t.Fatalf("queue provider = %q", cfg.QueueProvider)
	}
	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", cfg.Orchestrator.MaxAttempts)
	}
	if cfg.Janitor.Schedule != "@hourly" || cfg.Janitor.RetentionDays != 14 {
		t.Fatalf("janitor defaults = %q / %d", cfg.Janitor.Schedule, cfg.Janitor.RetentionDays)
	}
	if cfg.Autonomy() != job.AutonomyPublish {
		t.Fatalf("default autonomy = %s", cfg.Autonomy())
	}
}

func TestFileOverridesDefaultsAndEnvWins(t *testing.T) {
	path := writeConfig(t, `{
		"listen_addr": ":9090",
		"queue_base_path": "/data/queue",
		"webhooks": {
			"secrets": {"trello": "do-arquivo"},
			"recovery_grace_seconds": 120
		},
		"orchestrator": {"workers": 4}
	}`)

	t.Setenv("SKYBRIDGE_LISTEN_ADDR", ":7070")
	t.Setenv("WEBHOOK_GITHUB_SECRET", "do-ambiente")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env should win over file, got %q", cfg.ListenAddr)
	}
	if cfg.QueueBasePath != "/data/queue" {
		t.Fatalf("file should win over default, got %q", cfg.QueueBasePath)
	}
	if cfg.WorkspacesBasePath != "/var/lib/skybridge/workspaces" {
		t.Fatalf("untouched key should keep default, got %q", cfg.WorkspacesBasePath)
	}
	if cfg.Webhooks.Secrets["github"] != "do-ambiente" {
		t.Fatalf("github secret = %q", cfg.Webhooks.Secrets["github"])
	}
	if cfg.Webhooks.Secrets["trello"] != "do-arquivo" {
		t.Fatalf("env overlay must not clobber file secrets, trello = %q", cfg.Webhooks.Secrets["trello"])
	}
	if cfg.Webhooks.RecoveryGraceSeconds != 120 || cfg.RecoveryGrace() != 2*time.Minute {
		t.Fatalf("recovery grace = %d", cfg.Webhooks.RecoveryGraceSeconds)
	}
	if cfg.Orchestrator.Workers != 4 {
		t.Fatalf("workers = %d", cfg.Orchestrator.Workers)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := writeConfig(t, `{"listen_addr": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}

func TestEnabledSourcesFromEnvAreNormalized(t *testing.T) {
	t.Setenv("WEBHOOK_ENABLED_SOURCES", " GitHub, trello ,github,")

	cfg := LoadFromEnv()
	got := strings.Join(cfg.Webhooks.EnabledSources, ",")
	if got != "github,trello" {
		t.Fatalf("enabled sources = %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.QueueProvider = "redis" }, "queue_provider"},
		{"unknown autonomy", func(c *Config) { c.Orchestrator.DefaultAutonomy = "YOLO" }, "autonomy"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"unknown source", func(c *Config) { c.Webhooks.EnabledSources = []string{"gitlab"} }, "gitlab"},
		{"workspace without repo", func(c *Config) {
			c.Workspaces = []workspace.Config{{ID: "beta", RepoPath: "", Enabled: true}}
		}, "repo_path"},
		{"all workspaces disabled", func(c *Config) {
			c.Workspaces = []workspace.Config{{ID: "beta", RepoPath: "/r", Enabled: false}}
		}, "no enabled workspaces"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnabledWorkspacesFallsBackToCore(t *testing.T) {
	cfg := Default()
	cfg.RepoPath = "/srv/repo"

	list := cfg.EnabledWorkspaces()
	if len(list) != 1 {
		t.Fatalf("expected single implicit workspace, got %d", len(list))
	}
	if list[0].ID != workspace.DefaultID || list[0].RepoPath != "/srv/repo" || !list[0].Enabled {
		t.Fatalf("implicit workspace = %+v", list[0])
	}

	cfg.Workspaces = []workspace.Config{
		{ID: "core", RepoPath: "/srv/a", Enabled: true},
		{ID: "beta", RepoPath: "/srv/b", Enabled: false},
		{ID: "gama", RepoPath: "/srv/c", Enabled: true},
	}
	list = cfg.EnabledWorkspaces()
	if len(list) != 2 || list[0].ID != "core" || list[1].ID != "gama" {
		t.Fatalf("enabled workspaces = %+v", list)
	}
}

func TestNgrokEnvVariants(t *testing.T) {
	t.Setenv("NGROK_ENABLED", "on")
	t.Setenv("NGROK_AUTH_TOKEN", "tok-123")
	t.Setenv("NGROK_DOMAIN", "sky.example.com")

	cfg := LoadFromEnv()
	if !cfg.Ngrok.Enabled || cfg.Ngrok.AuthToken != "tok-123" || cfg.Ngrok.Domain != "sky.example.com" {
		t.Fatalf("ngrok settings = %+v", cfg.Ngrok)
	}

	t.Setenv("NGROK_ENABLED", "0")
	cfg = LoadFromEnv()
	if cfg.Ngrok.Enabled {
		t.Fatal("NGROK_ENABLED=0 should disable the tunnel")
	}
}

func TestAgentArgsFromEnvAreSplit(t *testing.T) {
	t.Setenv("SKYBRIDGE_AGENT_BINARY", "meu-agente")
	t.Setenv("SKYBRIDGE_AGENT_ARGS", "--modo autonomo  --verbose")

	cfg := LoadFromEnv()
	if cfg.Agent.Binary != "meu-agente" {
		t.Fatalf("binary = %q", cfg.Agent.Binary)
	}
	want := []string{"--modo", "autonomo", "--verbose"}
	if len(cfg.Agent.Args) != len(want) {
		t.Fatalf("args = %v", cfg.Agent.Args)
	}
	for i := range want {
		if cfg.Agent.Args[i] != want[i] {
			t.Fatalf("args = %v", cfg.Agent.Args)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.Agent.ShutdownGraceSeconds = 10
	cfg.Janitor.RetentionDays = 7

	if cfg.ShutdownGrace() != 10*time.Second {
		t.Fatalf("shutdown grace = %s", cfg.ShutdownGrace())
	}
	if cfg.Retention() != 7*24*time.Hour {
		t.Fatalf("retention = %s", cfg.Retention())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")
	cfg := Default()
	cfg.ListenAddr = ":9999"
	cfg.Webhooks.Secrets["github"] = "segredo"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != ":9999" || loaded.Webhooks.Secrets["github"] != "segredo" {
		t.Fatalf("round trip lost fields: %+v", loaded)
	}
}
