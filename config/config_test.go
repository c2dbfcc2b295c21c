package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `{
  "general": {"timezone": "UTC"},
  "storage": {"postgres": {"host": "localhost", "dbname": "hatchery", "user": "ops", "password": "pw"}},
  "llm": {"type": "openai", "api_key": "k", "models": {"light": "gpt-4o-mini", "standard": "gpt-4o"}},
  "worker": {"kinds": {"research": {"prompt": "Research {{.Description}}", "tier": "standard"}}},
  "agents": [
    {"id": "a1", "name": "Ada", "role": "lead"},
    {"id": "a2", "name": "Bo", "role": "analyst"}
  ],
  "conversation": {"formats": {"standup": {"max_turns": 6}, "retro": {"extract_action_items": false}}},
  "policies": {"auto_approve": {"enabled": true, "allowed_step_kinds": ["research"]}}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.MaxFailures != 3 {
		t.Fatalf("unexpected worker defaults %+v", cfg.Worker)
	}
	if cfg.Heartbeat.Schedule != "*/5 * * * *" || cfg.Heartbeat.StaleAfter != 30*time.Minute || cfg.Heartbeat.LockTTL != 4*time.Minute {
		t.Fatalf("unexpected heartbeat defaults %+v", cfg.Heartbeat)
	}
	if cfg.Initiatives.MinMemories != 5 || cfg.Initiatives.MinConfidence != 0.6 || cfg.Initiatives.Cooldown != 4*time.Hour {
		t.Fatalf("unexpected initiative defaults %+v", cfg.Initiatives)
	}
	if got := cfg.AgentIDs(); strings.Join(got, ",") != "a1,a2" {
		t.Fatalf("unexpected agents %v", got)
	}
	if cfg.Conversation.Formats["standup"].MaxTurns != 6 || cfg.Conversation.Formats["standup"].ExtractActionItems != nil {
		t.Fatalf("format override lost: %+v", cfg.Conversation.Formats)
	}
	if x := cfg.Conversation.Formats["retro"].ExtractActionItems; x == nil || *x {
		t.Fatalf("explicit extract_action_items=false lost: %v", x)
	}
	if cfg.Worker.Kinds["research"].Tier != "standard" {
		t.Fatalf("worker kinds lost: %+v", cfg.Worker.Kinds)
	}
	if _, ok := cfg.Policies["auto_approve"]; !ok {
		t.Fatal("policies not decoded")
	}
	if dsn := cfg.Storage.Postgres.DSN(); dsn != "postgres://ops:pw@localhost:5432/hatchery?sslmode=disable" {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	loc, err := cfg.General.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("unexpected location %v %v", loc, err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HATCHERY_SERVER_ADDRESS", ":9999")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Fatalf("env override ignored: %q", cfg.Server.Address)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate agent": strings.Replace(sampleConfig, `"id": "a2"`, `"id": "a1"`, 1),
		"bad tier":        strings.Replace(sampleConfig, `"tier": "standard"`, `"tier": "huge"`, 1),
		"bad timezone":    strings.Replace(sampleConfig, `"timezone": "UTC"`, `"timezone": "Mars/Olympus"`, 1),
		"no postgres":     strings.Replace(sampleConfig, `"host": "localhost", "dbname": "hatchery", `, ``, 1),
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadConfigPanicsOnMissingFile(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
}
