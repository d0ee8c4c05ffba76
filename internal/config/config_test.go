package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "pricingflow.json", `{
		"server": {"address": ":9090"},
		"skills": {"dir": "skills"},
		"llm": {"provider": "OpenAI", "openai": {"model": "gpt-4o-mini"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Fallback != "canned" || cfg.LLM.TimeoutSec != 30 {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 || cfg.Queue.RecordTTLHour != 24 {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Workflow.PlanningBudget != 500 || cfg.Workflow.SynthesisBudget != 2000 || cfg.Workflow.ContextThreshold != 2000 {
		t.Fatalf("unexpected workflow config: %+v", cfg.Workflow)
	}
	if want := filepath.Join(filepath.Dir(path), "skills"); cfg.Skills.Dir != want {
		t.Fatalf("expected skills dir %q, got %q", want, cfg.Skills.Dir)
	}
	if cfg.SSH.Port != 22 || cfg.Shell.CacheTTLSec != 60 || cfg.MySQL.QueryTTLSec != 300 {
		t.Fatalf("unexpected connector defaults: %+v %+v %+v", cfg.SSH, cfg.Shell, cfg.MySQL)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "pricingflow.yaml", `
cache:
  address: redis:6379
queue:
  driver: redis
  workers: 2
logging:
  level: debug
  output_paths: [stdout]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Address != "redis:6379" || cfg.Queue.Redis.Address != "redis:6379" {
		t.Fatalf("expected redis queue to inherit cache address: %+v", cfg.Queue.Redis)
	}
	if cfg.Queue.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Queue.Workers)
	}
	lc := cfg.Logging.Logger()
	if lc.Level != "debug" || len(lc.OutputPaths) != 1 || lc.OutputPaths[0] != "stdout" {
		t.Fatalf("unexpected logger config: %+v", lc)
	}
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv(EnvRedisPassword, "r-secret")
	t.Setenv(EnvLLMAPIKey, "k-secret")
	t.Setenv(EnvMySQLDSN, "user:pw@tcp(db:3306)/pricing")
	path := writeFile(t, "pricingflow.json", `{"cache": {"password": "file"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Password != "r-secret" || cfg.LLM.Endpoint.APIKey != "k-secret" || cfg.MySQL.DSN == "" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}
	if cfg.Summary()["mysql"] != "true" {
		t.Fatalf("unexpected summary: %v", cfg.Summary())
	}
}

func TestLoadRejectsUnknownEnums(t *testing.T) {
	path := writeFile(t, "bad.json", `{"queue": {"driver": "kafka"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
	path = writeFile(t, "bad-llm.json", `{"llm": {"fallback": "maybe"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected fallback validation error")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("expected default path, got %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/pricingflow.yaml")
	if got := ResolvePath(""); got != "/etc/pricingflow.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
	if got := ResolvePath("local.json"); got != "local.json" {
		t.Fatalf("expected flag path, got %q", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Setenv(EnvMySQLDSN, "")
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Summary()["cache"] != "none" {
		t.Fatalf("expected no cache address in default config")
	}
}
