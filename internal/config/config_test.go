package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "xeros.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"handlers": {"knowledge": {"path": "knowledge.json"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" || cfg.Server.ShutdownTimeout() != 5*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Engine.StepTimeout() != 30*time.Second || cfg.Engine.MaxAttempts != 3 || cfg.Engine.RetryDelay() != time.Second {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.MaxConcurrentOperations != 2 || cfg.Engine.MaxConcurrentTasks != 4 {
		t.Fatalf("unexpected concurrency defaults: %+v", cfg.Engine)
	}
	if cfg.Cache.Driver != "memory" || cfg.Storage.RunStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("drivers should default to memory")
	}
	if cfg.Retention.MaxAge() != 24*time.Hour || cfg.Retention.SweepInterval() != time.Hour {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if cfg.Chains != filepath.Join(dir, "chains.json") {
		t.Fatalf("chains path should be resolved against the config dir: %s", cfg.Chains)
	}
	if cfg.Handlers.Knowledge.Path != filepath.Join(dir, "knowledge.json") {
		t.Fatalf("knowledge path should be resolved: %s", cfg.Handlers.Knowledge.Path)
	}
	if cfg.Handlers.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Fatalf("unexpected api key env %q", cfg.Handlers.LLM.APIKeyEnv)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"queue driver":   `{"queue": {"driver": "kafka"}}`,
		"mysql dsn":      `{"storage": {"run_store": {"driver": "mysql"}}}`,
		"redis cache":    `{"cache": {"driver": "redis"}}`,
		"rabbitmq url":   `{"queue": {"driver": "rabbitmq"}}`,
		"evm endpoint":   `{"handlers": {"evm": {"enabled": true}}}`,
		"unknown field":  `{"sever": {}}`,
		"logging format": `{"logging": {"format": "xml"}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestPathAndAPIKey(t *testing.T) {
	t.Setenv(EnvPath, "")
	if Path() != DefaultPath {
		t.Fatalf("unexpected default path %s", Path())
	}
	t.Setenv(EnvPath, "/etc/xeros.json")
	if Path() != "/etc/xeros.json" {
		t.Fatalf("env path should win")
	}

	t.Setenv("XEROS_TEST_KEY", "sk-env")
	llm := LLMHandlerConfig{APIKeyEnv: "XEROS_TEST_KEY"}
	if llm.ResolveAPIKey() != "sk-env" {
		t.Fatalf("api key should come from env")
	}
	llm.APIKey = "sk-inline"
	if llm.ResolveAPIKey() != "sk-inline" {
		t.Fatalf("inline api key should win")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("empty path should fail")
	}
}
