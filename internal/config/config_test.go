package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenCRM-Dialog/internal/errors"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.LLMTimeout)
	assert.Equal(t, 4, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, "memory", cfg.Session.Driver)
	assert.Equal(t, "memory", cfg.Notify.Driver)
}

func TestLoadYAMLResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, "crmdialog.yaml", `
server:
  address: ":9090"
orchestrator:
  tool_timeout: 5s
  max_rounds: 2
session:
  driver: redis
  redis:
    address: localhost:6379
enrichment:
  source: context.yaml
catalog:
  alias_file: /etc/crmdialog/aliases.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.ToolTimeout)
	assert.Equal(t, 2, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, "localhost:6379", cfg.Session.Redis.Address)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "context.yaml"), cfg.Enrichment.Source)
	assert.Equal(t, "/etc/crmdialog/aliases.yaml", cfg.Catalog.AliasFile)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CRMDIALOG_SERVER_ADDRESS", ":7070")
	t.Setenv("CRMDIALOG_NOTIFY_WORKERS", "6")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, 6, cfg.Notify.Workers)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"unknown driver":    "session:\n  driver: etcd\n",
		"redis without url": "notify:\n  driver: redis\n",
		"mysql without dsn": "directory:\n  driver: mysql\n",
		"bridge no script":  "llm:\n  provider: python_bridge\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", content))
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
		})
	}
}

func TestOpenAIKeyFallsBackToEnv(t *testing.T) {
	lookup := func(name string) string {
		if name == "MY_KEY" {
			return "sk-env"
		}
		return ""
	}
	assert.Equal(t, "sk-env", OpenAIConfig{APIKeyEnv: "MY_KEY"}.OpenAIKey(lookup))
	assert.Equal(t, "sk-file", OpenAIConfig{APIKey: "sk-file", APIKeyEnv: "MY_KEY"}.OpenAIKey(lookup))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
