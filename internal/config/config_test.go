package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AGENT_PROMPT_DB", "")
	t.Setenv("AGENT_PROMPT_ENCODER", "")
	t.Setenv("AGENT_PROMPT_ENCODER_URL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.Equal(t, "chars", cfg.Encoder.Provider)
	assert.Equal(t, 4, cfg.Encoder.CharsPerToken)
	assert.Equal(t, 30*time.Second, cfg.Encoder.Timeout)
	assert.Equal(t, MemoryConfig{ScanDepth: 8, TokenBudget: 512}, cfg.Memory)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/prompts.db
max_tokens: 2048
encoder:
  provider: llamacpp
  timeout: 5s
memory:
  scan_depth: 3
`), 0o644))

	t.Setenv("AGENT_PROMPT_DB", "")
	t.Setenv("AGENT_PROMPT_ENCODER", "")
	t.Setenv("AGENT_PROMPT_ENCODER_URL", "http://tok:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/prompts.db", cfg.DBPath)
	assert.Equal(t, 2048, cfg.MaxTokens)
	assert.Equal(t, "llamacpp", cfg.Encoder.Provider)
	assert.Equal(t, 5*time.Second, cfg.Encoder.Timeout)
	assert.Equal(t, "http://tok:9000", cfg.Encoder.BaseURL)
	assert.Equal(t, 3, cfg.Memory.ScanDepth)
	assert.Equal(t, 512, cfg.Memory.TokenBudget, "unset keys keep defaults")

	t.Setenv("AGENT_PROMPT_DB", "/override.db")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/override.db", cfg.DBPath)
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_tokens: [oops"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("max_tokens: -1"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "x.db"), expandHome("~/x.db"))
	assert.Equal(t, "/abs.db", expandHome("/abs.db"))
}
