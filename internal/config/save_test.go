package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetValue_CreatesNewFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(configPath, "approval.mode", ApprovalApprove))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "approval:")
	assert.Contains(t, string(data), "mode: approve")
}

func TestSetValue_PreservesOtherConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	initial := `# top comment
agent:
  # keep me
  model: opus
approval:
  mode: ask # inline
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o600))

	require.NoError(t, SetValue(configPath, "approval.mode", ApprovalDeny))
	require.NoError(t, SetValue(configPath, "supervisor.stop_grace", "2s"))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# top comment")
	assert.Contains(t, content, "# keep me")
	assert.Contains(t, content, "model: opus")
	assert.Contains(t, content, "mode: deny")
	assert.NotContains(t, content, "mode: ask")

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.Equal(t, ApprovalDeny, cfg.Approval.Mode)
	require.Equal(t, "opus", cfg.Agent.Model)
	require.Equal(t, "2s", v.GetString("supervisor.stop_grace"))
}

func TestSetValue_ListValue(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SetValue(configPath, "agent.candidates", []string{"/a/{name}", "/b/{name}"}))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	require.Equal(t, []string{"/a/{name}", "/b/{name}"}, v.GetStringSlice("agent.candidates"))
}

func TestSetValue_Errors(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("approval: ask\n"), 0o600))

	err := SetValue(configPath, "approval.mode", "deny")
	require.Error(t, err)
	require.Contains(t, err.Error(), "approval is not a mapping")

	require.Error(t, SetValue(configPath, "agent..model", "x"))

	require.NoError(t, os.WriteFile(configPath, []byte("- a\n- b\n"), 0o600))
	require.Error(t, SetValue(configPath, "debug", true))
}
