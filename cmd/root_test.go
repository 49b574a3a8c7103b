package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/perch/internal/config"
	"github.com/zjrosen/perch/internal/jsonvalue"
	"github.com/zjrosen/perch/internal/transcript"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, config.Defaults().Supervisor, cfg.Supervisor)
	require.Equal(t, config.ApprovalAsk, cfg.Approval.Mode)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`agent:
  model: opus
  candidates: ["/opt/{name}"]
supervisor:
  stop_grace: 2s
approval:
  mode: deny
`), 0o600))
	t.Setenv("PERCH_APPROVAL_MODE", "approve")
	t.Setenv("PERCH_SUPERVISOR_POLL_INTERVAL", "10ms")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "opus", cfg.Agent.Model)
	require.Equal(t, []string{"/opt/{name}"}, cfg.Agent.Candidates)
	require.Equal(t, 2*time.Second, cfg.Supervisor.StopGrace)
	require.Equal(t, 10*time.Millisecond, cfg.Supervisor.PollInterval)
	require.Equal(t, config.ApprovalApprove, cfg.Approval.Mode)
	require.True(t, cfg.Agent.ShellFallback)
}

func TestLoadConfig_ProjectFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(".perch", 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(".perch", "config.yaml"), []byte("conversation:\n  thinking_entries: true\n"), 0o600))

	v := viper.New()
	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	require.True(t, cfg.Conversation.ThinkingEntries)
	require.Equal(t, filepath.Join(".perch", "config.yaml"), v.ConfigFileUsed())
}

func TestLoadConfig_Flags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flags:\n  watch-executable: true\n"), 0o600))

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	require.True(t, cfg.Flags["watch-executable"])
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: [unterminated\n"), 0o600))

	_, err := loadConfig(viper.New(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config")
}

func TestNewDecider(t *testing.T) {
	input, err := jsonvalue.ParseObject(`{"command":"ls"}`)
	require.NoError(t, err)
	call := transcript.ToolCall{ID: "t1", Name: "Bash", Input: input, Status: transcript.ToolPending}

	require.True(t, newDecider(config.ApprovalApprove, nil, nil)(call))
	require.False(t, newDecider(config.ApprovalDeny, nil, nil)(call))

	var out bytes.Buffer
	ask := newDecider(config.ApprovalAsk, strings.NewReader("y\nno\nYES\n"), &out)
	require.True(t, ask(call))
	require.False(t, ask(call))
	require.True(t, ask(call))
	require.False(t, ask(call), "end of input denies")
	require.Contains(t, out.String(), `Allow Bash {"command":"ls"}? [y/N]`)
}

func TestInitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perch", "config.yaml")

	require.NoError(t, initConfigFile(path, false))
	err := initConfigFile(path, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
	require.NoError(t, initConfigFile(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfigTemplate(), string(data))
}

func TestParseValue(t *testing.T) {
	require.Equal(t, true, parseValue("true"))
	require.Equal(t, false, parseValue("False"))
	require.Equal(t, int64(3), parseValue("3"))
	require.Equal(t, 0.5, parseValue("0.5"))
	require.Equal(t, "5s", parseValue("5s"))
	require.Equal(t, "approve", parseValue("approve"))
}
