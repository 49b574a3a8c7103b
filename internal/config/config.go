// Package config provides configuration types and defaults for perch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/perch/internal/flags"
	"github.com/zjrosen/perch/internal/log"
	"github.com/zjrosen/perch/internal/tracing"
)

// Approval modes.
const (
	ApprovalAsk     = "ask"
	ApprovalApprove = "approve"
	ApprovalDeny    = "deny"
)

// Config holds all configuration options for perch.
type Config struct {
	Debug        bool               `mapstructure:"debug"`
	LogFile      string             `mapstructure:"log_file"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	Tracing      tracing.Config     `mapstructure:"tracing"`
	Flags        map[string]bool    `mapstructure:"flags"`
}

// AgentConfig selects and parameterizes the agent executable.
type AgentConfig struct {
	// Executable overrides discovery. A bare name is looked up on PATH.
	Executable string `mapstructure:"executable"`

	// Candidates replaces the built-in install locations. {name} and a
	// leading ~ are expanded.
	Candidates []string `mapstructure:"candidates"`

	// Shell is the login shell used when no candidate exists.
	// Default: $SHELL
	Shell string `mapstructure:"shell"`

	// ShellFallback enables launching through the login shell.
	ShellFallback bool `mapstructure:"shell_fallback"`

	Model     string   `mapstructure:"model"`      // passed as --model when set
	ExtraArgs []string `mapstructure:"extra_args"` // appended before -p

	// Env holds KEY=VALUE pairs added to the agent's environment.
	Env []string `mapstructure:"env"`
}

// Args returns the agent arguments implied by the config.
func (a AgentConfig) Args() []string {
	var args []string
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	return append(args, a.ExtraArgs...)
}

// SupervisorConfig tunes process handling.
type SupervisorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
	FlushPartialLine bool          `mapstructure:"flush_partial_line"`
	ResolveCacheTTL  time.Duration `mapstructure:"resolve_cache_ttl"`
	MaxLineBytes     int           `mapstructure:"max_line_bytes"` // 0 is unbounded
}

// ConversationConfig tunes transcript assembly.
type ConversationConfig struct {
	ThinkingEntries bool `mapstructure:"thinking_entries"`
}

// ApprovalConfig decides how tool calls are answered.
type ApprovalConfig struct {
	Mode string `mapstructure:"mode"` // "ask" (default), "approve" or "deny"
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/perch/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "perch", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.FilePath = DefaultTracesFilePath()

	return Config{
		Agent: AgentConfig{
			ShellFallback: true,
		},
		Supervisor: SupervisorConfig{
			PollInterval:     50 * time.Millisecond,
			StopGrace:        5 * time.Second,
			FlushPartialLine: true,
			ResolveCacheTTL:  5 * time.Minute,
			MaxLineBytes:     16 << 20,
		},
		Approval: ApprovalConfig{
			Mode: ApprovalAsk,
		},
		Tracing: tc,
		Flags:   flags.Defaults(),
	}
}

// Validate checks every section.
func Validate(c Config) error {
	if err := ValidateAgent(c.Agent); err != nil {
		return err
	}
	if err := ValidateSupervisor(c.Supervisor); err != nil {
		return err
	}
	if err := ValidateApproval(c.Approval); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateAgent checks agent configuration for errors.
func ValidateAgent(a AgentConfig) error {
	for i, c := range a.Candidates {
		if c == "" {
			return fmt.Errorf("agent.candidates[%d] is empty", i)
		}
	}
	for i, kv := range a.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("agent.env[%d] must be KEY=VALUE, got %q", i, kv)
		}
	}
	return nil
}

// ValidateSupervisor checks the timing values.
func ValidateSupervisor(s SupervisorConfig) error {
	if s.PollInterval < 0 {
		return fmt.Errorf("supervisor.poll_interval must not be negative, got %v", s.PollInterval)
	}
	if s.StopGrace < 0 {
		return fmt.Errorf("supervisor.stop_grace must not be negative, got %v", s.StopGrace)
	}
	if s.ResolveCacheTTL < 0 {
		return fmt.Errorf("supervisor.resolve_cache_ttl must not be negative, got %v", s.ResolveCacheTTL)
	}
	if s.MaxLineBytes < 0 {
		return fmt.Errorf("supervisor.max_line_bytes must not be negative, got %d", s.MaxLineBytes)
	}
	return nil
}

// ValidateApproval checks the approval mode.
func ValidateApproval(a ApprovalConfig) error {
	switch a.Mode {
	case "", ApprovalAsk, ApprovalApprove, ApprovalDeny:
		return nil
	default:
		return fmt.Errorf("approval.mode must be %q, %q, or %q, got %q", ApprovalAsk, ApprovalApprove, ApprovalDeny, a.Mode)
	}
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tc tracing.Config) error {
	if err := tc.Validate(); err != nil {
		return err
	}

	// Only validate path requirements when tracing is enabled
	if tc.Enabled {
		if tc.Exporter == tracing.ExporterFile && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is %q", tracing.ExporterFile)
		}
		if tc.Exporter == tracing.ExporterOTLP && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is %q", tracing.ExporterOTLP)
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Perch Configuration

# Write debug logs to log_file (or ./debug.log)
# debug: false
# log_file: ""

# How the agent CLI is found and launched
agent:
  # Absolute path or bare name (looked up on PATH). Skips discovery when set.
  # executable: /usr/local/bin/claude

  # Install locations tried in order. {name} is the executable name and
  # a leading ~ is your home directory.
  # candidates:
  #   - ~/.local/bin/{name}
  #   - /usr/local/bin/{name}
  #   - /opt/homebrew/bin/{name}
  #   - ~/.claude/local/{name}
  #   - ~/.npm-global/bin/{name}
  #   - /usr/bin/{name}

  # Fall back to "<shell> -l -c claude ..." when no candidate exists
  shell_fallback: true
  # shell: /bin/zsh

  # model: opus
  # extra_args: ["--verbose"]
  # env: ["CLAUDE_CONFIG_DIR=/tmp/claude"]

# Process handling
supervisor:
  poll_interval: 50ms       # back-off after an empty read
  stop_grace: 5s            # SIGTERM to SIGKILL delay
  flush_partial_line: true  # decode an unterminated final line
  resolve_cache_ttl: 5m     # how long a found executable is remembered
  max_line_bytes: 16777216  # longest stdout line before the run is ended, 0 for no limit

# Transcript assembly
conversation:
  thinking_entries: false   # keep model reasoning as transcript entries

# Tool call approval: ask, approve, or deny
approval:
  mode: ask

# Optional features
flags:
  watch-executable: false  # re-resolve the agent when its install changes

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/perch/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
