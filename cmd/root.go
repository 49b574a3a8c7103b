package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/perch/internal/config"
	"github.com/zjrosen/perch/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Drive the claude CLI from the terminal",
	Long: `Perch launches the claude CLI in stream-json mode, assembles its output
into a transcript, and answers tool approval requests.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.perch/config.yaml, then ~/.config/perch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"write debug logs (also PERCH_DEBUG)")
}

func initConfig() {
	loaded, err := loadConfig(viper.GetViper(), cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perch: %v\n", err)
	}
	cfg = loaded
}

// loadConfig reads configuration into v. Lookup order:
//  1. path, when given
//  2. .perch/config.yaml (current directory)
//  3. ~/.config/perch/config.yaml (user config)
//
// A missing file is not an error; defaults and PERCH_* variables still
// apply.
func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	setDefaults(v, config.Defaults())

	v.SetEnvPrefix("PERCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else if _, err := os.Stat(filepath.Join(".perch", "config.yaml")); err == nil {
		v.SetConfigFile(filepath.Join(".perch", "config.yaml"))
	} else {
		v.AddConfigPath(userConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	var readErr error
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			readErr = fmt.Errorf("reading config: %w", err)
		}
	}

	var out config.Config
	if err := v.Unmarshal(&out); err != nil {
		return config.Defaults(), fmt.Errorf("decoding config: %w", err)
	}
	return out, readErr
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_file", d.LogFile)

	v.SetDefault("agent.executable", d.Agent.Executable)
	v.SetDefault("agent.candidates", d.Agent.Candidates)
	v.SetDefault("agent.shell", d.Agent.Shell)
	v.SetDefault("agent.shell_fallback", d.Agent.ShellFallback)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.extra_args", d.Agent.ExtraArgs)
	v.SetDefault("agent.env", d.Agent.Env)

	v.SetDefault("supervisor.poll_interval", d.Supervisor.PollInterval)
	v.SetDefault("supervisor.stop_grace", d.Supervisor.StopGrace)
	v.SetDefault("supervisor.flush_partial_line", d.Supervisor.FlushPartialLine)
	v.SetDefault("supervisor.resolve_cache_ttl", d.Supervisor.ResolveCacheTTL)
	v.SetDefault("supervisor.max_line_bytes", d.Supervisor.MaxLineBytes)

	v.SetDefault("conversation.thinking_entries", d.Conversation.ThinkingEntries)
	v.SetDefault("approval.mode", d.Approval.Mode)
	for name, on := range d.Flags {
		v.SetDefault("flags."+name, on)
	}

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "perch")
}

// startLogging enables the debug log when asked to by flag, config or
// environment. The returned func closes it.
func startLogging() (func(), error) {
	if !debugFlag && !cfg.Debug && os.Getenv("PERCH_DEBUG") == "" {
		return func() {}, nil
	}

	path := cfg.LogFile
	if path == "" {
		path = os.Getenv("PERCH_LOG")
	}
	if path == "" {
		path = "debug.log"
	}

	cleanup, err := log.Init(path)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatCLI, "Perch starting", "version", version, "config", viper.ConfigFileUsed())
	return cleanup, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
