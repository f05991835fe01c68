package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pi-executor/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Executor   ExecutorConfig   `yaml:"executor"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Store      StoreConfig      `yaml:"store"`
	Watch      WatchConfig      `yaml:"watch"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// ExecutorConfig is the per-invocation run configuration. It is read-only
// once loaded.
type ExecutorConfig struct {
	Model          string               `yaml:"model,omitempty"`
	Provider       string               `yaml:"provider,omitempty"`
	AutoCompaction *bool                `yaml:"auto_compaction,omitempty"` // nil = enabled
	AppendPrompt   string               `yaml:"append_prompt,omitempty"`
	Handshake      domain.HandshakeMode `yaml:"handshake"`
	Overrides      CommandOverrides     `yaml:",inline"`
}

// AutoCompactionEnabled reports the effective auto-compaction flag.
func (c ExecutorConfig) AutoCompactionEnabled() bool {
	return c.AutoCompaction == nil || *c.AutoCompaction
}

// CommandOverrides lets users replace the base command, add parameters, or
// inject environment variables into the agent process.
type CommandOverrides struct {
	BaseCommandOverride string            `yaml:"base_command_override,omitempty"`
	AdditionalParams    []string          `yaml:"additional_params,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
}

// SessionsConfig locates the agent's own on-disk state.
type SessionsConfig struct {
	AgentHome string `yaml:"agent_home"` // default: ~/.pi/agent
	Root      string `yaml:"root"`       // default: <agent_home>/sessions
}

// NormalizerConfig tunes log normalization.
type NormalizerConfig struct {
	StderrQuietPeriod time.Duration `yaml:"stderr_quiet_period"`
}

// StoreConfig enables optional SQLite persistence of normalized entries.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path,omitempty"` // empty = in-memory only
}

// WatchConfig enables the live WebSocket feed.
type WatchConfig struct {
	Addr              string `yaml:"addr,omitempty"` // empty = disabled
	UpgradesPerMinute int    `yaml:"upgrades_per_minute"`
	UpgradeBurst      int    `yaml:"upgrade_burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // "noop" or "stdout"
	SampleRatio float64 `yaml:"sample_ratio"` // 0 or 1 = every run
}

func defaultAgentHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".pi", "agent")
	}
	return filepath.Join(home, ".pi", "agent")
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	agentHome := defaultAgentHome()
	return &Config{
		Executor: ExecutorConfig{
			Handshake: domain.HandshakePoll,
		},
		Sessions: SessionsConfig{
			AgentHome: agentHome,
			Root:      filepath.Join(agentHome, "sessions"),
		},
		Normalizer: NormalizerConfig{
			StderrQuietPeriod: 2 * time.Second,
		},
		Watch: WatchConfig{
			UpgradesPerMinute: 30,
			UpgradeBurst:      10,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.WrapCause("config.Load", domain.ErrConfigLoad, err, path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// Remember whether the file set sessions.root explicitly so a custom
	// agent_home still derives its own sessions directory.
	var raw struct {
		Sessions struct {
			Root string `yaml:"root"`
		} `yaml:"sessions"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.WrapCause("config.Load", domain.ErrConfigLoad, err, "parse "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.WrapCause("config.Load", domain.ErrConfigLoad, err, "parse "+path)
	}
	if raw.Sessions.Root == "" {
		cfg.Sessions.Root = filepath.Join(cfg.Sessions.AgentHome, "sessions")
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps PIEXEC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIEXEC_MODEL"); v != "" {
		cfg.Executor.Model = v
	}
	if v := os.Getenv("PIEXEC_PROVIDER"); v != "" {
		cfg.Executor.Provider = v
	}
	if v := os.Getenv("PIEXEC_HANDSHAKE"); v != "" {
		cfg.Executor.Handshake = domain.HandshakeMode(strings.ToLower(v))
	}
	if v := os.Getenv("PIEXEC_AUTO_COMPACTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Executor.AutoCompaction = &b
		}
	}
	if v := os.Getenv("PIEXEC_BASE_COMMAND"); v != "" {
		cfg.Executor.Overrides.BaseCommandOverride = v
	}
	if v := os.Getenv("PIEXEC_AGENT_HOME"); v != "" {
		cfg.Sessions.AgentHome = v
		if os.Getenv("PIEXEC_SESSIONS_ROOT") == "" {
			cfg.Sessions.Root = filepath.Join(v, "sessions")
		}
	}
	if v := os.Getenv("PIEXEC_SESSIONS_ROOT"); v != "" {
		cfg.Sessions.Root = v
	}
	if v := os.Getenv("PIEXEC_STORE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("PIEXEC_WATCH_ADDR"); v != "" {
		cfg.Watch.Addr = v
	}
	if v := os.Getenv("PIEXEC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PIEXEC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PIEXEC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PIEXEC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
