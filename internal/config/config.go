// ABOUTME: Configuration loading and parsing for the policy chat client
// ABOUTME: Supports TOML and YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Storage StorageConfig `toml:"storage" yaml:"storage"`
	Health  HealthConfig  `toml:"health" yaml:"health"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

// ServerConfig points the client at the Policy RAG API.
type ServerConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`

	// Request timeouts: short covers health checks and thread creation,
	// stream covers a whole streaming exchange.
	ShortTimeout  time.Duration `toml:"-" yaml:"-"`
	StreamTimeout time.Duration `toml:"-" yaml:"-"`

	// Raw string values for unmarshaling
	ShortTimeoutRaw  string `toml:"short_timeout" yaml:"short_timeout"`
	StreamTimeoutRaw string `toml:"stream_timeout" yaml:"stream_timeout"`
}

// StorageConfig holds local persistence configuration. An empty Path selects
// the in-memory store: the client still works, nothing survives restart.
type StorageConfig struct {
	Path     string `toml:"path" yaml:"path"`
	MaxBytes int64  `toml:"max_bytes" yaml:"max_bytes"`
}

// HealthConfig controls the periodic backend health poll.
type HealthConfig struct {
	Interval time.Duration `toml:"-" yaml:"-"`

	IntervalRaw string `toml:"interval" yaml:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:       "http://localhost:8000",
			ShortTimeout:  5 * time.Second,
			StreamTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path: filepath.Join(defaultDataDir(), "policy-chat.db"),
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file and returns a parsed Config, with defaults
// filled in for anything unset. The format is chosen by file extension
// (.toml, .yaml, .yml). Environment variables in the format ${VAR_NAME} are
// expanded; duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .toml, .yaml, or .yml)", filepath.Ext(path))
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must start with http:// or https://")
	}
	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("storage.max_bytes must not be negative")
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShortTimeoutRaw != "" {
		cfg.Server.ShortTimeout, err = time.ParseDuration(cfg.Server.ShortTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing short_timeout %q: %w", cfg.Server.ShortTimeoutRaw, err)
		}
	}

	if cfg.Server.StreamTimeoutRaw != "" {
		cfg.Server.StreamTimeout, err = time.ParseDuration(cfg.Server.StreamTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stream_timeout %q: %w", cfg.Server.StreamTimeoutRaw, err)
		}
	}

	if cfg.Health.IntervalRaw != "" {
		cfg.Health.Interval, err = time.ParseDuration(cfg.Health.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing health interval %q: %w", cfg.Health.IntervalRaw, err)
		}
	}

	return nil
}

// DefaultPath returns the config file path.
// Priority: POLICY_CHAT_CONFIG env var > XDG_CONFIG_HOME/policy-chat/config.toml > ~/.config/policy-chat/config.toml
func DefaultPath() string {
	if envPath := os.Getenv("POLICY_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "policy-chat", "config.toml")
}

// defaultDataDir returns the data directory for the local store.
// Priority: XDG_DATA_HOME/policy-chat > ~/.local/share/policy-chat
func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "policy-chat")
}
