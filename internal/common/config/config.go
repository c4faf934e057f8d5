// Package config provides configuration management for factoriod.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for factoriod.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Mgmt    MgmtConfig    `mapstructure:"mgmt"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AgentConfig holds the per-host agent configuration.
type AgentConfig struct {
	// WSPort is the WebSocket bind port for the agent's control link.
	WSPort int `mapstructure:"wsPort"`

	// DataDir is the root under which the agent keeps installations,
	// savefiles, mods and config files (install/, saves/, mods/, configs/).
	DataDir string `mapstructure:"dataDir"`

	// FactorioPort is the UDP game port used when constructing launch settings.
	FactorioPort int `mapstructure:"factorioPort"`

	// RconPort is the TCP RCON port used when constructing launch settings.
	RconPort int `mapstructure:"rconPort"`
}

// MgmtConfig holds the management server configuration.
type MgmtConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// AgentAddr is the host:port of the agent to supervise,
	// e.g. localhost:5463.
	AgentAddr string `mapstructure:"agentAddr"`

	// AckTimeoutMs bounds the wait for the first (Ack) frame of an operation.
	AckTimeoutMs int `mapstructure:"ackTimeoutMs"`

	// StreamTimeoutSecs bounds how long an unclaimed operation stream
	// endpoint stays mounted before it self-destructs.
	StreamTimeoutSecs int `mapstructure:"streamTimeoutSecs"`
}

// MetricsConfig holds the durable metric store configuration.
type MetricsConfig struct {
	// DBPath is the sqlite database file; ":memory:" for ephemeral storage.
	DBPath string `mapstructure:"dbPath"`
}

// NATSConfig holds the optional external event relay configuration.
// An empty URL disables the relay; events then stay on the in-process broker.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// InstallDir returns the directory holding versioned installations.
func (a *AgentConfig) InstallDir() string { return filepath.Join(a.DataDir, "install") }

// SavesDir returns the savefile directory.
func (a *AgentConfig) SavesDir() string { return filepath.Join(a.DataDir, "saves") }

// ModsDir returns the mod directory.
func (a *AgentConfig) ModsDir() string { return filepath.Join(a.DataDir, "mods") }

// ConfigsDir returns the directory for server config files.
func (a *AgentConfig) ConfigsDir() string { return filepath.Join(a.DataDir, "configs") }

// AckTimeout returns the no-ack timeout as a time.Duration.
func (m *MgmtConfig) AckTimeout() time.Duration {
	return time.Duration(m.AckTimeoutMs) * time.Millisecond
}

// StreamTimeout returns the unconnected-stream timeout as a time.Duration.
func (m *MgmtConfig) StreamTimeout() time.Duration {
	return time.Duration(m.StreamTimeoutSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FACTORIOD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Agent defaults
	v.SetDefault("agent.wsPort", 5463)
	v.SetDefault("agent.dataDir", "/opt/factoriod")
	v.SetDefault("agent.factorioPort", 34197)
	v.SetDefault("agent.rconPort", 27015)

	// Management server defaults
	v.SetDefault("mgmt.host", "0.0.0.0")
	v.SetDefault("mgmt.port", 5050)
	v.SetDefault("mgmt.agentAddr", "localhost:5463")
	v.SetDefault("mgmt.ackTimeoutMs", 500)
	v.SetDefault("mgmt.streamTimeoutSecs", 300)

	// Metrics defaults
	v.SetDefault("metrics.dbPath", "factoriod-metrics.db")

	// NATS defaults - empty URL means no external relay
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "factoriod-mgmt")
	v.SetDefault("nats.subjectPrefix", "factoriod")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FACTORIOD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/factoriod/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FACTORIOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the well-known deployment variables, plus
	// snake_case bindings for camelCase config keys that AutomaticEnv
	// cannot derive.
	_ = v.BindEnv("agent.wsPort", "AGENT_WS_PORT", "FACTORIOD_AGENT_WS_PORT")
	_ = v.BindEnv("agent.factorioPort", "FACTORIO_PORT", "FACTORIOD_AGENT_FACTORIO_PORT")
	_ = v.BindEnv("agent.rconPort", "FACTORIO_RCON_PORT", "FACTORIOD_AGENT_RCON_PORT")
	_ = v.BindEnv("agent.dataDir", "FACTORIOD_AGENT_DATA_DIR")
	_ = v.BindEnv("mgmt.agentAddr", "FACTORIOD_MGMT_AGENT_ADDR")
	_ = v.BindEnv("metrics.dbPath", "FACTORIOD_METRICS_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/factoriod/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	checkPort := func(name string, p int) {
		if p <= 0 || p > 65535 {
			errs = append(errs, name+" must be between 1 and 65535")
		}
	}
	checkPort("agent.wsPort", cfg.Agent.WSPort)
	checkPort("agent.factorioPort", cfg.Agent.FactorioPort)
	checkPort("agent.rconPort", cfg.Agent.RconPort)
	checkPort("mgmt.port", cfg.Mgmt.Port)

	if cfg.Agent.DataDir == "" {
		errs = append(errs, "agent.dataDir is required")
	}
	if cfg.Mgmt.AgentAddr == "" {
		errs = append(errs, "mgmt.agentAddr is required")
	}
	if cfg.Mgmt.AckTimeoutMs <= 0 {
		errs = append(errs, "mgmt.ackTimeoutMs must be positive")
	}
	if cfg.Mgmt.StreamTimeoutSecs <= 0 {
		errs = append(errs, "mgmt.streamTimeoutSecs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
