// ABOUTME: Configuration loading and parsing for bridge-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Bridges  BridgesConfig  `yaml:"bridges"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MatrixConfig holds homeserver access configuration.
// SharedSecret is the synapse registration shared secret used to provision
// per-user accounts; StorePath is the directory holding per-user crypto stores.
type MatrixConfig struct {
	Homeserver   string `yaml:"homeserver"`
	SharedSecret string `yaml:"shared_secret"`
	StorePath    string `yaml:"store_path"`
}

// BridgesConfig holds per-platform bridge bot identities and monitor timing.
type BridgesConfig struct {
	Bots BotsConfig `yaml:"bots"`

	MonitorBudget time.Duration `yaml:"-"`
	MonitorTick   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MonitorBudgetRaw string `yaml:"monitor_budget"`
	MonitorTickRaw   string `yaml:"monitor_tick"`
}

// BotsConfig maps each supported platform to its bridge bot Matrix user ID.
type BotsConfig struct {
	WhatsApp  string `yaml:"whatsapp"`
	Telegram  string `yaml:"telegram"`
	Signal    string `yaml:"signal"`
	Messenger string `yaml:"messenger"`
	Instagram string `yaml:"instagram"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}

	if c.Matrix.SharedSecret == "" {
		return fmt.Errorf("matrix.shared_secret is required")
	}

	if c.Matrix.StorePath == "" {
		return fmt.Errorf("matrix.store_path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bridges.MonitorBudgetRaw != "" {
		cfg.Bridges.MonitorBudget, err = time.ParseDuration(cfg.Bridges.MonitorBudgetRaw)
		if err != nil {
			return fmt.Errorf("parsing monitor_budget %q: %w", cfg.Bridges.MonitorBudgetRaw, err)
		}
	}

	if cfg.Bridges.MonitorTickRaw != "" {
		cfg.Bridges.MonitorTick, err = time.ParseDuration(cfg.Bridges.MonitorTickRaw)
		if err != nil {
			return fmt.Errorf("parsing monitor_tick %q: %w", cfg.Bridges.MonitorTickRaw, err)
		}
	}

	return nil
}

// BotUserID returns the configured bridge bot user ID for the given platform
// name, or an empty string if the platform is unknown or unconfigured.
func (c *BotsConfig) BotUserID(platform string) string {
	switch platform {
	case "whatsapp":
		return c.WhatsApp
	case "telegram":
		return c.Telegram
	case "signal":
		return c.Signal
	case "messenger":
		return c.Messenger
	case "instagram":
		return c.Instagram
	default:
		return ""
	}
}
