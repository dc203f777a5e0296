// Package config loads and validates the replbridge configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultBaudRate           = 115200
	DefaultReadTimeoutSeconds = 10.0
	DefaultUploadDelaySeconds = 0.06
	DefaultServerPort         = 9277
	DefaultLogLevel           = "info"
)

// Board holds the serial connection parameters.
type Board struct {
	// Device is the serial device path. Empty means auto-detect.
	Device             string  `yaml:"device"`
	BaudRate           int     `yaml:"baud_rate"`
	ReadTimeoutSeconds float64 `yaml:"read_timeout_seconds"`
	UploadDelaySeconds float64 `yaml:"upload_delay_seconds"`
	// Registry optionally points at a boards.toml profile registry
	// used for auto-detection. Empty means the built-in registry.
	Registry string `yaml:"registry"`
}

// ReadTimeout returns the transport read timeout as a duration.
func (b Board) ReadTimeout() time.Duration {
	return time.Duration(b.ReadTimeoutSeconds * float64(time.Second))
}

// UploadDelay returns the per-line pacing delay as a duration.
func (b Board) UploadDelay() time.Duration {
	return time.Duration(b.UploadDelaySeconds * float64(time.Second))
}

// Server holds the kernel message server parameters.
type Server struct {
	Port int `yaml:"port"`
	// AuthToken, when set, is required as a bearer token on connect.
	AuthToken string `yaml:"auth_token"`
	// AuthTokenHash stores an argon2id hash instead of the plain token.
	// When set it takes precedence over AuthToken. Managed by the
	// `replbridge token` command.
	AuthTokenHash string `yaml:"auth_token_hash"`
}

// Config represents the replbridge config file.
type Config struct {
	Board    Board  `yaml:"board"`
	Server   Server `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Board: Board{
			BaudRate:           DefaultBaudRate,
			ReadTimeoutSeconds: DefaultReadTimeoutSeconds,
			UploadDelaySeconds: DefaultUploadDelaySeconds,
		},
		Server: Server{
			Port: DefaultServerPort,
		},
		LogLevel: DefaultLogLevel,
	}
}

// Load reads and parses the config file at path. A missing file yields
// the defaults; a present but malformed or invalid file is an error.
// Zero-valued fields fall back to their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills fields the file left at their zero value.
func applyDefaults(cfg *Config) {
	if cfg.Board.BaudRate == 0 {
		cfg.Board.BaudRate = DefaultBaudRate
	}
	if cfg.Board.ReadTimeoutSeconds == 0 {
		cfg.Board.ReadTimeoutSeconds = DefaultReadTimeoutSeconds
	}
	if cfg.Board.UploadDelaySeconds == 0 {
		cfg.Board.UploadDelaySeconds = DefaultUploadDelaySeconds
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// Validate checks that all config values are usable.
func Validate(cfg *Config) error {
	if cfg.Board.BaudRate <= 0 {
		return ValidationError{Field: "board.baud_rate", Message: "must be positive"}
	}
	if cfg.Board.ReadTimeoutSeconds <= 0 {
		return ValidationError{Field: "board.read_timeout_seconds", Message: "must be positive"}
	}
	if cfg.Board.UploadDelaySeconds < 0 {
		return ValidationError{Field: "board.upload_delay_seconds", Message: "must not be negative"}
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be in range 1-65535"}
	}
	return nil
}

// Save writes the config back to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
