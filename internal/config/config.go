// Package config loads the application configuration from environment
// variables and an optional YAML file. Environment values win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LicensingConfig contains everything the licensing engine needs to talk to
// the provisioning service and to keep its local artifacts.
type LicensingConfig struct {
	APIBaseURL      string `yaml:"api_base_url" envconfig:"API_BASE_URL" default:"https://api.slascone.com/api/v2"`
	ProvisioningKey string `yaml:"provisioning_key" envconfig:"PROVISIONING_KEY"`
	ProductID       string `yaml:"product_id" envconfig:"PRODUCT_ID"`
	SoftwareVersion string `yaml:"software_version" envconfig:"SOFTWARE_VERSION" default:"1.0.0"`
	DataDir         string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	PublicKeyFile   string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE" default:"signature_pub_key.pem"`
	SnapshotSecret  string `yaml:"snapshot_secret" envconfig:"SNAPSHOT_SECRET"`
}

// SecurityConfig contains the security settings of the control endpoints.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig bounds how often licensing commands may be issued.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"5"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"10"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensectl.log"`
}

// WebSocketConfig contains the state-push WebSocket configuration.
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// Load reads configuration from the environment and, when present, the YAML
// config file. Environment values take precedence over file values.
func Load() (*Config, error) {
	var fileCfg Config
	path := configFilePath()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	cfg := fileCfg
	if err := envconfig.Process("LICENSECTL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := os.MkdirAll(cfg.Licensing.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Licensing.ProductID == "" {
		return fmt.Errorf("licensing product id is required")
	}
	if c.Licensing.SnapshotSecret == "" {
		return fmt.Errorf("licensing snapshot secret is required")
	}
	return nil
}

// configFilePath returns the config file location, overridable through
// LICENSECTL_CONFIG_FILE.
func configFilePath() string {
	if path := os.Getenv("LICENSECTL_CONFIG_FILE"); path != "" {
		return path
	}
	return filepath.Join(".", "licensectl.yaml")
}
