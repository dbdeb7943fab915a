// Package config provides configuration management for the ipybox server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gradion-ai/ipybox/internal/common/logger"
)

// Config holds all configuration sections for the ipybox server.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Docker    DockerConfig         `mapstructure:"docker"`
	Container ContainerConfig      `mapstructure:"container"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  string `mapstructure:"corsOrigins"`  // comma-separated list, "*" for any
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// APIKey protects every endpoint except /health when non-empty.
	// Empty disables authentication.
	APIKey string `mapstructure:"apiKey"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// ContainerConfig holds container lifecycle configuration.
type ContainerConfig struct {
	// DefaultTag is the image used when a create request carries no tag.
	DefaultTag string `mapstructure:"defaultTag"`

	// CleanupInterval is how often the idle reapers run, in seconds.
	CleanupInterval int `mapstructure:"cleanupInterval"`

	// MaxIdleTime is how long a container or MCP session may sit unused
	// before it is reaped, in seconds.
	MaxIdleTime int `mapstructure:"maxIdleTime"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CORSOriginList splits the configured origins into a slice.
func (s *ServerConfig) CORSOriginList() []string {
	var origins []string
	for _, o := range strings.Split(s.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// CleanupIntervalDuration returns the reaper interval as a time.Duration.
func (c *ContainerConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// MaxIdleTimeDuration returns the idle threshold as a time.Duration.
func (c *ContainerConfig) MaxIdleTimeDuration() time.Duration {
	return time.Duration(c.MaxIdleTime) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("IPYBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming endpoints must not time out
	v.SetDefault("server.corsOrigins", "*")

	// Auth defaults - empty means authentication disabled
	v.SetDefault("auth.apiKey", "")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	// Container defaults
	v.SetDefault("container.defaultTag", "ghcr.io/gradion-ai/ipybox")
	v.SetDefault("container.cleanupInterval", 300)
	v.SetDefault("container.maxIdleTime", 3600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix IPYBOX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/ipybox/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("IPYBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the published flat env names. AutomaticEnv does
	// not map camelCase config keys, and the flat names predate the
	// structured layout.
	_ = v.BindEnv("server.host", "IPYBOX_HOST", "IPYBOX_SERVER_HOST")
	_ = v.BindEnv("server.port", "IPYBOX_PORT", "IPYBOX_SERVER_PORT")
	_ = v.BindEnv("server.corsOrigins", "IPYBOX_CORS_ORIGINS")
	_ = v.BindEnv("auth.apiKey", "IPYBOX_API_KEY")
	_ = v.BindEnv("container.defaultTag", "IPYBOX_DEFAULT_TAG")
	_ = v.BindEnv("container.cleanupInterval", "IPYBOX_CLEANUP_INTERVAL")
	_ = v.BindEnv("container.maxIdleTime", "IPYBOX_MAX_IDLE_TIME")
	_ = v.BindEnv("logging.level", "IPYBOX_LOG_LEVEL", "IPYBOX_LOGGING_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ipybox/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Container.DefaultTag == "" {
		errs = append(errs, "container.defaultTag must not be empty")
	}
	if cfg.Container.CleanupInterval <= 0 {
		errs = append(errs, "container.cleanupInterval must be positive")
	}
	if cfg.Container.MaxIdleTime <= 0 {
		errs = append(errs, "container.maxIdleTime must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
