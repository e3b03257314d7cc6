// Package config loads the csvscope configuration from an optional YAML file
// and CSVSCOPE_* environment variables.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Window  WindowConfig  `mapstructure:"window" yaml:"window"`
	Input   InputConfig   `mapstructure:"input" yaml:"input"`
	Chart   ChartConfig   `mapstructure:"chart" yaml:"chart"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	OpenBrowser bool   `mapstructure:"open_browser" yaml:"open_browser"`
}

// WindowConfig holds the initial window and playback settings
type WindowConfig struct {
	Size         int           `mapstructure:"size" yaml:"size"`
	Start        int           `mapstructure:"start" yaml:"start"`
	StepInterval time.Duration `mapstructure:"step_interval" yaml:"step_interval"`
	StepSize     int           `mapstructure:"step_size" yaml:"step_size"`
	Play         bool          `mapstructure:"play" yaml:"play"`
}

// InputConfig holds the series to load at startup
type InputConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ChartConfig holds rendering options for the PNG sink
type ChartConfig struct {
	Title  string `mapstructure:"title" yaml:"title"`
	XLabel string `mapstructure:"x_label" yaml:"x_label"`
	YLabel string `mapstructure:"y_label" yaml:"y_label"`
	Width  int    `mapstructure:"width" yaml:"width"`
	Height int    `mapstructure:"height" yaml:"height"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from file and environment variables. An empty path
// skips the file and uses defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. CSVSCOPE_WINDOW_SIZE
	v.SetEnvPrefix("CSVSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", "127.0.0.1:5274")
	v.SetDefault("server.open_browser", false)

	// Window defaults
	v.SetDefault("window.size", 50)
	v.SetDefault("window.start", 0)
	v.SetDefault("window.step_interval", "500ms")
	v.SetDefault("window.step_size", 10)
	v.SetDefault("window.play", false)

	// Input defaults
	v.SetDefault("input.path", "")
	v.SetDefault("input.format", "comma")

	// Chart defaults
	v.SetDefault("chart.title", "")
	v.SetDefault("chart.x_label", "x")
	v.SetDefault("chart.y_label", "y")
	v.SetDefault("chart.width", 1024)
	v.SetDefault("chart.height", 400)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	// Validate Window config
	if c.Window.Size < 1 {
		return fmt.Errorf("window.size must be at least 1")
	}
	if c.Window.StepInterval <= 0 {
		return fmt.Errorf("window.step_interval must be positive")
	}
	if c.Window.StepSize == 0 {
		return fmt.Errorf("window.step_size must not be zero")
	}

	// Validate Input config
	validFormats := map[string]bool{"comma": true, "relaxed": true, "csv": true}
	if !validFormats[c.Input.Format] {
		return fmt.Errorf("input.format must be one of: comma, relaxed, csv")
	}

	// Validate Chart config
	if c.Chart.Width < 100 || c.Chart.Height < 100 {
		return fmt.Errorf("chart.width and chart.height must be at least 100")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Dump writes the effective configuration as YAML
func (c *Config) Dump(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return encoder.Close()
}
