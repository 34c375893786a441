// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	DB      DBConfig      `mapstructure:"db"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Preview PreviewConfig `mapstructure:"preview"`
	Launch  LaunchConfig  `mapstructure:"launch"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig selects the catalog backend. With Enabled false the in-memory
// store is used.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ScanConfig governs filesystem discovery.
type ScanConfig struct {
	RootDir      string   `mapstructure:"root_dir"`
	ExcludeGlobs []string `mapstructure:"exclude_globs"`
	QueueDepth   int      `mapstructure:"queue_depth"`
	DefaultPort  int      `mapstructure:"default_port"`
}

// PreviewConfig governs headless screenshot capture.
type PreviewConfig struct {
	Dir               string `mapstructure:"dir"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	SettleSeconds     int    `mapstructure:"settle_seconds"`
	RenderSeconds     int    `mapstructure:"render_seconds"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	Width             int    `mapstructure:"width"`
	Height            int    `mapstructure:"height"`
}

// LaunchConfig governs foreground app launching.
type LaunchConfig struct {
	PythonBin        string `mapstructure:"python_bin"`
	ScratchDir       string `mapstructure:"scratch_dir"`
	SettleSeconds    int    `mapstructure:"settle_seconds"`
	StopGraceSeconds int    `mapstructure:"stop_grace_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPSHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.table", "catalog_entries")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("scan.root_dir", "")
	v.SetDefault("scan.exclude_globs", []string{
		"**/node_modules/**",
		"**/.venv/**",
		"**/venv/**",
		"**/site-packages/**",
		"**/__pycache__/**",
		"**/.git/**",
	})
	v.SetDefault("scan.queue_depth", 64)
	v.SetDefault("scan.default_port", 5000)
	v.SetDefault("preview.dir", "previews")
	v.SetDefault("preview.queue_depth", 256)
	v.SetDefault("preview.settle_seconds", 8)
	v.SetDefault("preview.render_seconds", 3)
	v.SetDefault("preview.nav_timeout_seconds", 25)
	v.SetDefault("preview.width", 1280)
	v.SetDefault("preview.height", 800)
	v.SetDefault("launch.python_bin", "python3")
	v.SetDefault("launch.scratch_dir", "apps-debris")
	v.SetDefault("launch.settle_seconds", 8)
	v.SetDefault("launch.stop_grace_seconds", 5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.Scan.QueueDepth <= 0 {
		return fmt.Errorf("scan.queue_depth must be > 0")
	}
	if c.Scan.DefaultPort <= 0 || c.Scan.DefaultPort > 65535 {
		return fmt.Errorf("scan.default_port must be a valid port")
	}
	if c.Preview.QueueDepth <= 0 {
		return fmt.Errorf("preview.queue_depth must be > 0")
	}
	if c.Preview.Dir == "" {
		return fmt.Errorf("preview.dir must be set")
	}
	if c.Preview.Width <= 0 || c.Preview.Height <= 0 {
		return fmt.Errorf("preview.width and preview.height must be > 0")
	}
	if c.Launch.StopGraceSeconds <= 0 {
		return fmt.Errorf("launch.stop_grace_seconds must be > 0")
	}
	return nil
}

// SettleDelay is how long a launched app gets to bind its port.
func (c LaunchConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// StopGrace is the SIGTERM-to-SIGKILL window.
func (c LaunchConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// SettleDelay is how long a preview target gets to bind its port.
func (c PreviewConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// RenderDelay is how long the page gets to paint before the screenshot.
func (c PreviewConfig) RenderDelay() time.Duration {
	return time.Duration(c.RenderSeconds) * time.Second
}

// NavTimeout bounds one navigation inside the headless browser.
func (c PreviewConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}
