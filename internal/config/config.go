// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	Capture() CaptureConfig
	Classifier() ClassifierConfig
	Reference() ReferenceConfig
	Database() DatabaseConfig

	// Capture Setters
	SetCaptureTimeout(d time.Duration)
	SetCaptureLeaseMode(mode LeaseMode)

	// Server Setters
	SetServerAddress(addr string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	ServerCfg     ServerConfig     `mapstructure:"server" yaml:"server"`
	CaptureCfg    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	ClassifierCfg ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	ReferenceCfg  ReferenceConfig  `mapstructure:"reference" yaml:"reference"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Server() ServerConfig         { return c.ServerCfg }
func (c *Config) Capture() CaptureConfig       { return c.CaptureCfg }
func (c *Config) Classifier() ClassifierConfig { return c.ClassifierCfg }
func (c *Config) Reference() ReferenceConfig   { return c.ReferenceCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetCaptureTimeout(d time.Duration)  { c.CaptureCfg.Timeout = d }
func (c *Config) SetCaptureLeaseMode(mode LeaseMode) { c.CaptureCfg.LeaseMode = mode }
func (c *Config) SetServerAddress(addr string)       { c.ServerCfg.Address = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address          string        `mapstructure:"address" yaml:"address"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CaptureRateLimit float64       `mapstructure:"capture_rate_limit" yaml:"capture_rate_limit"`
	CaptureBurst     int           `mapstructure:"capture_burst" yaml:"capture_burst"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	ServeCaptures    bool          `mapstructure:"serve_captures" yaml:"serve_captures"`
}

// LeaseMode selects how concurrent capture requests are handled while the
// capture agent is busy.
type LeaseMode string

const (
	// LeaseQueue makes callers wait (up to LeaseWait) for the agent.
	LeaseQueue LeaseMode = "queue"
	// LeaseReject fails concurrent callers immediately.
	LeaseReject LeaseMode = "reject"
)

// CaptureConfig describes how the external capture agent is launched.
type CaptureConfig struct {
	Command     string        `mapstructure:"command" yaml:"command"`
	Args        []string      `mapstructure:"args" yaml:"args"`
	WorkingDir  string        `mapstructure:"working_dir" yaml:"working_dir"`
	Env         []string      `mapstructure:"env" yaml:"env"`
	ImageSuffix string        `mapstructure:"image_suffix" yaml:"image_suffix"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LeaseMode   LeaseMode     `mapstructure:"lease_mode" yaml:"lease_mode"`
	LeaseWait   time.Duration `mapstructure:"lease_wait" yaml:"lease_wait"`
	UniqueNames bool          `mapstructure:"unique_names" yaml:"unique_names"`
}

// ClassifierMode selects the request encoding used against the classification service.
type ClassifierMode string

const (
	ModeJSON      ClassifierMode = "json"
	ModeMultipart ClassifierMode = "multipart"
)

// ClassifierConfig configures the remote image classification service.
type ClassifierConfig struct {
	Endpoint         string         `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey           string         `mapstructure:"api_key" yaml:"-"`
	Timeout          time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Mode             ClassifierMode `mapstructure:"mode" yaml:"mode"`
	MaxResponseBytes int64          `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
}

// ReferenceStrategy names how a discovered artifact is turned into a classifier reference.
type ReferenceStrategy string

const (
	// StrategyFile references the artifact as a file:// URI (agent and classifier share a host).
	StrategyFile ReferenceStrategy = "file"
	// StrategyServed references the artifact through the static capture endpoint.
	StrategyServed ReferenceStrategy = "served"
)

// ReferenceConfig configures the artifact reference strategy.
type ReferenceConfig struct {
	Strategy ReferenceStrategy `mapstructure:"strategy" yaml:"strategy"`
	BaseURL  string            `mapstructure:"base_url" yaml:"base_url"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "plantscan")
	v.SetDefault("logger.log_file", "plantscan.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.capture_rate_limit", 1.0)
	v.SetDefault("server.capture_burst", 2)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.serve_captures", true)

	// -- Capture --
	v.SetDefault("capture.command", "python")
	v.SetDefault("capture.args", []string{"camera_capture.py"})
	v.SetDefault("capture.working_dir", "src/services")
	v.SetDefault("capture.env", []string{})
	v.SetDefault("capture.image_suffix", ".jpg")
	v.SetDefault("capture.timeout", "60s")
	v.SetDefault("capture.lease_mode", string(LeaseQueue))
	v.SetDefault("capture.lease_wait", "30s")
	v.SetDefault("capture.unique_names", false)

	// -- Classifier --
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.api_key", "") // Should be set via env var
	v.SetDefault("classifier.timeout", "30s")
	v.SetDefault("classifier.mode", string(ModeJSON))
	v.SetDefault("classifier.max_response_bytes", 1<<20)

	// -- Reference --
	v.SetDefault("reference.strategy", string(StrategyFile))
	v.SetDefault("reference.base_url", "http://localhost:8080/captures")

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("classifier.api_key", "PLANTSCAN_CLASSIFIER_API_KEY")
	_ = v.BindEnv("database.url", "PLANTSCAN_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.CaptureCfg.WorkingDir != "" {
		dir, err := homedir.Expand(cfg.CaptureCfg.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand capture.working_dir: %w", err)
		}
		cfg.CaptureCfg.WorkingDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.CaptureCfg.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	if err := c.ClassifierCfg.Validate(); err != nil {
		return fmt.Errorf("classifier configuration invalid: %w", err)
	}
	if err := c.ReferenceCfg.Validate(); err != nil {
		return fmt.Errorf("reference configuration invalid: %w", err)
	}
	if err := c.ServerCfg.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the capture agent configuration.
func (c *CaptureConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.ImageSuffix == "" {
		return fmt.Errorf("image_suffix is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	switch c.LeaseMode {
	case LeaseQueue:
		if c.LeaseWait <= 0 {
			return fmt.Errorf("lease_wait must be a positive duration in queue mode")
		}
	case LeaseReject:
	default:
		return fmt.Errorf("lease_mode must be one of [%s, %s], got '%s'", LeaseQueue, LeaseReject, c.LeaseMode)
	}
	return nil
}

// Validate checks the classifier configuration.
func (c *ClassifierConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute http(s) URL, got '%s'", c.Endpoint)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if c.Mode != ModeJSON && c.Mode != ModeMultipart {
		return fmt.Errorf("mode must be one of [%s, %s], got '%s'", ModeJSON, ModeMultipart, c.Mode)
	}
	return nil
}

// Validate checks the reference strategy configuration.
func (r *ReferenceConfig) Validate() error {
	switch r.Strategy {
	case StrategyFile:
		return nil
	case StrategyServed:
		u, err := url.Parse(r.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute URL for the served strategy, got '%s'", r.BaseURL)
		}
		return nil
	default:
		return fmt.Errorf("strategy must be one of [%s, %s], got '%s'", StrategyFile, StrategyServed, r.Strategy)
	}
}

// Validate checks the HTTP server configuration.
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if s.CaptureRateLimit < 0 {
		return fmt.Errorf("capture_rate_limit must not be negative")
	}
	if s.CaptureRateLimit > 0 && s.CaptureBurst <= 0 {
		return fmt.Errorf("capture_burst must be a positive integer when rate limiting is enabled")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be a positive integer")
	}
	return nil
}
