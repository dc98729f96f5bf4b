// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Element() ElementConfig

	// Browser Setters
	SetBrowserRemoteURL(url string)
	SetBrowserNavigationTimeout(d time.Duration)

	// Element Setters
	SetElementTimeout(d time.Duration)
	SetElementPollInterval(d time.Duration)
}

// Config holds the entire application configuration.
// It uses private fields to enforce access through the Interface's getter methods.
type Config struct {
	logger  LoggerConfig
	browser BrowserConfig
	element ElementConfig
}

// fileConfig mirrors Config with exported fields so viper can decode into it.
type fileConfig struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Element ElementConfig `mapstructure:"element" yaml:"element"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.logger }
func (c *Config) Browser() BrowserConfig { return c.browser }
func (c *Config) Element() ElementConfig { return c.element }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserRemoteURL(url string) { c.browser.RemoteURL = url }
func (c *Config) SetBrowserNavigationTimeout(d time.Duration) {
	c.browser.NavigationTimeout = d
}

// Element Setters
func (c *Config) SetElementTimeout(d time.Duration)      { c.element.Timeout = d }
func (c *Config) SetElementPollInterval(d time.Duration) { c.element.PollInterval = d }

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

// BrowserConfig says how to reach the browser. tether attaches to a running
// browser and never starts one itself.
type BrowserConfig struct {
	// RemoteURL is the DevTools websocket (ws://host:9222/devtools/browser/...)
	// or the http://host:9222 endpoint it can be discovered from.
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// ElementConfig holds the defaults applied to element handles.
type ElementConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HighlightDuration time.Duration `mapstructure:"highlight_duration" yaml:"highlight_duration"`
	HighlightColor    string        `mapstructure:"highlight_color" yaml:"highlight_color"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "tether")
	v.SetDefault("logger.log_file", "")
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

	// -- Browser --
	v.SetDefault("browser.remote_url", "http://127.0.0.1:9222")
	v.SetDefault("browser.navigation_timeout", "30s")

	// -- Element --
	v.SetDefault("element.timeout", "10s")
	v.SetDefault("element.poll_interval", "1s")
	v.SetDefault("element.highlight_duration", "2s")
	v.SetDefault("element.highlight_color", "red")
}

func decode(v *viper.Viper) (*Config, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &Config{logger: fc.Logger, browser: fc.Browser, element: fc.Element}, nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// The remote URL is commonly injected by CI next to a browser container.
	_ = v.BindEnv("browser.remote_url", "TETHER_BROWSER_REMOTE_URL", "TETHER_CDP_URL")

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be \"console\" or \"json\", got %q", c.logger.Format)
	}
	if c.browser.RemoteURL == "" {
		return fmt.Errorf("browser.remote_url is a required configuration field")
	}
	if c.browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if err := c.element.Validate(); err != nil {
		return fmt.Errorf("element configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the ElementConfig settings. A zero timeout is allowed and
// means a single attempt.
func (e *ElementConfig) Validate() error {
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if e.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if e.HighlightDuration < 0 {
		return fmt.Errorf("highlight_duration must not be negative")
	}
	return nil
}
