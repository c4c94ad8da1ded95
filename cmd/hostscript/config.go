package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hostscript/internal/automation"
	"hostscript/internal/trigger"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Storage struct {
		Path     string `yaml:"path"`
		Debounce string `yaml:"debounce"`
	} `yaml:"storage"`
	CacheDir   string `yaml:"cache_dir"`
	CacheLimit int64  `yaml:"cache_limit"`
	HTTP       struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"http"`
	Triggers struct {
		Message         bool `yaml:"message"`
		Request         bool `yaml:"request"`
		Response        bool `yaml:"response"`
		IncludeOutgoing bool `yaml:"include_outgoing"`
	} `yaml:"triggers"`
	Identity struct {
		SelfWxID  string `yaml:"self_wxid"`
		SelfAlias string `yaml:"self_alias"`
	} `yaml:"identity"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	SeedDefaults bool `yaml:"seed_defaults"`
}

// defaultConfig returns the configuration used when no file exists.
func defaultConfig() *Config {
	var cfg Config
	cfg.Triggers.Message = true
	cfg.Triggers.Request = true
	cfg.Triggers.Response = true
	cfg.SeedDefaults = true
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "hostscript.db"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "storage.json"
	}
	if c.Storage.Debounce == "" {
		c.Storage.Debounce = "500ms"
	}
	if c.CacheDir == "" {
		c.CacheDir = "cache"
	}
	if c.CacheLimit == 0 {
		c.CacheLimit = 500 << 20
	}
	if c.HTTP.Timeout == "" {
		c.HTTP.Timeout = "10s"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "hostscript"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if _, err := c.debounce(); err != nil {
		return fmt.Errorf("storage.debounce: %w", err)
	}
	if _, err := c.httpTimeout(); err != nil {
		return fmt.Errorf("http.timeout: %w", err)
	}
	if c.CacheLimit < 0 {
		return fmt.Errorf("cache_limit must not be negative, got %d", c.CacheLimit)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) debounce() (time.Duration, error) {
	return positiveDuration(c.Storage.Debounce)
}

func (c *Config) httpTimeout() (time.Duration, error) {
	return positiveDuration(c.HTTP.Timeout)
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// engineConfig maps the file settings onto automation.Config. Call after validate.
func (c *Config) engineConfig() automation.Config {
	timeout, _ := c.httpTimeout()
	return automation.Config{
		CacheDir:    c.CacheDir,
		CacheLimit:  c.CacheLimit,
		HTTPTimeout: timeout,
		Identity: automation.Identity{
			WxID:  c.Identity.SelfWxID,
			Alias: c.Identity.SelfAlias,
		},
	}
}

func (c *Config) switches() trigger.Switches {
	return trigger.Switches{
		Message:         c.Triggers.Message,
		Request:         c.Triggers.Request,
		Response:        c.Triggers.Response,
		IncludeOutgoing: c.Triggers.IncludeOutgoing,
	}
}

// loadConfig reads path. A missing file yields defaultConfig.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// setup loads and validates the config and builds the logger.
func setup(opts *rootOptions, w io.Writer) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg, w)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
