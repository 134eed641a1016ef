package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level hitld configuration.
type Config struct {
	API       APIConfig       `json:"api" yaml:"api"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Webhooks  []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BrokerConfig holds request lifecycle defaults. All values are seconds.
type BrokerConfig struct {
	DefaultTimeout     int `json:"default_timeout" yaml:"default_timeout"`
	DefaultPollTimeout int `json:"default_poll_timeout" yaml:"default_poll_timeout"`
	MaxPollTimeout     int `json:"max_poll_timeout" yaml:"max_poll_timeout"`
}

func (c BrokerConfig) RequestTimeout() time.Duration { return seconds(c.DefaultTimeout) }
func (c BrokerConfig) PollTimeout() time.Duration    { return seconds(c.DefaultPollTimeout) }
func (c BrokerConfig) MaxPoll() time.Duration        { return seconds(c.MaxPollTimeout) }

// StoreConfig selects the request store backend.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory" (default) or "sqlite"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// RetentionConfig controls the sweep of terminal requests.
type RetentionConfig struct {
	Keep     int    `json:"keep" yaml:"keep"` // seconds after resolution
	Schedule string `json:"schedule" yaml:"schedule"`
}

func (c RetentionConfig) KeepFor() time.Duration { return seconds(c.Keep) }

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Buffer int    `json:"buffer" yaml:"buffer"` // entries kept for /api/logs
}

// WebhookConfig is an endpoint that receives lifecycle events.
type WebhookConfig struct {
	Name        string `json:"name" yaml:"name"`
	URL         string `json:"url" yaml:"url"`
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	SessionID   string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		API: APIConfig{Host: "0.0.0.0", Port: 3000},
		Broker: BrokerConfig{
			DefaultTimeout:     300,
			DefaultPollTimeout: 60,
			MaxPollTimeout:     600,
		},
		Store:     StoreConfig{Driver: "memory"},
		Retention: RetentionConfig{Keep: 3600, Schedule: "@every 1m"},
		Log:       LogConfig{Level: "info", Buffer: 1000},
	}
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
// Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds the config from environment variables with the HITL_
// prefix, falling back to defaults.
func LoadFromEnv() (*Config, error) {
	d := Default()
	cfg := &Config{
		API: APIConfig{
			Host: getenv("HITL_HOST", d.API.Host),
			Port: getenvInt("HITL_PORT", d.API.Port),
		},
		Broker: BrokerConfig{
			DefaultTimeout:     getenvInt("HITL_DEFAULT_TIMEOUT", d.Broker.DefaultTimeout),
			DefaultPollTimeout: getenvInt("HITL_DEFAULT_POLL_TIMEOUT", d.Broker.DefaultPollTimeout),
			MaxPollTimeout:     getenvInt("HITL_MAX_POLL_TIMEOUT", d.Broker.MaxPollTimeout),
		},
		Store: StoreConfig{
			Driver: getenv("HITL_STORE", d.Store.Driver),
			Path:   os.Getenv("HITL_DB_PATH"),
		},
		Retention: RetentionConfig{
			Keep:     getenvInt("HITL_RETENTION", d.Retention.Keep),
			Schedule: getenv("HITL_SWEEP_SCHEDULE", d.Retention.Schedule),
		},
		Log: LogConfig{
			Level:  getenv("HITL_LOG_LEVEL", d.Log.Level),
			Buffer: getenvInt("HITL_LOG_BUFFER", d.Log.Buffer),
		},
	}
	if u := os.Getenv("HITL_WEBHOOK_URL"); u != "" {
		cfg.Webhooks = []WebhookConfig{{
			Name:   "default",
			URL:    u,
			Secret: os.Getenv("HITL_WEBHOOK_SECRET"),
		}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if c.Broker.DefaultTimeout <= 0 {
		errs = append(errs, "broker.default_timeout must be positive")
	}
	if c.Broker.DefaultPollTimeout <= 0 {
		errs = append(errs, "broker.default_poll_timeout must be positive")
	}
	if c.Broker.MaxPollTimeout < c.Broker.DefaultPollTimeout {
		errs = append(errs, "broker.max_poll_timeout must be at least broker.default_poll_timeout")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite", c.Store.Driver))
	}

	if c.Retention.Keep < 0 {
		errs = append(errs, "retention.keep must not be negative")
	}
	if c.Retention.Keep > 0 && c.Retention.Schedule == "" {
		errs = append(errs, "retention.schedule is required when retention.keep is set")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Buffer <= 0 {
		errs = append(errs, "log.buffer must be positive")
	}

	names := make(map[string]bool)
	for i, wh := range c.Webhooks {
		if wh.Name == "" {
			errs = append(errs, fmt.Sprintf("webhooks[%d].name is required", i))
		} else if names[wh.Name] {
			errs = append(errs, fmt.Sprintf("webhooks[%d].name %q is duplicated", i, wh.Name))
		}
		names[wh.Name] = true
		if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("webhooks[%d].url %q must be an absolute http(s) URL", i, wh.URL))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
