package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cointap.yml.
type Config struct {
	Mining struct {
		DefaultRate  float64  `yaml:"default_rate" json:"default_rate"`
		PersistGate  bool     `yaml:"persist_gate" json:"persist_gate"`
		TickInterval Duration `yaml:"tick_interval" json:"tick_interval"`
	} `yaml:"mining" json:"mining"`
	OTP struct {
		TTL           Duration `yaml:"ttl" json:"ttl"`
		Backend       string   `yaml:"backend" json:"backend"`
		SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
	} `yaml:"otp" json:"otp"`
	Auth struct {
		TokenTTL Duration `yaml:"token_ttl" json:"token_ttl"`
		Issuer   string   `yaml:"issuer" json:"issuer"`
	} `yaml:"auth" json:"auth"`
	Redis struct {
		Addr     string `yaml:"addr" json:"addr"`
		Password string `yaml:"password" json:"-"`
		DB       int    `yaml:"db" json:"db"`
		Prefix   string `yaml:"prefix" json:"prefix"`
	} `yaml:"redis" json:"redis"`
	SMTP struct {
		Host     string `yaml:"host" json:"host"`
		Port     int    `yaml:"port" json:"port"`
		Username string `yaml:"username" json:"username"`
		Password string `yaml:"password" json:"-"`
		From     string `yaml:"from" json:"from"`
	} `yaml:"smtp" json:"smtp"`
	Server struct {
		CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
	} `yaml:"server" json:"server"`
	Webhooks []Webhook `yaml:"webhooks" json:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// IsEnabled treats an unset enabled flag as true.
func (w Webhook) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// Duration is a time.Duration written as "10m" in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return []byte(`"` + d.String() + `"`), nil }

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cointap config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Mining.DefaultRate <= 0 {
		return fmt.Errorf("config.mining.default_rate must be positive")
	}
	if c.Mining.TickInterval.Std() <= 0 {
		return fmt.Errorf("config.mining.tick_interval must be positive")
	}
	if c.OTP.TTL.Std() <= 0 {
		return fmt.Errorf("config.otp.ttl must be positive")
	}
	switch c.OTP.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config.redis.addr is required when otp.backend is redis")
		}
	default:
		return fmt.Errorf("config.otp.backend must be one of sqlite, memory, redis")
	}
	if c.Auth.TokenTTL.Std() <= 0 {
		return fmt.Errorf("config.auth.token_ttl must be positive")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("config.smtp.from is required when smtp.host is set")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, e := range w.Events {
			if e == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cointap.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from data
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `mining:
  default_rate: 5
  persist_gate: false
  tick_interval: 1s

otp:
  ttl: 10m
  backend: sqlite
  sweep_interval: 1m

auth:
  token_ttl: 720h
  issuer: cointap

redis:
  addr: ""
  db: 0
  prefix: "cointap:"

smtp:
  host: ""
  port: 587
  username: ""
  password: ""
  from: ""

server:
  cors_origins: ["*"]

webhooks: []
`
