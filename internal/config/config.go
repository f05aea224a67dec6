package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "observatorio.yml"

// Authentication protocols spoken by the identity API.
const (
	ProtocolPassword  = "password"
	ProtocolEmailCode = "email-code"
)

// Config models observatorio.yml.
type Config struct {
	API struct {
		BaseURL   string        `yaml:"base_url"`
		Timeout   time.Duration `yaml:"timeout"`
		CookieJar bool          `yaml:"cookie_jar"`
	} `yaml:"api"`
	Auth struct {
		Protocol string `yaml:"protocol"`
	} `yaml:"auth"`
	Session struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"session"`
	TV struct {
		Interval time.Duration `yaml:"interval"`
		PerSlide int           `yaml:"per_slide"`
	} `yaml:"tv"`
	Views struct {
		TruncateAt int `yaml:"truncate_at"`
	} `yaml:"views"`
	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures the local development backend.
type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	BasePath  string          `yaml:"base_path"`
	TokenTTL  time.Duration   `yaml:"token_ttl"`
	CodeTTL   time.Duration   `yaml:"code_ttl"`
	Squads    []string        `yaml:"squads"`
	Customers []string        `yaml:"customers"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an endpoint notified of backend events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.api.base_url must be an absolute URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("config.api.timeout must not be negative")
	}
	switch c.Auth.Protocol {
	case ProtocolPassword, ProtocolEmailCode:
	default:
		return fmt.Errorf("config.auth.protocol must be %q or %q", ProtocolPassword, ProtocolEmailCode)
	}
	if c.TV.Interval <= 0 {
		return fmt.Errorf("config.tv.interval must be positive")
	}
	if c.TV.PerSlide <= 0 {
		return fmt.Errorf("config.tv.per_slide must be positive")
	}
	if c.Views.TruncateAt <= 0 {
		return fmt.Errorf("config.views.truncate_at must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Server.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.server.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.server.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with obs config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the defaults when the config file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
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

const defaultTemplate = `api:
  base_url: https://localhost:7000/api
  timeout: 30s
  cookie_jar: true

auth:
  protocol: password

session:
  workspace: .

tv:
  interval: 15s
  per_slide: 3

views:
  truncate_at: 150

server:
  addr: 127.0.0.1:7000
  base_path: /api
  token_ttl: 8h
  code_ttl: 10m
  squads: [Plataforma, Dados, Infraestrutura, Seguranca]
  customers: [Comercial, Financeiro, Operacoes]
`
