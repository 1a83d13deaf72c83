package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowdesk.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowDevLogin    bool   `yaml:"allow_dev_login"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Attachments struct {
		Dir string `yaml:"dir"`
	} `yaml:"attachments"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook forwards activity log entries to an endpoint. Actions filters by
// action id; empty means every entry.
type Webhook struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Actions []string `yaml:"actions"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if _, err := url.ParseRequestURI(w.URL); err != nil {
			return fmt.Errorf("webhooks[%d].url invalid: %w", i, err)
		}
		for _, a := range w.Actions {
			if a == "" {
				return fmt.Errorf("webhooks[%d].actions contains an empty action id", i)
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
	return filepath.Join(workspace, "flowdesk.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = defaultAttachmentsDir(workspace)
	}
	return cfg, nil
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Server.Addr = ":8484"
	cfg.Auth.AllowActorHeader = true
	cfg.Attachments.Dir = defaultAttachmentsDir(workspace)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8484"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultAttachmentsDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".flowdesk", "attachments")
}
