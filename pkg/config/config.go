package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// UserID is the account this device syncs for. Conversation
	// membership and self/peer decisions all derive from it.
	UserID string `yaml:"user_id"`

	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Profile  ProfileConfig  `yaml:"profile"`
	Media    MediaConfig    `yaml:"media"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DatabaseConfig struct {
	// Path to the SQLite cache file. Created on first run.
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	// URL of the NATS server backing the shared message store.
	URL string `yaml:"url"`

	// Bucket is the JetStream KV bucket holding conversation state.
	Bucket string `yaml:"bucket"`

	// PushSubject receives notification payloads for delivery to the
	// platform push service. Empty disables push publishing.
	PushSubject string `yaml:"push_subject"`
}

type ProfileConfig struct {
	// URI of the MongoDB deployment holding user profiles. Empty
	// disables profile resolution; senders show as placeholders.
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type MediaConfig struct {
	// Bucket is the cloud storage bucket for attachments. Empty
	// disables attachment sending.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object name.
	Prefix string `yaml:"prefix"`
}

type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `yaml:"level"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.Remote.Bucket == "" {
		return fmt.Errorf("remote.bucket is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// WriteExample writes the embedded example config to path, refusing to
// overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}
