package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "u_0000", cfg.UserID)
	assert.Equal(t, "nats://localhost:4222", cfg.Remote.URL)
	assert.Equal(t, "chatsync", cfg.Remote.Bucket)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestWriteExampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteExample(path))
	assert.Error(t, WriteExample(path))
}

func TestValidateRequiredFields(t *testing.T) {
	base := func() *Config {
		return &Config{
			UserID:   "u1",
			Database: DatabaseConfig{Path: "chat.db"},
			Remote:   RemoteConfig{URL: "nats://localhost:4222", Bucket: "chatsync"},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.UserID = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Remote.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Remote.Bucket = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateDefaultsLogLevel(t *testing.T) {
	cfg := &Config{
		UserID:   "u1",
		Database: DatabaseConfig{Path: "chat.db"},
		Remote:   RemoteConfig{URL: "nats://localhost:4222", Bucket: "chatsync"},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_id: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
