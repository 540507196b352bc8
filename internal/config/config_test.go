package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Load(t *testing.T) {
	t.Run("should return defaults when the file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "keel.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 50, cfg.Engine.MaxTurns)
		assert.Equal(t, 128000, cfg.Engine.MaxContextTokens)
		assert.Equal(t, 3, cfg.Engine.MaxRetries)
		assert.Equal(t, 500, cfg.Engine.RetryBaseDelayMs)
		assert.InDelta(t, 0.8, cfg.Engine.TrimThreshold, 1e-9)
		assert.NotEmpty(t, cfg.Store.DBPath)
	})

	t.Run("should overlay file values on defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.json")
		content := `{
			"data_dir": "` + dir + `",
			"engine": {"max_turns": 7},
			"providers": [{"id": "main", "provider": "anthropic", "api_key": "k", "priority": 1}],
			"sandbox": {"enabled": true, "blocked_domains": ["evil.com"]}
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Engine.MaxTurns)
		assert.Equal(t, 128000, cfg.Engine.MaxContextTokens)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "anthropic", cfg.Providers[0].Provider)
		assert.True(t, cfg.Sandbox.Enabled)
		assert.Equal(t, []string{"evil.com"}, cfg.Sandbox.BlockedDomains)
		assert.Equal(t, filepath.Join(dir, "keel.db"), cfg.Store.DBPath)
		assert.Equal(t, filepath.Join(dir, "hooks.json"), cfg.Hooks.ConfigPath)
	})

	t.Run("should let environment override the file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("KEEL_ENGINE_MAX_TURNS", "12")
		t.Setenv("KEEL_DATA_DIR", dir)

		cfg, err := NewLoader(filepath.Join(dir, "keel.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.Engine.MaxTurns)
		assert.Equal(t, dir, cfg.DataDir)
	})

	t.Run("should fail on malformed json", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keel.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoader_Save(t *testing.T) {
	t.Run("should round trip through the file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "keel.json")
		loader := NewLoader(path)

		cfg := DefaultConfig()
		cfg.DataDir = dir
		cfg.Engine.MaxTurns = 9
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 9, loaded.Engine.MaxTurns)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Providers = []ProviderProfile{{ID: "a", Provider: "anthropic", APIKey: "k"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with a provider", mutate: func(*Config) {}},
		{name: "zero max turns", mutate: func(c *Config) { c.Engine.MaxTurns = 0 }, wantErr: "max_turns"},
		{name: "threshold above one", mutate: func(c *Config) { c.Engine.TrimThreshold = 1.5 }, wantErr: "trim_threshold"},
		{name: "unknown provider", mutate: func(c *Config) { c.Providers[0].Provider = "gemini" }, wantErr: "invalid provider"},
		{name: "duplicate provider", mutate: func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }, wantErr: "duplicate"},
		{name: "progress without secret", mutate: func(c *Config) { c.Progress.Enabled = true }, wantErr: "shared_secret"},
		{name: "bad retention schedule", mutate: func(c *Config) {
			c.Retention.Enabled = true
			c.Retention.Schedule = "not a cron"
		}, wantErr: "retention.schedule"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "log level"},
	}

	for _, tt := range tests {
		t.Run("should validate "+tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("should require a provider for model commands", func(t *testing.T) {
		assert.Error(t, DefaultConfig().ValidateProviders())
	})
}
