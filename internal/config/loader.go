package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	dirName  = ".keel"
	fileName = "keel.json"
)

// Loader handles configuration loading.
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path means ~/.keel/keel.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file over the defaults. A missing file yields defaults.
// KEEL_* environment variables override file values (KEEL_ENGINE_MAX_TURNS, ...).
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the resolved config file path.
func (l *Loader) Path() string {
	p, _ := l.path()
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, dirName, fileName), nil
}

// applyPaths fills in every path left empty relative to DataDir.
func (c *Config) applyPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, dirName)
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = filepath.Join(c.DataDir, "keel.db")
	}
	if c.Hooks.ConfigPath == "" {
		c.Hooks.ConfigPath = filepath.Join(c.DataDir, "hooks.json")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "keel.log")
	}
	if len(c.Skills.Dirs) == 0 {
		c.Skills.Dirs = []string{filepath.Join(c.DataDir, "skills")}
	}
	return nil
}

// bindEnvKeys makes nested keys visible to AutomaticEnv during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"engine.agent_id", "engine.max_turns", "engine.max_context_tokens", "engine.max_retries",
		"engine.retry_base_delay_ms", "engine.tool_max_retries", "engine.streaming",
		"model.name", "model.max_tokens",
		"store.db_path",
		"sandbox.enabled",
		"progress.enabled", "progress.addr", "progress.shared_secret",
		"logging.level",
	} {
		_ = v.BindEnv(key)
	}
}

// Load is a convenience function that creates a loader and loads the config.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
