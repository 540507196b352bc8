package config

import (
	"encoding/json"
	"time"
)

// Config is the root keel configuration.
type Config struct {
	DataDir     string            `json:"data_dir" mapstructure:"data_dir"`
	Engine      EngineConfig      `json:"engine" mapstructure:"engine"`
	Model       ModelConfig       `json:"model" mapstructure:"model"`
	Providers   []ProviderProfile `json:"providers" mapstructure:"providers"`
	Store       StoreConfig       `json:"store" mapstructure:"store"`
	Sandbox     SandboxConfig     `json:"sandbox" mapstructure:"sandbox"`
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	Hooks       HooksConfig       `json:"hooks" mapstructure:"hooks"`
	Skills      SkillsConfig      `json:"skills" mapstructure:"skills"`
	Progress    ProgressConfig    `json:"progress" mapstructure:"progress"`
	Retention   RetentionConfig   `json:"retention" mapstructure:"retention"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

// EngineConfig tunes the turn loop and its retry executors.
type EngineConfig struct {
	AgentID              string  `json:"agent_id" mapstructure:"agent_id"`
	SystemPrompt         string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTurns             int     `json:"max_turns" mapstructure:"max_turns"`
	MaxContextTokens     int     `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	TrimThreshold        float64 `json:"trim_threshold" mapstructure:"trim_threshold"`
	MaxRetries           int     `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMs     int     `json:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	ToolMaxRetries       int     `json:"tool_max_retries" mapstructure:"tool_max_retries"`
	ToolRetryBaseDelayMs int     `json:"tool_retry_base_delay_ms" mapstructure:"tool_retry_base_delay_ms"`
	ToolConcurrency      int     `json:"tool_concurrency" mapstructure:"tool_concurrency"`
	ToolTimeoutSeconds   int     `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	Streaming            bool    `json:"streaming" mapstructure:"streaming"`
}

// RetryBaseDelay returns the model retry base delay.
func (e EngineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(e.RetryBaseDelayMs) * time.Millisecond
}

// ToolRetryBaseDelay returns the tool retry base delay.
func (e EngineConfig) ToolRetryBaseDelay() time.Duration {
	return time.Duration(e.ToolRetryBaseDelayMs) * time.Millisecond
}

// ToolTimeout returns the per-attempt tool timeout.
func (e EngineConfig) ToolTimeout() time.Duration {
	return time.Duration(e.ToolTimeoutSeconds) * time.Second
}

// ModelConfig selects the model and its sampling settings.
type ModelConfig struct {
	Name        string  `json:"name" mapstructure:"name"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
}

// ProviderProfile is one set of provider credentials. Lower priority is tried first.
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// SandboxConfig restricts file and network access of gated tools.
type SandboxConfig struct {
	Enabled           bool     `json:"enabled" mapstructure:"enabled"`
	AllowedWritePaths []string `json:"allowed_write_paths" mapstructure:"allowed_write_paths"`
	DeniedReadPaths   []string `json:"denied_read_paths" mapstructure:"denied_read_paths"`
	AllowedDomains    []string `json:"allowed_domains" mapstructure:"allowed_domains"`
	BlockedDomains    []string `json:"blocked_domains" mapstructure:"blocked_domains"`
}

// PermissionsConfig is the per-tool allow/deny list. A nil Allow permits every tool.
type PermissionsConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// HooksConfig wires declarative, script and telemetry hooks.
type HooksConfig struct {
	ConfigPath    string         `json:"config_path" mapstructure:"config_path"`
	Scripts       []ScriptConfig `json:"scripts" mapstructure:"scripts"`
	TelemetryPath string         `json:"telemetry_path" mapstructure:"telemetry_path"`
}

// ScriptConfig declares a shell hook.
type ScriptConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Matcher        string `json:"matcher" mapstructure:"matcher"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// SkillsConfig lists skill directories rescanned at every turn.
type SkillsConfig struct {
	Dirs  []string `json:"dirs" mapstructure:"dirs"`
	Watch bool     `json:"watch" mapstructure:"watch"`
}

// ProgressConfig controls the websocket progress server.
type ProgressConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Addr         string `json:"addr" mapstructure:"addr"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// RetentionConfig schedules pruning of audit rows.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Schedule   string `json:"schedule" mapstructure:"schedule"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			AgentID:              "keel",
			SystemPrompt:         "You are a careful autonomous agent. Use tools when they help and answer concisely.",
			MaxTurns:             50,
			MaxContextTokens:     128000,
			TrimThreshold:        0.8,
			MaxRetries:           3,
			RetryBaseDelayMs:     500,
			ToolMaxRetries:       1,
			ToolRetryBaseDelayMs: 200,
			ToolConcurrency:      4,
			ToolTimeoutSeconds:   60,
		},
		Model: ModelConfig{
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Providers: []ProviderProfile{},
		Retention: RetentionConfig{
			Schedule:   "0 3 * * *",
			MaxAgeDays: 30,
		},
		Progress: ProgressConfig{
			Addr: "127.0.0.1:7420",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   50,
			MaxAge:    7,
			Redaction: true,
			Pretty:    true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
