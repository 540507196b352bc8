package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validProviders = []string{"anthropic", "openai"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if errs := c.Problems(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateProviders requires at least one usable provider profile. Commands that
// never call a model skip it.
func (c *Config) ValidateProviders() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no provider configured: add a profile under \"providers\"")
	}
	return nil
}

// Problems returns every invalid setting.
func (c *Config) Problems() []error {
	var errs []error

	e := c.Engine
	if e.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_turns must be positive, got %d", e.MaxTurns))
	}
	if e.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_context_tokens must be positive, got %d", e.MaxContextTokens))
	}
	if e.TrimThreshold <= 0 || e.TrimThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.trim_threshold must be in (0, 1], got %v", e.TrimThreshold))
	}
	if e.MaxRetries < 0 || e.ToolMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine retry budgets must be >= 0"))
	}
	if e.RetryBaseDelayMs < 0 || e.ToolRetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("engine retry delays must be >= 0"))
	}
	if e.ToolConcurrency < 1 {
		errs = append(errs, fmt.Errorf("engine.tool_concurrency must be >= 1, got %d", e.ToolConcurrency))
	}

	if c.Model.Name == "" {
		errs = append(errs, fmt.Errorf("model.name is required"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("model.max_tokens must be positive, got %d", c.Model.MaxTokens))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		errs = append(errs, fmt.Errorf("model.temperature must be between 0 and 1, got %v", c.Model.Temperature))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("provider %d: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %s: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if !contains(validProviders, p.Provider) {
			errs = append(errs, fmt.Errorf("provider %s: invalid provider %q (must be one of: %s)",
				p.ID, p.Provider, strings.Join(validProviders, ", ")))
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("provider %s: api_key is required", p.ID))
		}
	}

	for _, s := range c.Hooks.Scripts {
		if strings.TrimSpace(s.Event) == "" || strings.TrimSpace(s.Script) == "" {
			errs = append(errs, fmt.Errorf("hook script %q: event and script are required", s.ID))
		}
	}

	if c.Progress.Enabled && c.Progress.SharedSecret == "" {
		errs = append(errs, fmt.Errorf("progress.shared_secret is required when the progress server is enabled"))
	}

	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
		if c.Retention.MaxAgeDays <= 0 {
			errs = append(errs, fmt.Errorf("retention.max_age_days must be positive"))
		}
	}

	if !contains(validLogLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", ")))
	}

	return errs
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
