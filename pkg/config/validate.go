package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var validVisibility = map[string]bool{
	"public":    true,
	"home":      true,
	"followers": true,
	"specified": true,
}

// Validate checks values that would otherwise fail at runtime. Missing
// credentials are not checked here; see RequireCredentials.
func (c *Config) Validate() error {
	var errs []error

	ap := c.Bot.AutoPost
	if ap.IntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("bot.auto_post.interval_minutes must be positive, got %d", ap.IntervalMinutes))
	}
	if ap.MaxPostsPerDay < 0 {
		errs = append(errs, fmt.Errorf("bot.auto_post.max_posts_per_day must not be negative, got %d", ap.MaxPostsPerDay))
	}
	if ap.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("bot.auto_post.initial_delay must not be negative"))
	}
	if ap.Enabled && strings.TrimSpace(ap.Prompt) == "" {
		errs = append(errs, errors.New("bot.auto_post.prompt is required when auto_post is enabled"))
	}
	if !validVisibility[ap.Visibility] {
		errs = append(errs, fmt.Errorf("bot.auto_post.visibility %q is not one of public, home, followers, specified", ap.Visibility))
	}
	if !validVisibility[c.Bot.Response.Visibility] {
		errs = append(errs, fmt.Errorf("bot.response.visibility %q is not one of public, home, followers, specified", c.Bot.Response.Visibility))
	}
	if c.Bot.Response.PollingInterval < 0 {
		errs = append(errs, errors.New("bot.response.polling_interval must not be negative"))
	}
	if c.Bot.Response.ChatHistoryLimit < 0 || c.Bot.Response.ChatHistoryLimit > 100 {
		errs = append(errs, fmt.Errorf("bot.response.chat_history_limit must be in [0,100], got %d", c.Bot.Response.ChatHistoryLimit))
	}
	if _, err := time.LoadLocation(ap.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("bot.auto_post.timezone: %w", err))
	}
	if c.Bot.Workers <= 0 {
		errs = append(errs, fmt.Errorf("bot.workers must be positive, got %d", c.Bot.Workers))
	}

	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("api.max_retries must not be negative, got %d", c.API.MaxRetries))
	}
	if c.API.Backoff != "exponential" && c.API.Backoff != "fixed" {
		errs = append(errs, fmt.Errorf("api.backoff must be exponential or fixed, got %q", c.API.Backoff))
	}
	if c.API.Jitter < 0 || c.API.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("api.jitter must be in [0,1), got %v", c.API.Jitter))
	}

	switch c.Provider.Type {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("provider.type must be openai or anthropic, got %q", c.Provider.Type))
	}

	if c.Persistence.DBPath == "" {
		errs = append(errs, errors.New("persistence.db_path is required"))
	}
	if c.Persistence.CleanupDays < 1 {
		errs = append(errs, fmt.Errorf("persistence.cleanup_days must be at least 1, got %d", c.Persistence.CleanupDays))
	}
	gron := gronx.New()
	for key, expr := range map[string]string{
		"persistence.cleanup_cron": c.Persistence.CleanupCron,
		"persistence.vacuum_cron":  c.Persistence.VacuumCron,
	} {
		if expr != "" && !gron.IsValid(expr) {
			errs = append(errs, fmt.Errorf("%s: invalid cron expression %q", key, expr))
		}
	}

	for name, section := range c.Plugins {
		if v, ok := section["enabled"]; ok {
			if _, isBool := v.(bool); !isBool {
				errs = append(errs, fmt.Errorf("plugins.%s.enabled must be a boolean", name))
			}
		}
		if v, ok := section["priority"]; ok {
			if _, isInt := toInt(v); !isInt {
				errs = append(errs, fmt.Errorf("plugins.%s.priority must be an integer", name))
			}
		}
	}

	return errors.Join(errs...)
}

// RequireCredentials checks what the networked bot needs to start.
func (c *Config) RequireCredentials() error {
	var errs []error
	if c.Misskey.InstanceURL == "" {
		errs = append(errs, errors.New("misskey.instance_url is required"))
	} else if u, err := url.Parse(c.Misskey.InstanceURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("misskey.instance_url %q is not an absolute URL", c.Misskey.InstanceURL))
	}
	if c.Misskey.AccessToken == "" {
		errs = append(errs, errors.New("misskey.access_token is required"))
	}
	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required"))
	}
	return errors.Join(errs...)
}
