package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// AuthCacheConfig sizes the Auth Preload Cache.
type AuthCacheConfig struct {
	TTLMs   int64 `json:"ttlMs"`
	MaxSize int   `json:"maxSize"`
}

// CoalesceConfig sizes the Request Coalescer.
type CoalesceConfig struct {
	Enabled     bool  `json:"enabled"`
	WindowMs    int64 `json:"windowMs"`
	MaxMessages int   `json:"maxMessages"`
}

// SubagentsConfig sizes the Subagent Registry's archival policy.
type SubagentsConfig struct {
	ArchiveAfterMinutes int `json:"archiveAfterMinutes"`
}

// AgentDefaults groups the per-deployment defaults applied across agents.
type AgentDefaults struct {
	MaxConcurrentSessions int             `json:"maxConcurrentSessions"`
	AuthCache             AuthCacheConfig `json:"authCache"`
	Coalesce              CoalesceConfig  `json:"coalesce"`
	Subagents             SubagentsConfig `json:"subagents"`
}

// AgentsConfig is the top-level agents.* namespace.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// CronConfig sizes the cron lane.
type CronConfig struct {
	MaxConcurrentRuns int `json:"maxConcurrentRuns"`
}

// ProfileConfig describes one provider auth profile's resolution order and
// cooldown window.
type ProfileConfig struct {
	ID           string `json:"id"`
	Order        int    `json:"order"`
	CooldownMs   int64  `json:"cooldownMs"`
}

// ProviderConfig groups the profiles available for a single provider.
type ProviderConfig struct {
	Profiles []ProfileConfig `json:"profiles"`
}

// Config is the root configuration document, read at startup and
// reloadable via Watcher.
type Config struct {
	Agents    AgentsConfig              `json:"agents"`
	Cron      CronConfig                `json:"cron"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// DefaultConfig matches the documented defaults: 16 concurrent sessions, a
// 5-minute auth TTL with a 50-entry cache, coalescing on with a 1.5s
// window capped at 10 messages, subagents archived after an hour, and a
// single concurrent cron run.
func DefaultConfig() Config {
	return Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				MaxConcurrentSessions: 16,
				AuthCache: AuthCacheConfig{
					TTLMs:   300000,
					MaxSize: 50,
				},
				Coalesce: CoalesceConfig{
					Enabled:     true,
					WindowMs:    1500,
					MaxMessages: 10,
				},
				Subagents: SubagentsConfig{
					ArchiveAfterMinutes: 60,
				},
			},
		},
		Cron: CronConfig{
			MaxConcurrentRuns: 1,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads and parses the config file at path, filling in any zero
// fields from DefaultConfig so a partial file is always valid. A missing
// file is not an error: Load returns DefaultConfig().
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields that JSON unmarshal would
// otherwise leave at their Go zero value, which for several of these
// (MaxConcurrentSessions=0, TTLMs=0) would silently disable the
// component rather than mean "unset".
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Agents.Defaults.MaxConcurrentSessions <= 0 {
		c.Agents.Defaults.MaxConcurrentSessions = d.Agents.Defaults.MaxConcurrentSessions
	}
	if c.Agents.Defaults.AuthCache.TTLMs <= 0 {
		c.Agents.Defaults.AuthCache.TTLMs = d.Agents.Defaults.AuthCache.TTLMs
	}
	if c.Agents.Defaults.AuthCache.MaxSize <= 0 {
		c.Agents.Defaults.AuthCache.MaxSize = d.Agents.Defaults.AuthCache.MaxSize
	}
	if c.Agents.Defaults.Coalesce.WindowMs <= 0 {
		c.Agents.Defaults.Coalesce.WindowMs = d.Agents.Defaults.Coalesce.WindowMs
	}
	if c.Agents.Defaults.Coalesce.WindowMs > 5000 {
		c.Agents.Defaults.Coalesce.WindowMs = 5000
	}
	if c.Agents.Defaults.Coalesce.MaxMessages <= 0 {
		c.Agents.Defaults.Coalesce.MaxMessages = d.Agents.Defaults.Coalesce.MaxMessages
	}
	if c.Agents.Defaults.Subagents.ArchiveAfterMinutes <= 0 {
		c.Agents.Defaults.Subagents.ArchiveAfterMinutes = d.Agents.Defaults.Subagents.ArchiveAfterMinutes
	}
	if c.Cron.MaxConcurrentRuns <= 0 {
		c.Cron.MaxConcurrentRuns = d.Cron.MaxConcurrentRuns
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
}

// AuthCacheTTL returns the configured auth cache TTL as a time.Duration.
func (c Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.Agents.Defaults.AuthCache.TTLMs) * time.Millisecond
}
