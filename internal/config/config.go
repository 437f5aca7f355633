// Package config loads and persists the process-wide configuration
// document. Values come from <state>/config.json (JSON5 accepted),
// overlaid with CLAWLITE_* environment variables.
package config

import (
	"time"
)

// Config is the root configuration for the ClawLite runtime.
type Config struct {
	Workspace string          `json:"workspace,omitempty"` // operator-editable identity files + user skills
	State     string          `json:"state,omitempty"`     // sessions, memory, cron table
	Provider  ProviderConfig  `json:"provider"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
}

// ProviderConfig selects the LLM backend and its fallbacks.
type ProviderConfig struct {
	Model    string   `json:"model"`              // "vendor/model", e.g. "anthropic/claude-sonnet-4-5"
	Fallback []string `json:"fallback,omitempty"` // tried in order on retryable failures
	Offline  string   `json:"offline,omitempty"`  // OpenAI-compatible local endpoint ("" = disabled)

	// Credentials are env-first (CLAWLITE_*_API_KEY) with file fallback.
	AnthropicAPIKey  string `json:"anthropic_api_key,omitempty"`
	OpenAIAPIKey     string `json:"openai_api_key,omitempty"`
	OpenRouterAPIKey string `json:"openrouter_api_key,omitempty"`
	GroqAPIKey       string `json:"groq_api_key,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket surface.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"token,omitempty"` // bearer token, generated at first run when empty
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"`
}

// SchedulerConfig configures cron and heartbeat.
type SchedulerConfig struct {
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds,omitempty"` // 0 = heartbeat disabled
	Timezone                 string `json:"timezone,omitempty"`                   // IANA name; 5-field cron evaluated here
}

// AgentConfig tunes the engine loop.
type AgentConfig struct {
	MaxTurns       int `json:"max_turns,omitempty"`       // tool-call loop bound (default 8)
	MemoryTopK     int `json:"memory_top_k,omitempty"`    // memory snippets per prompt (default 5)
	HistoryLimit   int `json:"history_limit,omitempty"`   // last-M session messages (default 20)
	MaxConcurrency int `json:"max_concurrency,omitempty"` // parallel runs across sessions (default cores*2)
}

// ChannelsConfig maps channel name to its settings.
type ChannelsConfig struct {
	Telegram ChannelConfig `json:"telegram,omitempty"`
	Discord  ChannelConfig `json:"discord,omitempty"`
}

// AccountConfig is one bot account within a channel.
type AccountConfig struct {
	Name  string `json:"name,omitempty"` // instance label; "default" when empty
	Token string `json:"token"`
}

// ChannelConfig is the per-channel settings block.
type ChannelConfig struct {
	Enabled            bool            `json:"enabled"`
	Token              string          `json:"token,omitempty"`    // single-account shorthand
	Accounts           []AccountConfig `json:"accounts,omitempty"` // multi-account form
	AllowFrom          []string        `json:"allow_from,omitempty"`
	PollTimeoutSeconds int             `json:"poll_timeout_seconds,omitempty"`
	Fallback           string          `json:"fallback,omitempty"` // channel name for open-circuit re-publish
}

// AccountList normalizes the single-token shorthand into account form.
func (c ChannelConfig) AccountList() []AccountConfig {
	if len(c.Accounts) > 0 {
		return c.Accounts
	}
	if c.Token != "" {
		return []AccountConfig{{Name: "default", Token: c.Token}}
	}
	return nil
}

// MCPConfig wires external Model Context Protocol servers.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one stdio MCP server process.
type MCPServerConfig struct {
	Enabled *bool             `json:"enabled,omitempty"` // nil means enabled
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// IsEnabled treats an absent enabled flag as on.
func (c MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SessionsConfig tunes session persistence and memory consolidation.
type SessionsConfig struct {
	IdleTimeoutMinutes  int `json:"idle_timeout_minutes,omitempty"`  // consolidation trigger (default 30)
	DedupeWindowSeconds int `json:"dedupe_window_seconds,omitempty"` // outbound idempotency window (default 300)
	QueueCapacity       int `json:"queue_capacity,omitempty"`        // bus queue bound (default 1000)
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: "~/.clawlite/workspace",
		State:     "~/.clawlite",
		Provider: ProviderConfig{
			Model: "anthropic/claude-sonnet-4-5",
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8765,
			RateLimitRPM: 60,
		},
		Scheduler: SchedulerConfig{
			HeartbeatIntervalSeconds: 1800,
			Timezone:                 "UTC",
		},
		Agent: AgentConfig{
			MaxTurns:     8,
			MemoryTopK:   5,
			HistoryLimit: 20,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMinutes:  30,
			DedupeWindowSeconds: 300,
			QueueCapacity:       1000,
		},
	}
}

// IdleTimeout returns the session idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	m := c.Sessions.IdleTimeoutMinutes
	if m <= 0 {
		m = 30
	}
	return time.Duration(m) * time.Minute
}

// DedupeWindow returns the outbound idempotency window as a duration.
func (c *Config) DedupeWindow() time.Duration {
	s := c.Sessions.DedupeWindowSeconds
	if s <= 0 {
		s = 300
	}
	return time.Duration(s) * time.Second
}

// HeartbeatInterval returns the heartbeat period (0 = disabled).
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Scheduler.HeartbeatIntervalSeconds) * time.Second
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
