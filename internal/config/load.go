package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/clawlite/clawlite/internal/errs"
)

// Load reads config from path (JSON5 accepted), then overlays env vars.
// A missing file yields the defaults; a malformed file is config_invalid.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, errs.Wrap(errs.ConfigInvalid, err, "read config %s", path)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "parse config %s", path)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config document as formatted JSON. Load(Save(cfg))
// yields an equal document.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// EnsureToken generates and persists the gateway bearer token when absent.
func EnsureToken(cfg *Config, path string) error {
	if cfg.Gateway.Token != "" {
		return nil
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate gateway token: %w", err)
	}
	cfg.Gateway.Token = hex.EncodeToString(buf)
	return Save(cfg, path)
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Provider.Model != "" && !strings.Contains(c.Provider.Model, "/") {
		return errs.New(errs.ConfigInvalid, "provider.model %q must be vendor/model", c.Provider.Model)
	}
	for _, f := range c.Provider.Fallback {
		if !strings.Contains(f, "/") {
			return errs.New(errs.ConfigInvalid, "provider.fallback entry %q must be vendor/model", f)
		}
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errs.New(errs.ConfigInvalid, "gateway.port %d out of range", c.Gateway.Port)
	}
	if tz := c.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errs.Wrap(errs.ConfigInvalid, err, "scheduler.timezone %q", tz)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWLITE_MODEL", &c.Provider.Model)
	envStr("CLAWLITE_WORKSPACE", &c.Workspace)
	envStr("CLAWLITE_STATE", &c.State)
	envStr("CLAWLITE_GATEWAY_HOST", &c.Gateway.Host)
	envStr("CLAWLITE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWLITE_ANTHROPIC_API_KEY", &c.Provider.AnthropicAPIKey)
	envStr("CLAWLITE_OPENAI_API_KEY", &c.Provider.OpenAIAPIKey)
	envStr("CLAWLITE_OPENROUTER_API_KEY", &c.Provider.OpenRouterAPIKey)
	envStr("CLAWLITE_GROQ_API_KEY", &c.Provider.GroqAPIKey)
	envStr("CLAWLITE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWLITE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	if v := os.Getenv("CLAWLITE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}

	// Credentials provided via env auto-enable the channel.
	if os.Getenv("CLAWLITE_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("CLAWLITE_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
}

func (c *Config) expandPaths() {
	c.Workspace = ExpandHome(c.Workspace)
	c.State = ExpandHome(c.State)
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ConfigPath returns the config document location under the state dir.
func ConfigPath(stateDir string) string {
	return filepath.Join(stateDir, "config.json")
}
