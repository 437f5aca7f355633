package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/clawlite/clawlite/internal/errs"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 8765 || cfg.Agent.MaxTurns != 8 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Workspace = filepath.Join(dir, "ws")
	cfg.State = dir
	cfg.Provider.Model = "openai/gpt-4o-mini"
	cfg.Provider.Fallback = []string{"groq/llama-3.3-70b"}
	cfg.Gateway.Token = "secret"
	cfg.Channels.Telegram = ChannelConfig{
		Enabled:   true,
		Token:     "tg-token",
		AllowFrom: []string{"123", "456"},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("round trip changed config:\nsaved:  %+v\nloaded: %+v", cfg, loaded)
	}
}

func TestLoadJSON5Comments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  // the provider line
  provider: { model: "anthropic/claude-sonnet-4-5" },
  gateway: { host: "0.0.0.0", port: 9000 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9000 || cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("json5 values lost: %+v", cfg.Gateway)
	}
}

func TestValidateRejectsBadModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{provider:{model:"nomodel"}}`), 0o644)

	_, err := Load(path)
	if !errs.Is(err, errs.ConfigInvalid) {
		t.Errorf("err = %v, want config_invalid", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWLITE_MODEL", "groq/llama-3.3-70b")
	t.Setenv("CLAWLITE_GATEWAY_PORT", "4242")
	t.Setenv("CLAWLITE_TELEGRAM_TOKEN", "tok")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "groq/llama-3.3-70b" {
		t.Errorf("CLAWLITE_MODEL ignored: %s", cfg.Provider.Model)
	}
	if cfg.Gateway.Port != 4242 {
		t.Errorf("CLAWLITE_GATEWAY_PORT ignored: %d", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram not auto-enabled by env token")
	}
}

func TestEnsureTokenGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()

	if err := EnsureToken(cfg, path); err != nil {
		t.Fatal(err)
	}
	first := cfg.Gateway.Token
	if first == "" {
		t.Fatal("no token generated")
	}

	if err := EnsureToken(cfg, path); err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Token != first {
		t.Error("token regenerated")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Gateway.Token != first {
		t.Error("token not persisted")
	}
}

func TestAccountListShorthand(t *testing.T) {
	c := ChannelConfig{Token: "t"}
	accounts := c.AccountList()
	if len(accounts) != 1 || accounts[0].Name != "default" || accounts[0].Token != "t" {
		t.Errorf("AccountList = %+v", accounts)
	}

	c = ChannelConfig{Accounts: []AccountConfig{{Name: "a", Token: "1"}, {Name: "b", Token: "2"}}}
	if len(c.AccountList()) != 2 {
		t.Error("explicit accounts lost")
	}
}
