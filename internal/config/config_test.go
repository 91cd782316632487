package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_MissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Proxy.Listen != "127.0.0.1:0" {
		t.Fatalf("Listen = %q, want 127.0.0.1:0", cfg.Proxy.Listen)
	}
	if len(cfg.Proxy.Targets) != 1 || cfg.Proxy.Targets[0] != "api.openai.com" {
		t.Fatalf("Targets = %v, want [api.openai.com]", cfg.Proxy.Targets)
	}
	grace, err := cfg.Proxy.Grace()
	if err != nil || grace != 5*time.Second {
		t.Fatalf("Grace() = (%v, %v), want 5s", grace, err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Proxy.Targets = []string{"api.openai.com", "api.anthropic.com"}
	cfg.Proxy.GracePeriod = "250ms"
	cfg.Pricing.Path = "/tmp/pricing.yaml"
	cfg.Status.Addr = "127.0.0.1:7788"

	if err := SaveTo(path, cfg); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(got.Proxy.Targets) != 2 || got.Proxy.Targets[1] != "api.anthropic.com" {
		t.Fatalf("Targets = %v", got.Proxy.Targets)
	}
	if grace, _ := got.Proxy.Grace(); grace != 250*time.Millisecond {
		t.Fatalf("Grace() = %v, want 250ms", grace)
	}
	if got.Pricing.Path != cfg.Pricing.Path || got.Status.Addr != cfg.Status.Addr {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestLoadFrom_InvalidDuration(t *testing.T) {
	path := writeFile(t, "config.toml", "[proxy]\ngrace_period = \"soon\"\n")
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("LoadFrom accepted an invalid grace_period")
	}
}

func TestGetPricingPath_EnvWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pricing.Path = "/from/config.json"

	t.Setenv(PricingEnvVar, "")
	if got := GetPricingPath(cfg); got != "/from/config.json" {
		t.Fatalf("GetPricingPath = %q, want config path", got)
	}

	t.Setenv(PricingEnvVar, "/from/env.json")
	if got := GetPricingPath(cfg); got != "/from/env.json" {
		t.Fatalf("GetPricingPath = %q, want env path", got)
	}
}

func TestConfigDir_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if got, want := ConfigPath(), filepath.Join(dir, "tokmon", "config.toml"); got != want {
		t.Fatalf("ConfigPath() = %q, want %q", got, want)
	}
}
