package cmd

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"api.openai.com", []string{"api.openai.com"}},
		{"api.openai.com, api.anthropic.com", []string{"api.openai.com", "api.anthropic.com"}},
		{" , ,", []string{}},
	}
	for _, tt := range tests {
		got := splitList(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "missing.toml")
	t.Cleanup(func() { flagConfig = "" })

	err := rootCmd.ParseFlags([]string{
		"--target", "api.anthropic.com",
		"--target", "api.openai.com",
		"--grace", "2s",
		"--status-addr", "127.0.0.1:8787",
		"--log-level", "debug",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := loadConfig(rootCmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.Proxy.Targets, []string{"api.anthropic.com", "api.openai.com"}) {
		t.Errorf("Targets = %v", cfg.Proxy.Targets)
	}
	if cfg.Proxy.GracePeriod != "2s" {
		t.Errorf("GracePeriod = %q", cfg.Proxy.GracePeriod)
	}
	if cfg.Status.Addr != "127.0.0.1:8787" {
		t.Errorf("Status.Addr = %q", cfg.Status.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	// Untouched values come from the defaults.
	if cfg.Proxy.Listen != "127.0.0.1:0" {
		t.Errorf("Listen = %q", cfg.Proxy.Listen)
	}
}

func TestExitError(t *testing.T) {
	e := &exitError{code: exitInterrupted}
	if e.Error() != "exit status 130" {
		t.Errorf("Error() = %q", e.Error())
	}
}
