package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// PricingEnvVar overrides the configured pricing file path.
const PricingEnvVar = "TOKMON_PRICING"

// Config holds all tokmon configuration.
type Config struct {
	Proxy   ProxyConfig   `toml:"proxy"`
	Trust   TrustConfig   `toml:"trust"`
	Pricing PricingConfig `toml:"pricing"`
	Log     LogConfig     `toml:"log"`
	Status  StatusConfig  `toml:"status"`
}

// ProxyConfig holds interception proxy settings.
type ProxyConfig struct {
	Listen          string   `toml:"listen"`
	Targets         []string `toml:"targets"`
	GracePeriod     string   `toml:"grace_period"`
	UpstreamTimeout string   `toml:"upstream_timeout"`
	MaxCaptureBytes int64    `toml:"max_capture_bytes"`
}

// TrustConfig holds CA material settings.
type TrustConfig struct {
	CADir string `toml:"ca_dir,omitempty"`
}

// PricingConfig points at a custom pricing table.
type PricingConfig struct {
	Path string `toml:"path,omitempty"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file,omitempty"`
}

// StatusConfig holds the optional live status API settings.
type StatusConfig struct {
	Addr string `toml:"addr,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			Listen:          "127.0.0.1:0",
			Targets:         []string{"api.openai.com"},
			GracePeriod:     "5s",
			UpstreamTimeout: "10m",
			MaxCaptureBytes: 16 << 20,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tokmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tokmon")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config file at path, returning defaults if it doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the duration fields and the capture limit.
func (c Config) Validate() error {
	if _, err := c.Proxy.Grace(); err != nil {
		return err
	}
	if _, err := c.Proxy.Timeout(); err != nil {
		return err
	}
	if c.Proxy.MaxCaptureBytes < 0 {
		return fmt.Errorf("proxy.max_capture_bytes must not be negative")
	}
	return nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes the config to path, creating the parent directory.
func SaveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Grace parses the shutdown grace period.
func (p ProxyConfig) Grace() (time.Duration, error) {
	return parseDuration("proxy.grace_period", p.GracePeriod, 5*time.Second)
}

// Timeout parses the upstream response timeout.
func (p ProxyConfig) Timeout() (time.Duration, error) {
	return parseDuration("proxy.upstream_timeout", p.UpstreamTimeout, 10*time.Minute)
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// GetPricingPath returns the pricing file from env var or config, in that order.
// An empty result selects the bundled table.
func GetPricingPath(cfg Config) string {
	if path := os.Getenv(PricingEnvVar); path != "" {
		return path
	}
	return cfg.Pricing.Path
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}
