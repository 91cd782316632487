package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmon/internal/certs"
	"github.com/theirongolddev/tokmon/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Printf("  Config file: %s\n", path)
	if _, err := os.Stat(path); err == nil {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [Proxy]")
	fmt.Printf("    Listen:           %s\n", cfg.Proxy.Listen)
	fmt.Printf("    Targets:          %s\n", strings.Join(cfg.Proxy.Targets, ", "))
	fmt.Printf("    Grace period:     %s\n", cfg.Proxy.GracePeriod)
	fmt.Printf("    Upstream timeout: %s\n", cfg.Proxy.UpstreamTimeout)
	fmt.Printf("    Max capture:      %d bytes\n", cfg.Proxy.MaxCaptureBytes)
	fmt.Println()

	fmt.Println("  [Trust]")
	caDir := cfg.Trust.CADir
	if caDir == "" {
		caDir = certs.DefaultDir() + " (default)"
	}
	fmt.Printf("    CA directory: %s\n", caDir)
	fmt.Println()

	fmt.Println("  [Pricing]")
	switch {
	case os.Getenv(config.PricingEnvVar) != "":
		fmt.Printf("    File: %s (from %s)\n", os.Getenv(config.PricingEnvVar), config.PricingEnvVar)
	case cfg.Pricing.Path != "":
		fmt.Printf("    File: %s\n", cfg.Pricing.Path)
	default:
		fmt.Println("    File: bundled")
	}
	fmt.Println()

	fmt.Println("  [Log]")
	fmt.Printf("    Level:  %s\n", cfg.Log.Level)
	fmt.Printf("    Format: %s\n", cfg.Log.Format)
	if cfg.Log.File != "" {
		fmt.Printf("    File:   %s\n", cfg.Log.File)
	}
	fmt.Println()

	fmt.Println("  [Status]")
	if cfg.Status.Addr != "" {
		fmt.Printf("    Address: %s\n", cfg.Status.Addr)
	} else {
		fmt.Println("    Address: disabled")
	}
	fmt.Println()

	fmt.Println("  Run `tokmon setup` to reconfigure.")
	return nil
}
