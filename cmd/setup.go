package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmon/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive configuration wizard",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(_ *cobra.Command, _ []string) error {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	// Load existing config or defaults
	cfg, _ := config.LoadFrom(path)

	targets := strings.Join(cfg.Proxy.Targets, ", ")
	grace := cfg.Proxy.GracePeriod
	pricingPath := cfg.Pricing.Path
	statusAddr := cfg.Status.Addr
	logLevel := cfg.Log.Level

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Welcome to tokmon!").
				Description("Settings are saved to "+path+".\nFlags always override them."),
			huh.NewInput().
				Title("API hosts to intercept").
				Description("Comma separated. Everything else is tunneled untouched.").
				Value(&targets).
				Validate(func(s string) error {
					if len(splitList(s)) == 0 {
						return errors.New("at least one host is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Grace period after Ctrl-C").
				Placeholder("5s").
				Value(&grace).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := time.ParseDuration(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Custom pricing file").
				Description("json, toml or yaml. Leave blank for the bundled table.").
				Value(&pricingPath).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := config.LoadPricing(s)
					return err
				}),
			huh.NewInput().
				Title("Live status API address").
				Description("e.g. 127.0.0.1:8787. Leave blank to disable.").
				Value(&statusAddr),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("warn (default)", "warn"),
					huh.NewOption("info", "info"),
					huh.NewOption("debug", "debug"),
					huh.NewOption("error", "error"),
				).
				Value(&logLevel),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup aborted, nothing saved.")
			return nil
		}
		return err
	}

	cfg.Proxy.Targets = splitList(targets)
	cfg.Proxy.GracePeriod = grace
	cfg.Pricing.Path = strings.TrimSpace(pricingPath)
	cfg.Status.Addr = strings.TrimSpace(statusAddr)
	cfg.Log.Level = logLevel

	if err := config.SaveTo(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", path)
	fmt.Println("  Run `tokmon setup` anytime to reconfigure.")
	fmt.Println()
	return nil
}

// splitList splits a comma or space separated list, dropping empties.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
