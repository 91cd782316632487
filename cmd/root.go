// Package cmd implements the tokmon CLI commands.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/logging"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/monitor"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

var (
	flagPricing    string
	flagConfig     string
	flagTargets    []string
	flagListen     string
	flagGrace      time.Duration
	flagStatusAddr string
	flagCADir      string
	flagQuiet      bool
	flagLogLevel   string
	flagLogFile    string
)

var rootCmd = &cobra.Command{
	Use:   "tokmon [flags] [--] program [args...]",
	Short: "Monitor the token cost of a program's LLM API calls",
	Long: `Run a program with its HTTPS traffic routed through a local intercepting
proxy, record the token usage reported by the LLM API, and print a cost
report when the program exits or tokmon is interrupted.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMonitor,
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// Execute is the main entry point called from main.go.
func Execute() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cli.ProgName, ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", cli.ProgName, err)
	return exitFailure
}

func init() {
	// Everything after the program name belongs to the program.
	rootCmd.Flags().SetInterspersed(false)

	rootCmd.PersistentFlags().StringVarP(&flagPricing, "pricing", "p", "", "Path to a custom pricing file (json, toml or yaml)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default "+config.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&flagCADir, "ca-dir", "", "Directory holding the tokmon CA")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.Flags().StringSliceVar(&flagTargets, "target", nil, "API host to intercept (repeatable, default api.openai.com)")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "Proxy listen address (default 127.0.0.1:0)")
	rootCmd.Flags().DurationVar(&flagGrace, "grace", 0, "How long in-flight calls may finish after an interrupt")
	rootCmd.Flags().StringVar(&flagStatusAddr, "status-addr", "", "Serve the live status API on this address")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "Only print the cost report")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("pricing") {
		cfg.Pricing.Path = flagPricing
	}
	if flags.Changed("ca-dir") {
		cfg.Trust.CADir = flagCADir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = flagLogFile
	}
	if flags.Changed("target") {
		cfg.Proxy.Targets = flagTargets
	}
	if flags.Changed("listen") {
		cfg.Proxy.Listen = flagListen
	}
	if flags.Changed("grace") {
		cfg.Proxy.GracePeriod = flagGrace.String()
	}
	if flags.Changed("status-addr") {
		cfg.Status.Addr = flagStatusAddr
	}
	return cfg, cfg.Validate()
}

// loadPricing resolves the pricing table: --pricing, then TOKMON_PRICING,
// then the config file, then the bundled table.
func loadPricing(cmd *cobra.Command, cfg config.Config) (*config.PricingTable, error) {
	path := config.GetPricingPath(cfg)
	if cmd.Flags().Changed("pricing") {
		path = flagPricing
	}
	return config.LoadPricing(path)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	table, err := loadPricing(cmd, cfg)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	defer closeLog()

	inv := model.Invocation{Program: args[0], Args: args[1:]}
	if !flagQuiet {
		fmt.Fprintln(os.Stderr, cli.RenderMonitoring(inv))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := monitor.Run(ctx, monitor.Options{
		Invocation: inv,
		Config:     cfg,
		Pricing:    table,
		Logger:     log,
		OnStart: func(pid int, proxyURL string) {
			log.Info("monitoring", zap.Int("pid", pid), zap.String("proxy", proxyURL))
		},
	})
	var se *monitor.StartupError
	if errors.As(err, &se) {
		return &exitError{code: exitFailure, err: err}
	}

	if outcome.Interrupted && !flagQuiet {
		fmt.Fprintln(os.Stderr, cli.RenderInterrupted())
	}
	fmt.Println()
	fmt.Print(cli.RenderReport(outcome))

	switch {
	case err != nil:
		return &exitError{code: exitFailure, err: err}
	case outcome.Interrupted:
		return &exitError{code: exitInterrupted}
	}
	return nil
}
