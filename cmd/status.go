package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/status"
)

var flagStatusProbeAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live totals of a session started with --status-addr",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagStatusProbeAddr, "addr", "", "Status API address (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := flagStatusProbeAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Status.Addr
	}
	if addr == "" {
		return fmt.Errorf("no status address: pass --addr or set [status] addr in the config")
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("  Session: unreachable (%v)\n", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("  Session: HTTP %d\n", resp.StatusCode)
		return nil
	}

	var st status.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Printf("  Session: malformed response (%v)\n", err)
		return nil
	}

	fmt.Printf("  Command: %s\n", st.Command)
	fmt.Printf("  Running: %s\n", cli.FormatDuration(time.Since(st.StartedAt)))
	outcomes := make([]string, 0, len(st.Exchanges))
	for k := range st.Exchanges {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	for _, k := range outcomes {
		fmt.Printf("  Exchanges %s: %d\n", k, st.Exchanges[k])
	}
	fmt.Println()

	rows := make([][]string, 0, len(st.Models))
	for _, m := range st.Models {
		cost := cli.FormatCost(m.CostUSD)
		if m.PricingError != "" {
			cost = "pricing not found"
		}
		rows = append(rows, []string{
			m.Model,
			cli.FormatNumber(m.Requests),
			cli.FormatNumber(m.PromptTokens),
			cli.FormatNumber(m.CompletionTokens),
			cost,
		})
	}
	if len(rows) > 0 {
		fmt.Print(cli.RenderTable(cli.Table{
			Headers: []string{"Model", "Calls", "Prompt", "Completion", "Cost"},
			Rows:    rows,
		}))
	}
	fmt.Printf("  Total: %s tokens, %s\n", cli.FormatNumber(st.TotalTokens), cli.FormatCost(st.TotalCostUSD))
	return nil
}
