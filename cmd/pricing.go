package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tokmon/internal/cli"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Show the effective pricing table",
	Args:  cobra.NoArgs,
	RunE:  runPricing,
}

func init() {
	rootCmd.AddCommand(pricingCmd)
}

func runPricing(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	table, err := loadPricing(cmd, cfg)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("PRICING  " + table.Source))
	fmt.Println()

	names := table.Models()
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		p, _, _ := table.Lookup(name)
		unit := int(p.UnitSize())
		rows = append(rows, []string{
			name,
			cli.FormatRate(p.Prompt, unit),
			cli.FormatRate(p.Completion, unit),
		})
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Model", "Prompt", "Completion"},
		Rows:    rows,
	}))
	return nil
}
