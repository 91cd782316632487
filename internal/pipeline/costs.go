package pipeline

import (
	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/model"
)

// CostSummary is the priced view of an aggregate snapshot.
type CostSummary struct {
	Reports   []model.CostReport
	TotalCost float64
	Unpriced  int
}

// BuildReports prices each model's aggregated usage once. Models missing from
// the table get a report carrying the pricing error instead of a zero cost.
// Reports are ordered by total tokens, largest first.
func BuildReports(snapshot model.Aggregate, table *config.PricingTable) CostSummary {
	var sum CostSummary
	for _, name := range snapshot.Models() {
		usage := snapshot[name]
		report := model.CostReport{Model: name, Usage: usage}

		cost, err := config.ComputeCost(name, usage, table)
		if err != nil {
			report.Err = err
			sum.Unpriced++
			sum.Reports = append(sum.Reports, report)
			continue
		}

		p, key, _ := table.Lookup(name)
		report.Cost = cost
		report.PricedAs = key
		report.PromptRate = p.Prompt
		report.OutputRate = p.Completion
		report.RateUnit = int(p.UnitSize())
		sum.TotalCost += cost
		sum.Reports = append(sum.Reports, report)
	}
	return sum
}
