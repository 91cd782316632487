package cli

import (
	"fmt"
	"strings"

	"github.com/theirongolddev/tokmon/internal/model"
)

// ProgName prefixes status lines written around the monitored program.
const ProgName = "tokmon"

// RenderMonitoring is printed before the child starts.
func RenderMonitoring(inv model.Invocation) string {
	return mutedStyle.Render(fmt.Sprintf("[%s] Monitoring token costs for ", ProgName)) +
		okStyle.Render(inv.String()) + mutedStyle.Render(" ...")
}

// RenderInterrupted is printed when the session is cut short.
func RenderInterrupted() string {
	return warnStyle.Render(fmt.Sprintf("[%s] Interrupted. Generating token usage report ...", ProgName))
}

// RenderReport formats the end-of-session cost report: one row per model,
// a session total, and how the child ended.
func RenderReport(o model.Outcome) string {
	var b strings.Builder

	b.WriteString(RenderTitle(ProgName + " cost report"))
	b.WriteString("\n\n")

	writeField(&b, "Monitored invocation", o.Invocation.String())
	if !o.Ended.IsZero() && !o.Started.IsZero() {
		writeField(&b, "Duration", FormatDuration(o.Ended.Sub(o.Started)))
	}
	exit := o.Child.String()
	if o.Interrupted {
		exit += warnStyle.Render("  (session interrupted, totals cover completed calls only)")
	}
	writeField(&b, "Program", exit)
	if o.PricingSource != "" {
		writeField(&b, "Pricing", o.PricingSource)
	}
	b.WriteString("\n")

	if o.NoCalls() {
		b.WriteString("  ")
		b.WriteString(mutedStyle.Render(fmt.Sprintf("No API calls detected for `%s`.", o.Invocation.String())))
		b.WriteString("\n")
		return b.String()
	}

	total := o.Snapshot.Total()
	rows := make([][]string, 0, len(o.Reports)+2)
	for _, r := range o.Reports {
		rate, cost := "-", "pricing not found"
		if r.Priced() {
			rate = FormatRate(r.PromptRate, r.RateUnit) + " in, " + FormatRate(r.OutputRate, r.RateUnit) + " out"
			cost = FormatCost(r.Cost)
		}
		name := r.Model
		if r.PricedAs != "" && r.PricedAs != r.Model {
			name += " (" + r.PricedAs + ")"
		}
		rows = append(rows, []string{
			name,
			FormatNumber(r.Usage.Requests),
			FormatNumber(r.Usage.PromptTokens),
			FormatNumber(r.Usage.CompletionTokens),
			FormatNumber(r.Usage.TotalTokens),
			rate,
			cost,
		})
	}
	rows = append(rows, RowSeparator, []string{
		"Total",
		FormatNumber(total.Requests),
		FormatNumber(total.PromptTokens),
		FormatNumber(total.CompletionTokens),
		FormatNumber(total.TotalTokens),
		"",
		FormatCost(o.TotalCost),
	})

	b.WriteString(RenderTable(Table{
		Headers: []string{"Model", "Calls", "Prompt", "Completion", "Total", "Rate", "Cost"},
		Rows:    rows,
	}))
	b.WriteString("\n")

	writeField(&b, "Cost", costStyle.Render(FormatCost(o.TotalCost)))
	if o.Unpriced > 0 {
		b.WriteString("  ")
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d model(s) had no pricing entry and are excluded from the cost.", o.Unpriced)))
		b.WriteString("\n")
	}
	if total.UnsplitTokens > 0 {
		b.WriteString("  ")
		b.WriteString(warnStyle.Render(fmt.Sprintf("%s token(s) were reported without a prompt/completion split and are excluded from the cost.",
			FormatNumber(total.UnsplitTokens))))
		b.WriteString("\n")
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString("  ")
	b.WriteString(headerStyle.Render(label + ":"))
	b.WriteString(" ")
	b.WriteString(value)
	b.WriteString("\n")
}
