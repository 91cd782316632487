package cli

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/theirongolddev/tokmon/internal/model"
)

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1234, "1.2K"},
		{1234567, "1.2M"},
		{1234567890, "1.2B"},
	}
	for _, tt := range tests {
		if got := FormatTokens(tt.in); got != tt.want {
			t.Errorf("FormatTokens(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCost(t *testing.T) {
	if got := FormatCost(0.025); got != "$0.025000" {
		t.Errorf("FormatCost(0.025) = %q", got)
	}
	if got := FormatCost(0); got != "$0.000000" {
		t.Errorf("FormatCost(0) = %q", got)
	}
}

func TestFormatRate(t *testing.T) {
	if got := FormatRate(0.0025, 1000); got != "$0.0025/1.0K" {
		t.Errorf("FormatRate = %q", got)
	}
	if got := FormatRate(3, 1_000_000); got != "$3/1.0M" {
		t.Errorf("FormatRate = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{4200 * time.Millisecond, "4.2s"},
		{2*time.Minute + 5*time.Second, "2m 5s"},
		{time.Hour + 2*time.Minute + 5*time.Second, "1h 2m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderReport_NoCalls(t *testing.T) {
	out := RenderReport(model.Outcome{
		Invocation: model.Invocation{Program: "python", Args: []string{"main.py"}},
		Child:      model.ChildExit{Exited: true},
	})
	if !strings.Contains(out, "No API calls detected for `python main.py`") {
		t.Errorf("missing no-calls line:\n%s", out)
	}
	if strings.Contains(out, "Total") {
		t.Errorf("no-calls report should not render a table:\n%s", out)
	}
}

func TestRenderReport_Rows(t *testing.T) {
	gpt := model.ModelUsage{Requests: 2, PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}
	mystery := model.ModelUsage{Requests: 1, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	out := RenderReport(model.Outcome{
		Invocation:  model.Invocation{Program: "node", Args: []string{"app.js"}},
		Interrupted: true,
		Child:       model.ChildExit{Signal: "terminated"},
		Snapshot:    model.Aggregate{"gpt-4o-2024-08-06": gpt, "mystery": mystery},
		Reports: []model.CostReport{
			{Model: "gpt-4o-2024-08-06", PricedAs: "gpt-4o", Usage: gpt, Cost: 0.0075, PromptRate: 0.0025, OutputRate: 0.01, RateUnit: 1000},
			{Model: "mystery", Usage: mystery, Err: errors.New("pricing not found")},
		},
		TotalCost:     0.0075,
		Unpriced:      1,
		PricingSource: "bundled",
	})

	for _, want := range []string{
		"node app.js",
		"gpt-4o-2024-08-06 (gpt-4o)",
		"1,000",
		"$0.007500",
		"pricing not found",
		"1,515",
		"killed by terminated",
		"interrupted",
		"1 model(s) had no pricing entry",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestRenderReport_FlagsUnsplitTokens(t *testing.T) {
	embed := model.ModelUsage{Requests: 1, TotalTokens: 1200, UnsplitTokens: 1200}
	out := RenderReport(model.Outcome{
		Invocation: model.Invocation{Program: "python"},
		Child:      model.ChildExit{Exited: true},
		Snapshot:   model.Aggregate{"text-embedding-3-small": embed},
		Reports:    []model.CostReport{{Model: "text-embedding-3-small", Usage: embed}},
	})
	if !strings.Contains(out, "1,200 token(s) were reported without a prompt/completion split") {
		t.Errorf("report does not flag unsplit tokens:\n%s", out)
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable(Table{
		Title:   "Usage",
		Headers: []string{"Model", "Calls"},
		Rows:    [][]string{{"gpt-4o", "12"}, RowSeparator, {"Total", "3"}},
	})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	want := []string{
		"  Usage",
		"╭────────┬───────╮",
		"│ Model  │ Calls │",
		"├────────┼───────┤",
		"│ gpt-4o │    12 │",
		"├────────┼───────┤",
		"│ Total  │     3 │",
		"╰────────┴───────╯",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), out)
	}
	for i := range want {
		if got := ansi.Strip(lines[i]); got != want[i] {
			t.Errorf("line %d = %q, want %q", i, got, want[i])
		}
	}

	if got := RenderTable(Table{}); got != "" {
		t.Errorf("empty table = %q, want empty", got)
	}
}
