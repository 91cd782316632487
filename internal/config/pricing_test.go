package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/theirongolddev/tokmon/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestComputeCost_PerThousandRates(t *testing.T) {
	table, err := NewPricingTable("test", map[string]ModelPricing{
		"gpt-x": {Prompt: 0.01, Completion: 0.03},
	})
	if err != nil {
		t.Fatalf("NewPricingTable: %v", err)
	}

	usage := model.ModelUsage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}
	cost, err := ComputeCost("gpt-x", usage, table)
	if err != nil {
		t.Fatalf("ComputeCost: %v", err)
	}
	if !approxEqual(cost, 0.025) {
		t.Fatalf("cost = %v, want 0.025", cost)
	}
}

func TestComputeCost_CustomUnit(t *testing.T) {
	table, err := NewPricingTable("test", map[string]ModelPricing{
		"m": {Prompt: 3, Completion: 15, Unit: 1_000_000},
	})
	if err != nil {
		t.Fatalf("NewPricingTable: %v", err)
	}
	cost, err := ComputeCost("m", model.ModelUsage{PromptTokens: 2_000_000, CompletionTokens: 100_000}, table)
	if err != nil {
		t.Fatalf("ComputeCost: %v", err)
	}
	if !approxEqual(cost, 7.5) {
		t.Fatalf("cost = %v, want 7.5", cost)
	}
}

func TestComputeCost_UnknownModel(t *testing.T) {
	table, err := NewPricingTable("test", map[string]ModelPricing{
		"gpt-x": {Prompt: 0.01, Completion: 0.03},
	})
	if err != nil {
		t.Fatalf("NewPricingTable: %v", err)
	}

	cost, err := ComputeCost("mystery-model", model.ModelUsage{PromptTokens: 10}, table)
	if err == nil {
		t.Fatalf("ComputeCost returned cost %v with nil error for unknown model", cost)
	}
	if !errors.Is(err, ErrPricingNotFound) {
		t.Fatalf("error = %v, want ErrPricingNotFound", err)
	}
	var perr *PricingError
	if !errors.As(err, &perr) || perr.Model != "mystery-model" {
		t.Fatalf("error = %#v, want PricingError for mystery-model", err)
	}
}

func TestComputeCost_ZeroUsageIsPriced(t *testing.T) {
	table, _ := NewPricingTable("test", map[string]ModelPricing{"gpt-x": {Prompt: 1, Completion: 1}})
	cost, err := ComputeCost("gpt-x", model.ModelUsage{}, table)
	if err != nil || cost != 0 {
		t.Fatalf("ComputeCost = (%v, %v), want (0, nil)", cost, err)
	}
}

func TestNormalizeModelName(t *testing.T) {
	table, err := NewPricingTable("test", map[string]ModelPricing{
		"gpt-4":             {Prompt: 0.03, Completion: 0.06},
		"gpt-4o":            {Prompt: 0.0025, Completion: 0.01},
		"claude-sonnet-4-5": {Prompt: 0.003, Completion: 0.015},
	})
	if err != nil {
		t.Fatalf("NewPricingTable: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"gpt-4", "gpt-4"},
		{"gpt-4-0613", "gpt-4"},
		{"gpt-4o-2024-08-06", "gpt-4o"},
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5"},
		{"claude-sonnet-4-5-20250929-extra", "claude-sonnet-4-5-20250929-extra"},
		{"unknown-model-20250101", "unknown-model-20250101"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := table.NormalizeModelName(tt.in); got != tt.want {
			t.Errorf("NormalizeModelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadPricing_Bundled(t *testing.T) {
	table, err := LoadPricing("")
	if err != nil {
		t.Fatalf("LoadPricing(bundled): %v", err)
	}
	if table.Source != BundledPricingSource {
		t.Fatalf("Source = %q, want %q", table.Source, BundledPricingSource)
	}
	for _, name := range []string{"gpt-4", "gpt-4o-mini", "gpt-3.5-turbo"} {
		if _, _, ok := table.Lookup(name); !ok {
			t.Errorf("bundled table missing %s", name)
		}
	}
}

func TestLoadPricing_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "p.json", `{"gpt-x": {"prompt": 0.01, "completion": 0.03}}`},
		{"toml", "p.toml", "[gpt-x]\nprompt = 0.01\ncompletion = 0.03\n"},
		{"yaml", "p.yaml", "gpt-x:\n  prompt: 0.01\n  completion: 0.03\n"},
		{"yml", "p.yml", "gpt-x: {prompt: 0.01, completion: 0.03}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := LoadPricing(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadPricing: %v", err)
			}
			p, key, ok := table.Lookup("gpt-x")
			if !ok || key != "gpt-x" {
				t.Fatalf("Lookup(gpt-x) ok=%v key=%q", ok, key)
			}
			if p.Prompt != 0.01 || p.Completion != 0.03 {
				t.Fatalf("pricing = %+v, want prompt 0.01 completion 0.03", p)
			}
		})
	}
}

func TestLoadPricing_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.json") }},
		{"malformed json", func(t *testing.T) string { return writeFile(t, "p.json", "{not json") }},
		{"empty table", func(t *testing.T) string { return writeFile(t, "p.json", "{}") }},
		{"negative rate", func(t *testing.T) string {
			return writeFile(t, "p.json", `{"m": {"prompt": -1, "completion": 0}}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPricing(tt.path(t)); err == nil {
				t.Fatal("LoadPricing returned nil error")
			}
		})
	}
}
