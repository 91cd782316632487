package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/tokmon/internal/model"
)

// DefaultUnit is the token count that rates are quoted against.
const DefaultUnit = 1000

// BundledPricingSource names the pricing table compiled into the binary.
const BundledPricingSource = "bundled"

//go:embed pricing.json
var bundledPricing []byte

// ErrPricingNotFound is returned when a model has no entry in the pricing table.
var ErrPricingNotFound = errors.New("config: pricing not found")

// PricingError reports the model that could not be priced.
type PricingError struct {
	Model string
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("pricing not found for model %q", e.Model)
}

// Unwrap makes errors.Is(err, ErrPricingNotFound) work.
func (e *PricingError) Unwrap() error {
	return ErrPricingNotFound
}

// ModelPricing holds the rates for one model, in USD per Unit tokens.
type ModelPricing struct {
	Prompt     float64 `json:"prompt" toml:"prompt" yaml:"prompt"`
	Completion float64 `json:"completion" toml:"completion" yaml:"completion"`
	Unit       int     `json:"unit,omitempty" toml:"unit,omitempty" yaml:"unit,omitempty"`
}

// UnitSize returns the token count the rates apply to.
func (p ModelPricing) UnitSize() float64 {
	if p.Unit <= 0 {
		return DefaultUnit
	}
	return float64(p.Unit)
}

// PricingTable maps model names to rates. It is read-only after loading.
type PricingTable struct {
	Source string
	models map[string]ModelPricing
}

// NewPricingTable builds a table from an in-memory map.
func NewPricingTable(source string, models map[string]ModelPricing) (*PricingTable, error) {
	t := &PricingTable{Source: source, models: make(map[string]ModelPricing, len(models))}
	for name, p := range models {
		t.models[name] = p
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadPricing reads a pricing table from path, or the bundled table when path
// is empty. The format follows the file extension (.json, .toml, .yaml/.yml).
func LoadPricing(path string) (*PricingTable, error) {
	if path == "" {
		return parsePricing(BundledPricingSource, ".json", bundledPricing)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	return parsePricing(path, strings.ToLower(filepath.Ext(path)), data)
}

func parsePricing(source, ext string, data []byte) (*PricingTable, error) {
	models := map[string]ModelPricing{}

	var err error
	switch ext {
	case ".toml":
		_, err = toml.Decode(string(data), &models)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &models)
	default:
		err = json.Unmarshal(data, &models)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing pricing file %s: %w", source, err)
	}

	return NewPricingTable(source, models)
}

// Validate rejects empty tables and negative or non-finite rates.
func (t *PricingTable) Validate() error {
	if len(t.models) == 0 {
		return fmt.Errorf("pricing table %s: no models", t.Source)
	}
	for name, p := range t.models {
		for _, rate := range []float64{p.Prompt, p.Completion} {
			if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
				return fmt.Errorf("pricing table %s: model %q has invalid rate %v", t.Source, name, rate)
			}
		}
		if p.Unit < 0 {
			return fmt.Errorf("pricing table %s: model %q has negative unit", t.Source, name)
		}
	}
	return nil
}

// Models returns the priced model names in sorted order.
func (t *PricingTable) Models() []string {
	names := make([]string, 0, len(t.models))
	for name := range t.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the pricing for a model, normalizing the name first. The
// second return value is the table key that matched.
func (t *PricingTable) Lookup(name string) (ModelPricing, string, bool) {
	key := t.NormalizeModelName(name)
	p, ok := t.models[key]
	return p, key, ok
}

// NormalizeModelName strips date and snapshot suffixes from model identifiers
// when the bare name is priced and the full one is not.
// e.g., "claude-sonnet-4-5-20250929" -> "claude-sonnet-4-5",
// "gpt-4o-2024-08-06" -> "gpt-4o".
func (t *PricingTable) NormalizeModelName(raw string) string {
	if _, ok := t.models[raw]; ok {
		return raw
	}

	parts := strings.Split(raw, "-")

	// ISO dated snapshot: name-YYYY-MM-DD
	if n := len(parts); n >= 4 &&
		isAllDigits(parts[n-3]) && len(parts[n-3]) == 4 &&
		isAllDigits(parts[n-2]) && len(parts[n-2]) == 2 &&
		isAllDigits(parts[n-1]) && len(parts[n-1]) == 2 {
		candidate := strings.Join(parts[:n-3], "-")
		if _, ok := t.models[candidate]; ok {
			return candidate
		}
	}

	// Compact snapshot: name-20250929 or name-0613
	if n := len(parts); n >= 2 {
		last := parts[n-1]
		if isAllDigits(last) && len(last) >= 4 {
			candidate := strings.Join(parts[:n-1], "-")
			if _, ok := t.models[candidate]; ok {
				return candidate
			}
		}
	}

	return raw
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ComputeCost returns the cost in USD of usage billed at the model's rates.
// An unpriced model fails with a *PricingError rather than costing zero.
func ComputeCost(name string, usage model.ModelUsage, table *PricingTable) (float64, error) {
	if table == nil {
		return 0, &PricingError{Model: name}
	}
	p, _, ok := table.Lookup(name)
	if !ok {
		return 0, &PricingError{Model: name}
	}
	return CostOf(p, usage), nil
}

// CostOf applies rates to usage: sum of tokens / unit x rate per category.
func CostOf(p ModelPricing, usage model.ModelUsage) float64 {
	unit := p.UnitSize()
	cost := float64(usage.PromptTokens) / unit * p.Prompt
	cost += float64(usage.CompletionTokens) / unit * p.Completion
	return cost
}
