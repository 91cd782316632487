// Package model defines domain types for tokmon sessions.
package model

import "sort"

// UnknownModel is recorded when neither the response nor the request names a model.
const UnknownModel = "unknown"

// UsageRecord is the token usage reported by one completed exchange.
type UsageRecord struct {
	Model            string
	PromptTokens     uint64
	CompletionTokens uint64
	TotalTokens      uint64
}

// Count is a token count that the API may or may not have reported.
type Count struct {
	Value uint64
	Known bool
}

// Known returns a reported count.
func Known(v uint64) Count {
	return Count{Value: v, Known: true}
}

// NewUsageRecord builds a record from possibly-partial counts. When prompt and
// completion are both reported the total is their sum; when only one of them is
// reported alongside a total, the missing one is derived from the total.
func NewUsageRecord(model string, prompt, completion, total Count) UsageRecord {
	if model == "" {
		model = UnknownModel
	}
	rec := UsageRecord{Model: model}

	switch {
	case prompt.Known && completion.Known:
		rec.PromptTokens = prompt.Value
		rec.CompletionTokens = completion.Value
	case prompt.Known && total.Known:
		rec.PromptTokens = prompt.Value
		rec.CompletionTokens = saturatingSub(total.Value, prompt.Value)
	case completion.Known && total.Known:
		rec.CompletionTokens = completion.Value
		rec.PromptTokens = saturatingSub(total.Value, completion.Value)
	case prompt.Known:
		rec.PromptTokens = prompt.Value
	case completion.Known:
		rec.CompletionTokens = completion.Value
	case total.Known:
		// Nothing to split the total with; keep it as reported.
		rec.TotalTokens = total.Value
		return rec
	}

	rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	return rec
}

// Unsplit returns the part of the total not attributed to prompt or
// completion. Such tokens cannot be priced.
func (r UsageRecord) Unsplit() uint64 {
	return saturatingSub(r.TotalTokens, r.PromptTokens+r.CompletionTokens)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ModelUsage is the running total of usage for a single model.
type ModelUsage struct {
	Requests         uint64
	PromptTokens     uint64
	CompletionTokens uint64
	TotalTokens      uint64
	// UnsplitTokens counts tokens reported only as a total.
	UnsplitTokens    uint64
}

// Add folds one record into the totals.
func (u *ModelUsage) Add(rec UsageRecord) {
	u.Requests++
	u.PromptTokens += rec.PromptTokens
	u.CompletionTokens += rec.CompletionTokens
	u.TotalTokens += rec.TotalTokens
	u.UnsplitTokens += rec.Unsplit()
}

// Merge adds another total into u.
func (u *ModelUsage) Merge(other ModelUsage) {
	u.Requests += other.Requests
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.UnsplitTokens += other.UnsplitTokens
}

// Aggregate maps model name to its accumulated usage. Values returned by the
// aggregator are copies and safe to keep.
type Aggregate map[string]ModelUsage

// Models returns the model names sorted by total tokens, largest first.
func (a Aggregate) Models() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := a[names[i]].TotalTokens, a[names[j]].TotalTokens
		if ti != tj {
			return ti > tj
		}
		return names[i] < names[j]
	})
	return names
}

// Total sums usage across every model.
func (a Aggregate) Total() ModelUsage {
	var total ModelUsage
	for _, u := range a {
		total.Merge(u)
	}
	return total
}

// Dominant returns the model with the most tokens, or "" if empty.
func (a Aggregate) Dominant() string {
	models := a.Models()
	if len(models) == 0 {
		return ""
	}
	return models[0]
}
