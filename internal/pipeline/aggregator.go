// Package pipeline accumulates usage extracted from intercepted exchanges and
// turns the accumulated totals into cost reports.
package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/theirongolddev/tokmon/internal/model"
)

type entry struct {
	mu    sync.Mutex
	usage model.ModelUsage
}

// Aggregator is the running per-model total for one session. Entries are
// created on first use and never reset or removed.
//
// Record holds the map read lock while it updates a model's entry, and
// Snapshot takes the write lock, so a snapshot never observes a record
// half-applied.
type Aggregator struct {
	mu      sync.RWMutex
	models  map[string]*entry
	records atomic.Uint64
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{models: make(map[string]*entry)}
}

// Record adds rec into its model's totals and returns the new running total
// for that model.
func (a *Aggregator) Record(rec model.UsageRecord) model.ModelUsage {
	name := rec.Model
	if name == "" {
		name = model.UnknownModel
	}

	a.mu.RLock()
	e, ok := a.models[name]
	if !ok {
		a.mu.RUnlock()
		a.mu.Lock()
		if e, ok = a.models[name]; !ok {
			e = &entry{}
			a.models[name] = e
		}
		a.mu.Unlock()
		a.mu.RLock()
	}

	e.mu.Lock()
	e.usage.Add(rec)
	total := e.usage
	e.mu.Unlock()
	a.mu.RUnlock()

	a.records.Add(1)
	return total
}

// Snapshot returns a point-in-time copy of every model's totals.
func (a *Aggregator) Snapshot() model.Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(model.Aggregate, len(a.models))
	for name, e := range a.models {
		out[name] = e.usage
	}
	return out
}

// Records returns how many records have been applied.
func (a *Aggregator) Records() uint64 {
	return a.records.Load()
}
