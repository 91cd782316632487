package pipeline

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/model"
)

func rec(name string, prompt, completion uint64) model.UsageRecord {
	return model.NewUsageRecord(name, model.Known(prompt), model.Known(completion), model.Count{})
}

func TestAggregator_SumsSameModel(t *testing.T) {
	agg := NewAggregator()
	agg.Record(rec("gpt-x", 100, 50))
	total := agg.Record(rec("gpt-x", 200, 100))

	assert.Equal(t, model.ModelUsage{Requests: 2, PromptTokens: 300, CompletionTokens: 150, TotalTokens: 450}, total)

	snap := agg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, total, snap["gpt-x"])
	assert.Equal(t, uint64(2), agg.Records())
}

func TestAggregator_TracksUnsplitTotals(t *testing.T) {
	agg := NewAggregator()
	agg.Record(model.NewUsageRecord("embed", model.Count{}, model.Count{}, model.Known(30)))
	total := agg.Record(rec("embed", 5, 0))

	assert.Equal(t, model.ModelUsage{Requests: 2, PromptTokens: 5, TotalTokens: 35, UnsplitTokens: 30}, total)
	assert.Equal(t, uint64(30), agg.Snapshot().Total().UnsplitTokens)
}

func TestAggregator_ModelsDoNotMix(t *testing.T) {
	agg := NewAggregator()
	agg.Record(rec("gpt-4", 10, 1))
	agg.Record(rec("gpt-3.5-turbo", 20, 2))
	agg.Record(rec("gpt-4", 30, 3))

	snap := agg.Snapshot()
	assert.Equal(t, uint64(40), snap["gpt-4"].PromptTokens)
	assert.Equal(t, uint64(20), snap["gpt-3.5-turbo"].PromptTokens)
	assert.Equal(t, uint64(2), snap["gpt-4"].Requests)
	assert.Equal(t, []string{"gpt-4", "gpt-3.5-turbo"}, snap.Models())
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	agg := NewAggregator()
	agg.Record(rec("m", 1, 1))
	snap := agg.Snapshot()
	agg.Record(rec("m", 1, 1))

	assert.Equal(t, uint64(1), snap["m"].Requests)
	assert.Equal(t, uint64(2), agg.Snapshot()["m"].Requests)
}

func TestAggregator_ConcurrentRecords(t *testing.T) {
	agg := NewAggregator()
	models := []string{"a", "b", "c"}

	const workers, perWorker = 16, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.Record(rec(models[(w+i)%len(models)], 3, 2))
			}
		}(w)
	}

	// Totals must never decrease between snapshots taken while writers run.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var last uint64
		for i := 0; i < 200; i++ {
			cur := agg.Snapshot().Total()
			assert.GreaterOrEqual(t, cur.TotalTokens, last)
			assert.Equal(t, cur.Requests*5, cur.TotalTokens, "snapshot saw a half-applied record")
			last = cur.TotalTokens
		}
	}()

	wg.Wait()
	<-done

	total := agg.Snapshot().Total()
	assert.Equal(t, uint64(workers*perWorker), total.Requests)
	assert.Equal(t, uint64(workers*perWorker*5), total.TotalTokens)
}

func TestBuildReports(t *testing.T) {
	table, err := config.NewPricingTable("test", map[string]config.ModelPricing{
		"gpt-x": {Prompt: 0.01, Completion: 0.03},
	})
	require.NoError(t, err)

	agg := NewAggregator()
	agg.Record(rec("gpt-x", 100, 50))
	agg.Record(rec("gpt-x", 200, 100))
	agg.Record(rec("mystery", 5, 5))

	sum := BuildReports(agg.Snapshot(), table)
	require.Len(t, sum.Reports, 2)

	priced := sum.Reports[0]
	assert.Equal(t, "gpt-x", priced.Model)
	assert.True(t, priced.Priced())
	// (300/1000 * 0.01) + (150/1000 * 0.03)
	assert.InDelta(t, 0.0075, priced.Cost, 1e-12)
	assert.Equal(t, 1000, priced.RateUnit)

	unpriced := sum.Reports[1]
	assert.Equal(t, "mystery", unpriced.Model)
	assert.False(t, unpriced.Priced())
	assert.True(t, errors.Is(unpriced.Err, config.ErrPricingNotFound))

	assert.Equal(t, 1, sum.Unpriced)
	assert.False(t, math.IsNaN(sum.TotalCost))
	assert.InDelta(t, 0.0075, sum.TotalCost, 1e-12)
}

func TestBuildReports_Empty(t *testing.T) {
	table, err := config.LoadPricing("")
	require.NoError(t, err)
	sum := BuildReports(model.Aggregate{}, table)
	assert.Empty(t, sum.Reports)
	assert.Zero(t, sum.TotalCost)
}
