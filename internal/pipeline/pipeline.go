package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/extract"
	"github.com/theirongolddev/tokmon/internal/model"
)

// Pipeline takes completed exchanges from the proxy, extracts usage, applies
// it to the aggregate and notifies observers. It is safe for concurrent use.
type Pipeline struct {
	agg       *Aggregator
	extractor *extract.Extractor
	log       *zap.Logger
	observers []Observer
	now       func() time.Time
}

// New creates a Pipeline feeding agg.
func New(agg *Aggregator, extractor *extract.Extractor, log *zap.Logger, observers ...Observer) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if extractor == nil {
		extractor = extract.New(log)
	}
	return &Pipeline{
		agg:       agg,
		extractor: extractor,
		log:       log,
		observers: observers,
		now:       time.Now,
	}
}

// HandleExchange extracts and records the usage of a fully captured exchange.
func (p *Pipeline) HandleExchange(ex *model.Exchange) {
	rec, status := p.extractor.Extract(ex)

	event := exchangeEvent(ex)
	switch status {
	case extract.Recorded:
		event.Outcome = OutcomeRecorded
	case extract.NoUsage:
		event.Outcome = OutcomeNoUsage
	case extract.Malformed:
		event.Outcome = OutcomeMalformed
	default:
		event.Outcome = OutcomeSkipped
	}

	if status == extract.Recorded {
		if n := rec.Unsplit(); n > 0 {
			p.log.Warn("usage reported as a total only, excluded from cost",
				zap.String("exchange_id", ex.ID),
				zap.String("model", rec.Model),
				zap.Uint64("total_tokens", n))
		}
		total := p.agg.Record(rec)
		re := RecordEvent{ExchangeID: ex.ID, Time: p.now(), Record: rec, Total: total}
		for _, o := range p.observers {
			o.OnRecord(re)
		}
	}

	for _, o := range p.observers {
		o.OnExchange(event)
	}
}

// HandleDropped notes an exchange whose capture did not complete. Nothing is
// recorded for it.
func (p *Pipeline) HandleDropped(ex *model.Exchange, reason error) {
	event := exchangeEvent(ex)
	event.Outcome = OutcomeDropped
	event.Err = reason
	for _, o := range p.observers {
		o.OnExchange(event)
	}
}

// Snapshot returns the aggregate's current totals.
func (p *Pipeline) Snapshot() model.Aggregate {
	return p.agg.Snapshot()
}

func exchangeEvent(ex *model.Exchange) ExchangeEvent {
	return ExchangeEvent{
		ID:       ex.ID,
		Host:     ex.Host,
		Method:   ex.Method,
		Path:     ex.Path,
		Status:   ex.Status,
		Streamed: ex.Streamed(),
		Bytes:    len(ex.ResponseBody),
		Duration: ex.Duration,
	}
}
