package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/model"
)

// Exchange outcomes reported to observers.
const (
	OutcomeRecorded  = "recorded"
	OutcomeNoUsage   = "no_usage"
	OutcomeMalformed = "malformed"
	OutcomeSkipped   = "skipped"
	OutcomeDropped   = "dropped"
)

// Observer receives pipeline events for monitoring or logging. Methods are
// called from connection goroutines and must not block.
type Observer interface {
	// OnExchange is called once per intercepted exchange, captured or not.
	OnExchange(event ExchangeEvent)

	// OnRecord is called after a usage record was applied to the aggregate.
	OnRecord(event RecordEvent)
}

// ExchangeEvent describes one intercepted exchange.
type ExchangeEvent struct {
	ID       string
	Host     string
	Method   string
	Path     string
	Status   int
	Streamed bool
	Bytes    int
	Duration time.Duration
	Outcome  string
	Err      error
}

// RecordEvent describes a usage record and the model total it produced.
type RecordEvent struct {
	ExchangeID string
	Time       time.Time
	Record     model.UsageRecord
	Total      model.ModelUsage
}

// LogObserver logs pipeline events with zap.
type LogObserver struct {
	Logger *zap.Logger
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver creates a LogObserver. If logger is nil, a no-op logger is used.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) OnExchange(e ExchangeEvent) {
	fields := []zap.Field{
		zap.String("exchange_id", e.ID),
		zap.String("host", e.Host),
		zap.String("method", e.Method),
		zap.String("path", e.Path),
		zap.Int("status", e.Status),
		zap.Bool("streamed", e.Streamed),
		zap.Int("bytes", e.Bytes),
		zap.Duration("duration", e.Duration),
		zap.String("outcome", e.Outcome),
	}
	if e.Err != nil {
		o.Logger.Info("exchange not captured", append(fields, zap.Error(e.Err))...)
		return
	}
	o.Logger.Debug("exchange", fields...)
}

func (o *LogObserver) OnRecord(e RecordEvent) {
	o.Logger.Info("usage",
		zap.String("exchange_id", e.ExchangeID),
		zap.String("model", e.Record.Model),
		zap.Uint64("prompt_tokens", e.Record.PromptTokens),
		zap.Uint64("completion_tokens", e.Record.CompletionTokens),
		zap.Uint64("total_tokens", e.Record.TotalTokens),
		zap.Uint64("model_total_tokens", e.Total.TotalTokens),
	)
}
