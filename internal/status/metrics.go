package status

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theirongolddev/tokmon/internal/pipeline"
)

// Metrics exports pipeline events as Prometheus series on a private
// registry, so several sessions in one process never collide.
type Metrics struct {
	reg *prometheus.Registry

	exchanges *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	bytes     prometheus.Counter
}

var _ pipeline.Observer = (*Metrics)(nil)

// NewMetrics registers the tokmon series on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		exchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokmon_exchanges_total",
				Help: "Intercepted exchanges by outcome.",
			},
			[]string{"outcome"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokmon_tokens_total",
				Help: "Tokens recorded by model and kind (prompt, completion, total).",
			},
			[]string{"model", "kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokmon_exchange_duration_seconds",
				Help:    "Time from request to the end of the relayed response.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"streamed"},
		),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokmon_captured_bytes_total",
			Help: "Response bytes captured for extraction.",
		}),
	}
}

func (m *Metrics) OnExchange(e pipeline.ExchangeEvent) {
	m.exchanges.WithLabelValues(e.Outcome).Inc()
	streamed := "false"
	if e.Streamed {
		streamed = "true"
	}
	m.duration.WithLabelValues(streamed).Observe(e.Duration.Seconds())
	m.bytes.Add(float64(e.Bytes))
}

func (m *Metrics) OnRecord(e pipeline.RecordEvent) {
	r := e.Record
	m.tokens.WithLabelValues(r.Model, "prompt").Add(float64(r.PromptTokens))
	m.tokens.WithLabelValues(r.Model, "completion").Add(float64(r.CompletionTokens))
	m.tokens.WithLabelValues(r.Model, "total").Add(float64(r.TotalTokens))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
