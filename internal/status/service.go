// Package status serves a live view of a running session over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/pipeline"
)

// Source provides the current aggregate.
type Source interface {
	Snapshot() model.Aggregate
}

// Config controls the status service.
type Config struct {
	Invocation   model.Invocation
	Pricing      *config.PricingTable
	EventsBuffer int
	Logger       *zap.Logger
}

// Event is published for every usage record.
type Event struct {
	ID               int64     `json:"id"`
	Type             string    `json:"type"`
	Timestamp        time.Time `json:"timestamp"`
	ExchangeID       string    `json:"exchange_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     uint64    `json:"prompt_tokens"`
	CompletionTokens uint64    `json:"completion_tokens"`
	TotalTokens      uint64    `json:"total_tokens"`
	ModelTotalTokens uint64    `json:"model_total_tokens"`
}

// ModelStatus is one priced row of the current aggregate.
type ModelStatus struct {
	Model            string  `json:"model"`
	PricedAs         string  `json:"priced_as,omitempty"`
	Requests         uint64  `json:"requests"`
	PromptTokens     uint64  `json:"prompt_tokens"`
	CompletionTokens uint64  `json:"completion_tokens"`
	TotalTokens      uint64  `json:"total_tokens"`
	UnsplitTokens    uint64  `json:"unsplit_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	PricingError     string  `json:"pricing_error,omitempty"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time        `json:"started_at"`
	Command         string           `json:"command"`
	PricingSource   string           `json:"pricing_source,omitempty"`
	Exchanges       map[string]int64 `json:"exchanges"`
	Models          []ModelStatus    `json:"models"`
	TotalTokens     uint64           `json:"total_tokens"`
	TotalCostUSD    float64          `json:"total_cost_usd"`
	Unpriced        int              `json:"unpriced"`
	EventCount      int              `json:"event_count"`
	SubscriberCount int              `json:"subscriber_count"`
}

// Service is a pipeline observer that keeps recent events and serves them
// with the current aggregate.
type Service struct {
	cfg     Config
	source  Source
	metrics *Metrics
	log     *zap.Logger

	mu          sync.RWMutex
	startedAt   time.Time
	exchanges   map[string]int64
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

var _ pipeline.Observer = (*Service)(nil)

// New returns a status service reading aggregates from source.
func New(cfg Config, source Source, metrics *Metrics) *Service {
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Service{
		cfg:       cfg,
		source:    source,
		metrics:   metrics,
		log:       cfg.Logger,
		startedAt: time.Now(),
		exchanges: make(map[string]int64),
		subs:      make(map[int]chan Event),
	}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Run serves the API on ln until ctx is canceled.
func (s *Service) Run(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("status API listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("status http server: %w", err)
	}
}

func (s *Service) OnExchange(e pipeline.ExchangeEvent) {
	s.mu.Lock()
	s.exchanges[e.Outcome]++
	s.mu.Unlock()
	s.metrics.OnExchange(e)
}

func (s *Service) OnRecord(e pipeline.RecordEvent) {
	s.metrics.OnRecord(e)

	s.mu.Lock()
	s.nextEventID++
	ev := Event{
		ID:               s.nextEventID,
		Type:             "usage",
		Timestamp:        e.Time,
		ExchangeID:       e.ExchangeID,
		Model:            e.Record.Model,
		PromptTokens:     e.Record.PromptTokens,
		CompletionTokens: e.Record.CompletionTokens,
		TotalTokens:      e.Record.TotalTokens,
		ModelTotalTokens: e.Total.TotalTokens,
	}
	s.mu.Unlock()

	s.publishEvent(ev)
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	snap := s.source.Snapshot()
	st := Status{
		StartedAt: s.startedAt,
		Command:   s.cfg.Invocation.String(),
		Models:    []ModelStatus{},
	}

	if s.cfg.Pricing != nil {
		st.PricingSource = s.cfg.Pricing.Source
		sum := pipeline.BuildReports(snap, s.cfg.Pricing)
		for _, r := range sum.Reports {
			ms := modelStatus(r.Model, r.Usage)
			ms.PricedAs = r.PricedAs
			ms.CostUSD = r.Cost
			if r.Err != nil {
				ms.PricingError = r.Err.Error()
			}
			st.Models = append(st.Models, ms)
		}
		st.TotalCostUSD = sum.TotalCost
		st.Unpriced = sum.Unpriced
	} else {
		for _, name := range snap.Models() {
			st.Models = append(st.Models, modelStatus(name, snap[name]))
		}
	}
	st.TotalTokens = snap.Total().TotalTokens

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.Exchanges = make(map[string]int64, len(s.exchanges))
	for k, v := range s.exchanges {
		st.Exchanges[k] = v
	}
	st.EventCount = len(s.events)
	st.SubscriberCount = len(s.subs)
	return st
}

func modelStatus(name string, u model.ModelUsage) ModelStatus {
	return ModelStatus{
		Model:            name,
		Requests:         u.Requests,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		UnsplitTokens:    u.UnsplitTokens,
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Start with the current totals.
	writeSSE(w, "status", s.snapshotStatus())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", name)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
