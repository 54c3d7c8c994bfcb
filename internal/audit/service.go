package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

// Service is the audit façade: it stamps events, forwards them to a sink and
// answers paged queries from the event store.
type Service struct {
	events store.EventStore
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates an audit service. sink receives every recorded event; pass
// nil to record into events only.
func NewService(events store.EventStore, sink Sink, clk clock.Clock, logger *slog.Logger) *Service {
	if sink == nil {
		sink = NewStoreSink(events)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{events: events, sink: sink, clock: clk, logger: logger}
}

// Record fills a missing id and timestamp and forwards the event.
func (s *Service) Record(ctx context.Context, e model.AuditEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	if err := s.sink.Record(ctx, e); err != nil {
		s.logger.Error("audit record failed", "event_type", e.EventType, "symbol", e.Symbol, "err", err)
		return err
	}
	return nil
}

// LogEvent records an event of the given type with free-form details.
func (s *Service) LogEvent(ctx context.Context, eventType model.EventType, symbol, details string) (model.AuditEvent, error) {
	e := New(s.clock.Now(), eventType, symbol)
	e.Details = details
	return e, s.Record(ctx, e)
}

// Query returns one page of events matching f, newest first.
func (s *Service) Query(ctx context.Context, f model.EventFilter, page model.PageRequest) (model.Page[model.AuditEvent], error) {
	p, err := s.events.FindEvents(ctx, f, page)
	return p, store.Wrap("query audit events", err)
}

func (s *Service) ByTimeRange(ctx context.Context, start, end time.Time, page model.PageRequest) (model.Page[model.AuditEvent], error) {
	return s.Query(ctx, model.EventFilter{Start: start, End: end}, page)
}

func (s *Service) ByType(ctx context.Context, eventType model.EventType, page model.PageRequest) (model.Page[model.AuditEvent], error) {
	return s.Query(ctx, model.EventFilter{EventType: eventType}, page)
}

func (s *Service) BySymbol(ctx context.Context, symbol string, page model.PageRequest) (model.Page[model.AuditEvent], error) {
	return s.Query(ctx, model.EventFilter{Symbol: symbol}, page)
}
