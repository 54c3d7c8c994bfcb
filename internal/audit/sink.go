// Package audit records business events. Engines hand events to a Sink; the
// Service adds stamping and the paged query surface on top of the event store.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

// ErrInvalidEvent is returned for events without a type.
var ErrInvalidEvent = errors.New("audit: event type is required")

// Sink accepts audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e model.AuditEvent) error
}

// New builds an event with a fresh id stamped at now.
func New(now time.Time, eventType model.EventType, symbol string) model.AuditEvent {
	return model.AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: now,
		EventType: eventType,
		Symbol:    symbol,
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, model.AuditEvent) error { return nil }

// StoreSink appends events to an EventStore.
type StoreSink struct {
	events store.EventStore
}

// NewStoreSink creates a sink backed by events.
func NewStoreSink(events store.EventStore) *StoreSink {
	return &StoreSink{events: events}
}

func (s *StoreSink) Record(ctx context.Context, e model.AuditEvent) error {
	if e.EventType == "" {
		return ErrInvalidEvent
	}
	return store.Wrap("save audit event", s.events.SaveEvent(ctx, &e))
}

// Multi fans an event out to every sink. All sinks are attempted; failures are
// combined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e model.AuditEvent) error {
	var errs *multierror.Error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
