// Package monitor records periodic SYSTEM_SNAPSHOT audit events describing the
// state of the books, the quote set and the risk counters.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/risk"
)

// Component labels used as the symbol of snapshot events.
const (
	ComponentOrderBook = "ORDERBOOK"
	ComponentQuote     = "QUOTE"
	ComponentRisk      = "RISK"
	ComponentSystem    = "SYSTEM"
)

// EventLogger records one audit event.
type EventLogger interface {
	LogEvent(ctx context.Context, eventType model.EventType, symbol, details string) (model.AuditEvent, error)
}

type Books interface {
	Books() []book.OrderBook
}

type Quotes interface {
	ActiveCount() int
}

type Risk interface {
	Enabled() bool
	Stats() risk.Stats
}

// Reporter summarizes component state into audit events.
type Reporter struct {
	events EventLogger
	books  Books
	quotes Quotes
	risk   Risk
	logger *slog.Logger
}

// NewReporter creates a reporter. Any of books, quotes and rk may be nil; its
// snapshot then says the component is not running.
func NewReporter(events EventLogger, books Books, quotes Quotes, rk Risk, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{events: events, books: books, quotes: quotes, risk: rk, logger: logger}
}

// Started records that monitoring began.
func (r *Reporter) Started(ctx context.Context) error {
	_, err := r.events.LogEvent(ctx, model.EventConfigurationChanged, ComponentSystem, "system monitor started")
	return err
}

// Snapshot records one SYSTEM_SNAPSHOT per component and an overall event. A
// component whose event cannot be recorded yields an ERROR_OCCURRED event; the
// others are still attempted.
func (r *Reporter) Snapshot(ctx context.Context) error {
	var errs *multierror.Error
	for _, part := range []struct {
		component string
		details   func() string
	}{
		{ComponentOrderBook, r.bookSummary},
		{ComponentQuote, r.quoteSummary},
		{ComponentRisk, r.riskSummary},
	} {
		if err := r.record(ctx, part.component, part.details()); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := r.record(ctx, "", "system snapshot generated"); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// DetailedSnapshot records the depth of every book in one event.
func (r *Reporter) DetailedSnapshot(ctx context.Context) error {
	var b strings.Builder
	b.WriteString("detailed snapshot")
	if r.books != nil {
		for _, ob := range r.books.Books() {
			fmt.Fprintf(&b, "; %s bids=%d asks=%d", ob.Symbol, len(ob.Bids), len(ob.Asks))
			if len(ob.Bids) > 0 {
				fmt.Fprintf(&b, " best_bid=%s", ob.Bids[0].Price)
			}
			if len(ob.Asks) > 0 {
				fmt.Fprintf(&b, " best_ask=%s", ob.Asks[0].Price)
			}
		}
	}
	b.WriteString("; ")
	b.WriteString(r.quoteSummary())
	b.WriteString("; ")
	b.WriteString(r.riskSummary())
	return r.record(ctx, ComponentSystem, b.String())
}

func (r *Reporter) record(ctx context.Context, component, details string) error {
	if _, err := r.events.LogEvent(ctx, model.EventSystemSnapshot, component, details); err != nil {
		r.logger.Error("system snapshot failed", "component", component, "err", err)
		// Best effort: the error event may fail for the same reason.
		_, _ = r.events.LogEvent(ctx, model.EventErrorOccurred, component,
			fmt.Sprintf("error recording %s snapshot: %v", strings.ToLower(component), err))
		return fmt.Errorf("monitor: %s snapshot: %w", component, err)
	}
	return nil
}

func (r *Reporter) bookSummary() string {
	if r.books == nil {
		return "order books not running"
	}
	books := r.books.Books()
	levels := 0
	for _, ob := range books {
		levels += len(ob.Bids) + len(ob.Asks)
	}
	return fmt.Sprintf("order books: symbols=%d levels=%d", len(books), levels)
}

func (r *Reporter) quoteSummary() string {
	if r.quotes == nil {
		return "quote service not running"
	}
	return fmt.Sprintf("quotes: active=%d", r.quotes.ActiveCount())
}

func (r *Reporter) riskSummary() string {
	if r.risk == nil {
		return "risk control not running"
	}
	st := r.risk.Stats()
	return fmt.Sprintf("risk: enabled=%t recent_orders=%d daily_keys=%d position_keys=%d",
		r.risk.Enabled(), st.RecentOrders, len(st.DailyAmounts), len(st.Positions))
}
