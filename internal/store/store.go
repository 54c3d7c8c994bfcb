// Package store defines the persistence ports consumed by the engines.
// Implementations: PostgreSQL (pgx) for the core tables, GORM for audit events,
// a Redis read-through cache for positions, and an in-memory store for tests
// and development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/market-maker/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// PersistenceError wraps a port failure with the operation that failed. It is
// the only error kind that propagates out of the engines.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Wrap tags err as a PersistenceError for op. It returns nil for nil and leaves
// an existing PersistenceError untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// SnapshotStore persists order-book snapshot rows.
type SnapshotStore interface {
	// SaveSnapshotRows appends the rows of one snapshot atomically: either all
	// rows are stored or none are. The store assigns each row's ID.
	SaveSnapshotRows(ctx context.Context, rows []model.SnapshotRow) error

	// FindSnapshotsBetween returns rows for symbol with start <= snapshot_time <= end,
	// ordered by price level then side.
	FindSnapshotsBetween(ctx context.Context, symbol string, start, end time.Time) ([]model.SnapshotRow, error)

	// FindLatestSnapshot returns the rows sharing the newest snapshot_time for
	// symbol. A zero marketType matches any market type.
	FindLatestSnapshot(ctx context.Context, symbol string, marketType model.MarketType) ([]model.SnapshotRow, error)

	// DeleteSnapshotsBefore prunes rows older than cutoff and returns the count.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DistinctSources lists the sources that ever contributed to symbol.
	DistinctSources(ctx context.Context, symbol string) ([]string, error)
}

// PositionStore persists positions.
type PositionStore interface {
	// FindPosition returns ErrNotFound when the symbol has no row.
	FindPosition(ctx context.Context, symbol string) (*model.Position, error)

	// SavePosition inserts or replaces the position for its symbol.
	SavePosition(ctx context.Context, p *model.Position) error

	// ListPositions returns every stored position.
	ListPositions(ctx context.Context) ([]model.Position, error)
}

// TradeStore persists trade reports.
type TradeStore interface {
	SaveTrade(ctx context.Context, t *model.TradeReport) error

	// FindTrade returns ErrNotFound when no report has tradeID.
	FindTrade(ctx context.Context, tradeID string) (*model.TradeReport, error)

	FindTradesByQuoteID(ctx context.Context, quoteID string) ([]model.TradeReport, error)
	FindTradesBySymbol(ctx context.Context, symbol string) ([]model.TradeReport, error)
	FindTradesByStatus(ctx context.Context, status model.TradeStatus) ([]model.TradeReport, error)
	FindTradesBySymbolAndStatus(ctx context.Context, symbol string, status model.TradeStatus) ([]model.TradeReport, error)
}

// RiskAuditStore persists risk check records.
type RiskAuditStore interface {
	SaveRiskRecord(ctx context.Context, r *model.RiskAuditRecord) error

	// FindRiskRecordsBetween uses exclusive bounds: start < check_time < end.
	FindRiskRecordsBetween(ctx context.Context, start, end time.Time) ([]model.RiskAuditRecord, error)
	FindRiskRecordsBySymbol(ctx context.Context, symbol string) ([]model.RiskAuditRecord, error)
	FindRiskRecordsByResult(ctx context.Context, passed bool) ([]model.RiskAuditRecord, error)
}

// EventStore persists audit events.
type EventStore interface {
	SaveEvent(ctx context.Context, e *model.AuditEvent) error

	// FindEvents returns one page of events matching filter, newest first.
	FindEvents(ctx context.Context, filter model.EventFilter, page model.PageRequest) (model.Page[model.AuditEvent], error)
}

// Store aggregates every persistence surface.
type Store interface {
	SnapshotStore
	PositionStore
	TradeStore
	RiskAuditStore
	EventStore
}

// Composite assembles a Store from independent adapters, e.g. pgx for the core
// tables and GORM for audit events.
type Composite struct {
	SnapshotStore
	PositionStore
	TradeStore
	RiskAuditStore
	EventStore
}

var _ Store = Composite{}
