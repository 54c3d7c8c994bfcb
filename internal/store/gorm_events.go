package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atmx/market-maker/internal/model"
)

// eventRow is the GORM mapping of model.AuditEvent.
type eventRow struct {
	EventID         string    `gorm:"column:event_id;primaryKey;type:varchar(64)"`
	Timestamp       time.Time `gorm:"column:timestamp;not null;index"`
	EventType       string    `gorm:"column:event_type;type:varchar(32);not null;index:idx_audit_events_type_symbol"`
	Symbol          string    `gorm:"column:symbol;type:varchar(32);index:idx_audit_events_type_symbol"`
	QuoteID         string    `gorm:"column:quote_id;type:varchar(64)"`
	OrderID         string    `gorm:"column:order_id;type:varchar(64)"`
	TradeID         string    `gorm:"column:trade_id;type:varchar(64)"`
	Details         string    `gorm:"column:details;type:text"`
	RiskCheckResult string    `gorm:"column:risk_check_result;type:text"`
}

func (eventRow) TableName() string { return "audit_events" }

// GormEventStore implements EventStore with GORM on PostgreSQL.
type GormEventStore struct {
	db *gorm.DB
}

// OpenGormEventStore connects to dsn with the GORM postgres driver.
func OpenGormEventStore(dsn string) (*GormEventStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit event db: %w", err)
	}
	return NewGormEventStore(db), nil
}

// NewGormEventStore wraps an existing GORM handle.
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

var _ EventStore = (*GormEventStore)(nil)

// Migrate creates or updates the audit_events table.
func (s *GormEventStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&eventRow{})
}

// Close releases the underlying connection pool.
func (s *GormEventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormEventStore) SaveEvent(ctx context.Context, e *model.AuditEvent) error {
	row := eventRow{
		EventID:         e.EventID,
		Timestamp:       e.Timestamp,
		EventType:       string(e.EventType),
		Symbol:          e.Symbol,
		QuoteID:         e.QuoteID,
		OrderID:         e.OrderID,
		TradeID:         e.TradeID,
		Details:         e.Details,
		RiskCheckResult: e.RiskCheckResult,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save audit event %s: %w", e.EventID, err)
	}
	return nil
}

func (s *GormEventStore) FindEvents(ctx context.Context, f model.EventFilter, page model.PageRequest) (model.Page[model.AuditEvent], error) {
	q := s.db.WithContext(ctx).Model(&eventRow{})
	if !f.Start.IsZero() {
		q = q.Where("timestamp >= ?", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("timestamp <= ?", f.End)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", string(f.EventType))
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}

	result := model.Page[model.AuditEvent]{Number: page.Number, Size: page.Size}
	if err := q.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		return result, fmt.Errorf("count audit events: %w", err)
	}

	var rows []eventRow
	q = q.Session(&gorm.Session{}).Order("timestamp DESC")
	if page.Size > 0 {
		q = q.Offset(page.Offset()).Limit(page.Size)
	}
	if err := q.Find(&rows).Error; err != nil {
		return result, fmt.Errorf("find audit events: %w", err)
	}

	result.Items = make([]model.AuditEvent, 0, len(rows))
	for _, r := range rows {
		result.Items = append(result.Items, model.AuditEvent{
			EventID:         r.EventID,
			Timestamp:       r.Timestamp,
			EventType:       model.EventType(r.EventType),
			Symbol:          r.Symbol,
			QuoteID:         r.QuoteID,
			OrderID:         r.OrderID,
			TradeID:         r.TradeID,
			Details:         r.Details,
			RiskCheckResult: r.RiskCheckResult,
		})
	}
	return result, nil
}
