package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atmx/market-maker/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. Used for tests
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	nextRowID int64
	snapshots []model.SnapshotRow
	positions map[string]model.Position
	trades    []model.TradeReport
	risk      []model.RiskAuditRecord
	events    []model.AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Snapshots ---

func (s *MemoryStore) SaveSnapshotRows(_ context.Context, rows []model.SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range rows {
		s.nextRowID++
		rows[i].ID = s.nextRowID
		s.snapshots = append(s.snapshots, rows[i])
	}
	return nil
}

func (s *MemoryStore) FindSnapshotsBetween(_ context.Context, symbol string, start, end time.Time) ([]model.SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.SnapshotRow
	for _, r := range s.snapshots {
		if r.Symbol == symbol && !r.SnapshotTime.Before(start) && !r.SnapshotTime.After(end) {
			rows = append(rows, r)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].PriceLevel != rows[j].PriceLevel {
			return rows[i].PriceLevel < rows[j].PriceLevel
		}
		return rows[i].Side < rows[j].Side
	})
	return rows, nil
}

func (s *MemoryStore) FindLatestSnapshot(_ context.Context, symbol string, marketType model.MarketType) ([]model.SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := func(r model.SnapshotRow) bool {
		return r.Symbol == symbol && (marketType == 0 || r.MarketType == marketType)
	}

	var latest time.Time
	for _, r := range s.snapshots {
		if match(r) && r.SnapshotTime.After(latest) {
			latest = r.SnapshotTime
		}
	}
	if latest.IsZero() {
		return nil, nil
	}

	var rows []model.SnapshotRow
	for _, r := range s.snapshots {
		if match(r) && r.SnapshotTime.Equal(latest) {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (s *MemoryStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	var deleted int64
	for _, r := range s.snapshots {
		if r.SnapshotTime.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.snapshots = kept
	return deleted, nil
}

func (s *MemoryStore) DistinctSources(_ context.Context, symbol string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var sources []string
	for _, r := range s.snapshots {
		if r.Symbol != symbol {
			continue
		}
		if _, ok := seen[r.Source]; ok {
			continue
		}
		seen[r.Source] = struct{}{}
		sources = append(sources, r.Source)
	}
	sort.Strings(sources)
	return sources, nil
}

// --- Positions ---

func (s *MemoryStore) FindPosition(_ context.Context, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.Symbol] = *p
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// --- Trade reports ---

func (s *MemoryStore) SaveTrade(_ context.Context, t *model.TradeReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.trades {
		if s.trades[i].TradeID == t.TradeID {
			s.trades[i] = *t
			return nil
		}
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) FindTrade(_ context.Context, tradeID string) (*model.TradeReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		if t.TradeID == tradeID {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindTradesByQuoteID(_ context.Context, quoteID string) ([]model.TradeReport, error) {
	return s.filterTrades(func(t model.TradeReport) bool { return t.QuoteID == quoteID }), nil
}

func (s *MemoryStore) FindTradesBySymbol(_ context.Context, symbol string) ([]model.TradeReport, error) {
	return s.filterTrades(func(t model.TradeReport) bool { return t.Symbol == symbol }), nil
}

func (s *MemoryStore) FindTradesByStatus(_ context.Context, status model.TradeStatus) ([]model.TradeReport, error) {
	return s.filterTrades(func(t model.TradeReport) bool { return t.Status == status }), nil
}

func (s *MemoryStore) FindTradesBySymbolAndStatus(_ context.Context, symbol string, status model.TradeStatus) ([]model.TradeReport, error) {
	return s.filterTrades(func(t model.TradeReport) bool {
		return t.Symbol == symbol && t.Status == status
	}), nil
}

func (s *MemoryStore) filterTrades(keep func(model.TradeReport) bool) []model.TradeReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeReport
	for _, t := range s.trades {
		if keep(t) {
			result = append(result, t)
		}
	}
	return result
}

// --- Risk audit ---

func (s *MemoryStore) SaveRiskRecord(_ context.Context, r *model.RiskAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.risk = append(s.risk, *r)
	return nil
}

func (s *MemoryStore) FindRiskRecordsBetween(_ context.Context, start, end time.Time) ([]model.RiskAuditRecord, error) {
	return s.filterRisk(func(r model.RiskAuditRecord) bool {
		return r.CheckTime.After(start) && r.CheckTime.Before(end)
	}), nil
}

func (s *MemoryStore) FindRiskRecordsBySymbol(_ context.Context, symbol string) ([]model.RiskAuditRecord, error) {
	return s.filterRisk(func(r model.RiskAuditRecord) bool { return r.Symbol == symbol }), nil
}

func (s *MemoryStore) FindRiskRecordsByResult(_ context.Context, passed bool) ([]model.RiskAuditRecord, error) {
	return s.filterRisk(func(r model.RiskAuditRecord) bool { return r.Passed == passed }), nil
}

func (s *MemoryStore) filterRisk(keep func(model.RiskAuditRecord) bool) []model.RiskAuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RiskAuditRecord
	for _, r := range s.risk {
		if keep(r) {
			result = append(result, r)
		}
	}
	return result
}

// --- Audit events ---

func (s *MemoryStore) SaveEvent(_ context.Context, e *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) FindEvents(_ context.Context, f model.EventFilter, page model.PageRequest) (model.Page[model.AuditEvent], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.AuditEvent
	for _, e := range s.events {
		if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && e.Timestamp.After(f.End) {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Symbol != "" && e.Symbol != f.Symbol {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	result := model.Page[model.AuditEvent]{
		Items:  []model.AuditEvent{},
		Total:  int64(len(matched)),
		Number: page.Number,
		Size:   page.Size,
	}
	if page.Size <= 0 {
		result.Items = matched
		return result, nil
	}
	from := page.Offset()
	if from >= len(matched) {
		return result, nil
	}
	to := min(from+page.Size, len(matched))
	result.Items = matched[from:to]
	return result, nil
}
