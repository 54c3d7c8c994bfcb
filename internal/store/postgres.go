package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
)

// PostgresStore implements the snapshot, position, trade and risk-audit ports on
// PostgreSQL. Decimals are written as NUMERIC from their string form and read
// back as TEXT so no precision is lost on the way.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var (
	_ SnapshotStore  = (*PostgresStore)(nil)
	_ PositionStore  = (*PostgresStore)(nil)
	_ TradeStore     = (*PostgresStore)(nil)
	_ RiskAuditStore = (*PostgresStore)(nil)
)

// --- Snapshots ---

type snapshotRecord struct {
	ID           int64     `db:"id"`
	Symbol       string    `db:"symbol"`
	MarketType   int       `db:"market_type"`
	Source       string    `db:"source"`
	Side         int       `db:"side"`
	PriceLevel   int       `db:"price_level"`
	Price        string    `db:"price"`
	Quantity     string    `db:"quantity"`
	SnapshotTime time.Time `db:"snapshot_time"`
}

const snapshotColumns = `id, symbol, market_type, source, side, price_level,
	price::TEXT AS price, quantity::TEXT AS quantity, snapshot_time`

const insertSnapshotRow = `INSERT INTO order_book_snapshots
	     (symbol, market_type, source, side, price_level, price, quantity, snapshot_time)
	 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)
	 RETURNING id`

// SaveSnapshotRows inserts every row in one transaction so a failed write
// never leaves a partial snapshot behind.
func (s *PostgresStore) SaveSnapshotRows(ctx context.Context, rows []model.SnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]int64, len(rows))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i := range rows {
			row := &rows[i]
			batch.Queue(insertSnapshotRow,
				row.Symbol, int(row.MarketType), row.Source, int(row.Side), row.PriceLevel,
				row.Price.String(), row.Quantity.String(), row.SnapshotTime,
			).QueryRow(func(r pgx.Row) error { return r.Scan(&ids[i]) })
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s (%d rows): %w", rows[0].Symbol, len(rows), err)
	}
	for i := range rows {
		rows[i].ID = ids[i]
	}
	return nil
}

func (s *PostgresStore) FindSnapshotsBetween(ctx context.Context, symbol string, start, end time.Time) ([]model.SnapshotRow, error) {
	var recs []snapshotRecord
	err := pgxscan.Select(ctx, s.pool, &recs,
		`SELECT `+snapshotColumns+`
		 FROM order_book_snapshots
		 WHERE symbol = $1 AND snapshot_time BETWEEN $2 AND $3
		 ORDER BY price_level, side`, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("find snapshots %s: %w", symbol, err)
	}
	return toSnapshotRows(recs)
}

func (s *PostgresStore) FindLatestSnapshot(ctx context.Context, symbol string, marketType model.MarketType) ([]model.SnapshotRow, error) {
	var recs []snapshotRecord
	err := pgxscan.Select(ctx, s.pool, &recs,
		`SELECT `+snapshotColumns+`
		 FROM order_book_snapshots
		 WHERE symbol = $1 AND ($2 = 0 OR market_type = $2)
		   AND snapshot_time = (
		       SELECT MAX(snapshot_time) FROM order_book_snapshots
		       WHERE symbol = $1 AND ($2 = 0 OR market_type = $2))
		 ORDER BY side, price_level`, symbol, int(marketType))
	if err != nil {
		return nil, fmt.Errorf("find latest snapshot %s: %w", symbol, err)
	}
	return toSnapshotRows(recs)
}

func (s *PostgresStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM order_book_snapshots WHERE snapshot_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DistinctSources(ctx context.Context, symbol string) ([]string, error) {
	var sources []string
	err := pgxscan.Select(ctx, s.pool, &sources,
		`SELECT DISTINCT source FROM order_book_snapshots WHERE symbol = $1 ORDER BY source`, symbol)
	if err != nil {
		return nil, fmt.Errorf("distinct sources %s: %w", symbol, err)
	}
	return sources, nil
}

func toSnapshotRows(recs []snapshotRecord) ([]model.SnapshotRow, error) {
	rows := make([]model.SnapshotRow, 0, len(recs))
	for _, r := range recs {
		side, err := model.SideFromCode(r.Side)
		if err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot price: %w", err)
		}
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot quantity: %w", err)
		}
		rows = append(rows, model.SnapshotRow{
			ID:           r.ID,
			Symbol:       r.Symbol,
			MarketType:   model.MarketType(r.MarketType),
			Source:       r.Source,
			Side:         side,
			PriceLevel:   r.PriceLevel,
			Price:        price,
			Quantity:     qty,
			SnapshotTime: r.SnapshotTime,
		})
	}
	return rows, nil
}

// --- Positions ---

type positionRecord struct {
	Symbol    string    `db:"symbol"`
	Quantity  string    `db:"quantity"`
	AvgCost   string    `db:"avg_cost"`
	FrozenQty string    `db:"frozen_qty"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const positionColumns = `symbol, quantity::TEXT AS quantity, avg_cost::TEXT AS avg_cost,
	frozen_qty::TEXT AS frozen_qty, created_at, updated_at`

func (s *PostgresStore) FindPosition(ctx context.Context, symbol string) (*model.Position, error) {
	var rec positionRecord
	err := pgxscan.Get(ctx, s.pool, &rec,
		`SELECT `+positionColumns+` FROM positions WHERE symbol = $1`, symbol)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	p, err := rec.toModel()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (symbol, quantity, avg_cost, frozen_qty, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (symbol) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost,
		     frozen_qty = EXCLUDED.frozen_qty, updated_at = EXCLUDED.updated_at`,
		p.Symbol, p.Quantity.String(), p.AvgCost.String(), p.FrozenQty.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	var recs []positionRecord
	if err := pgxscan.Select(ctx, s.pool, &recs,
		`SELECT `+positionColumns+` FROM positions ORDER BY symbol`); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	positions := make([]model.Position, 0, len(recs))
	for _, rec := range recs {
		p, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func (r positionRecord) toModel() (model.Position, error) {
	var p model.Position
	var err error
	p.Symbol = r.Symbol
	p.CreatedAt = r.CreatedAt
	p.UpdatedAt = r.UpdatedAt
	if p.Quantity, err = decimal.NewFromString(r.Quantity); err != nil {
		return p, fmt.Errorf("parse position quantity: %w", err)
	}
	if p.AvgCost, err = decimal.NewFromString(r.AvgCost); err != nil {
		return p, fmt.Errorf("parse position avg cost: %w", err)
	}
	if p.FrozenQty, err = decimal.NewFromString(r.FrozenQty); err != nil {
		return p, fmt.Errorf("parse position frozen qty: %w", err)
	}
	return p, nil
}

// --- Trade reports ---

type tradeRecord struct {
	TradeID       string    `db:"trade_id"`
	QuoteID       string    `db:"quote_id"`
	Symbol        string    `db:"symbol"`
	Side          *string   `db:"side"`
	Price         string    `db:"price"`
	Quantity      string    `db:"quantity"`
	Status        string    `db:"status"`
	Fee           string    `db:"fee"`
	Slippage      string    `db:"slippage"`
	Reason        string    `db:"reason"`
	ExecutionTime time.Time `db:"execution_time"`
}

const tradeColumns = `trade_id, quote_id, symbol, side, price::TEXT AS price,
	quantity::TEXT AS quantity, status, fee::TEXT AS fee, slippage::TEXT AS slippage,
	reason, execution_time`

func (s *PostgresStore) SaveTrade(ctx context.Context, t *model.TradeReport) error {
	var side *string
	if t.Side.Valid() {
		str := t.Side.String()
		side = &str
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_reports
		     (trade_id, quote_id, symbol, side, price, quantity, status, fee, slippage, reason, execution_time)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 ON CONFLICT (trade_id) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason`,
		t.TradeID, t.QuoteID, t.Symbol, side,
		t.Price.String(), t.Quantity.String(), string(t.Status),
		t.Fee.String(), t.Slippage.String(), t.Reason, t.ExecutionTime,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (s *PostgresStore) FindTrade(ctx context.Context, tradeID string) (*model.TradeReport, error) {
	var rec tradeRecord
	err := pgxscan.Get(ctx, s.pool, &rec,
		`SELECT `+tradeColumns+` FROM trade_reports WHERE trade_id = $1`, tradeID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trade %s: %w", tradeID, err)
	}
	t, err := rec.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) FindTradesByQuoteID(ctx context.Context, quoteID string) ([]model.TradeReport, error) {
	return s.selectTrades(ctx, "trades by quote "+quoteID, `quote_id = $1`, quoteID)
}

func (s *PostgresStore) FindTradesBySymbol(ctx context.Context, symbol string) ([]model.TradeReport, error) {
	return s.selectTrades(ctx, "trades by symbol "+symbol, `symbol = $1`, symbol)
}

func (s *PostgresStore) FindTradesByStatus(ctx context.Context, status model.TradeStatus) ([]model.TradeReport, error) {
	return s.selectTrades(ctx, "trades by status "+string(status), `status = $1`, string(status))
}

func (s *PostgresStore) FindTradesBySymbolAndStatus(ctx context.Context, symbol string, status model.TradeStatus) ([]model.TradeReport, error) {
	return s.selectTrades(ctx, "trades by symbol and status "+symbol,
		`symbol = $1 AND status = $2`, symbol, string(status))
}

func (s *PostgresStore) selectTrades(ctx context.Context, op, where string, args ...any) ([]model.TradeReport, error) {
	var recs []tradeRecord
	if err := pgxscan.Select(ctx, s.pool, &recs,
		`SELECT `+tradeColumns+` FROM trade_reports WHERE `+where+` ORDER BY execution_time`, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	trades := make([]model.TradeReport, 0, len(recs))
	for _, rec := range recs {
		t, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (r tradeRecord) toModel() (model.TradeReport, error) {
	t := model.TradeReport{
		TradeID:       r.TradeID,
		QuoteID:       r.QuoteID,
		Symbol:        r.Symbol,
		Status:        model.TradeStatus(r.Status),
		Reason:        r.Reason,
		ExecutionTime: r.ExecutionTime,
	}
	if r.Side != nil {
		side, err := model.ParseSide(*r.Side)
		if err != nil {
			return t, err
		}
		t.Side = side
	}
	var err error
	if t.Price, err = decimal.NewFromString(r.Price); err != nil {
		return t, fmt.Errorf("parse trade price: %w", err)
	}
	if t.Quantity, err = decimal.NewFromString(r.Quantity); err != nil {
		return t, fmt.Errorf("parse trade quantity: %w", err)
	}
	if t.Fee, err = decimal.NewFromString(r.Fee); err != nil {
		return t, fmt.Errorf("parse trade fee: %w", err)
	}
	if t.Slippage, err = decimal.NewFromString(r.Slippage); err != nil {
		return t, fmt.Errorf("parse trade slippage: %w", err)
	}
	return t, nil
}

// --- Risk audit ---

type riskRecord struct {
	LogID          string    `db:"log_id"`
	CheckTime      time.Time `db:"check_time"`
	TradeID        string    `db:"trade_id"`
	QuoteID        string    `db:"quote_id"`
	Symbol         string    `db:"symbol"`
	Side           *string   `db:"side"`
	Price          string    `db:"price"`
	Quantity       string    `db:"quantity"`
	RuleType       string    `db:"rule_type"`
	Passed         bool      `db:"passed"`
	Reason         string    `db:"reason"`
	UserID         string    `db:"user_id"`
	ClientIP       string    `db:"client_ip"`
	ConfigSnapshot string    `db:"config_snapshot"`
}

const riskColumns = `log_id, check_time, trade_id, quote_id, symbol, side,
	price::TEXT AS price, quantity::TEXT AS quantity, rule_type, passed, reason,
	user_id, client_ip, config_snapshot`

func (s *PostgresStore) SaveRiskRecord(ctx context.Context, r *model.RiskAuditRecord) error {
	var side *string
	if r.Side.Valid() {
		str := r.Side.String()
		side = &str
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_audit_logs
		     (log_id, check_time, trade_id, quote_id, symbol, side, price, quantity, amount,
		      rule_type, passed, reason, user_id, client_ip, config_snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10, $11, $12, $13, $14, $15)`,
		r.LogID, r.CheckTime, r.TradeID, r.QuoteID, r.Symbol, side,
		r.Price.String(), r.Quantity.String(), r.Amount().String(),
		r.RuleType, r.Passed, r.Reason, r.UserID, r.ClientIP, r.ConfigSnapshot,
	)
	if err != nil {
		return fmt.Errorf("save risk record %s: %w", r.LogID, err)
	}
	return nil
}

func (s *PostgresStore) FindRiskRecordsBetween(ctx context.Context, start, end time.Time) ([]model.RiskAuditRecord, error) {
	return s.selectRisk(ctx, "risk records between", `check_time > $1 AND check_time < $2`, start, end)
}

func (s *PostgresStore) FindRiskRecordsBySymbol(ctx context.Context, symbol string) ([]model.RiskAuditRecord, error) {
	return s.selectRisk(ctx, "risk records by symbol "+symbol, `symbol = $1`, symbol)
}

func (s *PostgresStore) FindRiskRecordsByResult(ctx context.Context, passed bool) ([]model.RiskAuditRecord, error) {
	return s.selectRisk(ctx, "risk records by result", `passed = $1`, passed)
}

func (s *PostgresStore) selectRisk(ctx context.Context, op, where string, args ...any) ([]model.RiskAuditRecord, error) {
	var recs []riskRecord
	if err := pgxscan.Select(ctx, s.pool, &recs,
		`SELECT `+riskColumns+` FROM risk_audit_logs WHERE `+where+` ORDER BY check_time`, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]model.RiskAuditRecord, 0, len(recs))
	for _, rec := range recs {
		r := model.RiskAuditRecord{
			LogID:          rec.LogID,
			CheckTime:      rec.CheckTime,
			TradeID:        rec.TradeID,
			QuoteID:        rec.QuoteID,
			Symbol:         rec.Symbol,
			RuleType:       rec.RuleType,
			Passed:         rec.Passed,
			Reason:         rec.Reason,
			UserID:         rec.UserID,
			ClientIP:       rec.ClientIP,
			ConfigSnapshot: rec.ConfigSnapshot,
		}
		if rec.Side != nil {
			side, err := model.ParseSide(*rec.Side)
			if err != nil {
				return nil, err
			}
			r.Side = side
		}
		var err error
		if r.Price, err = decimal.NewFromString(rec.Price); err != nil {
			return nil, fmt.Errorf("parse risk price: %w", err)
		}
		if r.Quantity, err = decimal.NewFromString(rec.Quantity); err != nil {
			return nil, fmt.Errorf("parse risk quantity: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// IsNotFound reports whether err means "no row".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || pgxscan.NotFound(err)
}
