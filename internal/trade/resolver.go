// Package trade resolves quote outcomes into trade reports, applies executed
// trades to the position ledger and runs the post-trade risk check.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/risk"
	"github.com/atmx/market-maker/internal/store"
)

// TopicTrades is the broadcast topic for processed trade reports.
const TopicTrades = "trades"

// Positions is the part of the position ledger the resolver mutates.
type Positions interface {
	Get(ctx context.Context, symbol string) (model.Position, error)
	Increase(ctx context.Context, symbol string, qty, price decimal.Decimal) (model.Position, error)
	Decrease(ctx context.Context, symbol string, qty decimal.Decimal) (model.Position, error)
}

// RiskChecker runs the post-trade check.
type RiskChecker interface {
	PostTradeCheck(ctx context.Context, q model.Quote, tradeID string, realizedPnL decimal.Decimal) (risk.Result, error)
}

// Broadcaster pushes trade reports to connected clients.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

type noBroadcast struct{}

func (noBroadcast) Broadcast(string, any) {}

type allowAll struct{}

func (allowAll) PostTradeCheck(context.Context, model.Quote, string, decimal.Decimal) (risk.Result, error) {
	return risk.Result{Passed: true, RuleType: risk.RulePostTrade}, nil
}

// Execution is a fill reported against a quote.
type Execution struct {
	QuoteID  string          `json:"quote_id"`
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (e Execution) validate() error {
	switch {
	case strings.TrimSpace(e.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	case !e.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidInput)
	case !e.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", model.ErrInvalidInput)
	case e.Quantity.IsZero():
		return fmt.Errorf("%w: quantity must be non-zero", model.ErrInvalidInput)
	}
	return nil
}

// Outcome is the result of processing an execution.
type Outcome struct {
	Report      model.TradeReport `json:"report"`
	Position    model.Position    `json:"position"`
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
	Risk        risk.Result       `json:"risk"`
}

// Stats aggregates the reports of one symbol.
type Stats struct {
	Executed  int             `json:"executed"`
	Rejected  int             `json:"rejected"`
	Cancelled int             `json:"cancelled"`
	Volume    decimal.Decimal `json:"volume"`
	Turnover  decimal.Decimal `json:"turnover"`
}

// Resolver handles one entry point per trade status. Processing is serialized
// per symbol.
type Resolver struct {
	trades    store.TradeStore
	positions Positions
	risk      RiskChecker
	hub       Broadcaster
	clock     clock.Clock
	audit     audit.Sink
	logger    *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewResolver creates a resolver. checker and hub may be nil.
func NewResolver(positions Positions, checker RiskChecker, hub Broadcaster, ports core.Ports) *Resolver {
	ports = ports.WithDefaults()
	if checker == nil {
		checker = allowAll{}
	}
	if hub == nil {
		hub = noBroadcast{}
	}
	return &Resolver{
		trades:    ports.Store,
		positions: positions,
		risk:      checker,
		hub:       hub,
		clock:     ports.Clock,
		audit:     ports.Audit,
		logger:    ports.Logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Resolver) lock(symbol string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[symbol]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[symbol] = mu
	}
	r.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ProcessExecuted records an executed trade, applies it to the position and
// runs the post-trade check. A failed check is recorded but does not undo
// the trade.
func (r *Resolver) ProcessExecuted(ctx context.Context, e Execution) (Outcome, error) {
	if err := e.validate(); err != nil {
		return Outcome{}, err
	}
	e.Quantity = e.Quantity.Abs()
	start := time.Now()
	unlock := r.lock(e.Symbol)
	defer unlock()

	report := model.TradeReport{
		TradeID:       uuid.NewString(),
		QuoteID:       e.QuoteID,
		Symbol:        e.Symbol,
		Side:          e.Side,
		Price:         e.Price,
		Quantity:      e.Quantity,
		Status:        model.TradeExecuted,
		ExecutionTime: r.clock.Now(),
	}
	if err := r.trades.SaveTrade(ctx, &report); err != nil {
		r.logger.Error("save trade report failed", "quote_id", e.QuoteID, "err", err)
		return Outcome{}, store.Wrap("save trade report", err)
	}

	before, err := r.positions.Get(ctx, e.Symbol)
	if err != nil {
		return Outcome{Report: report}, err
	}
	var after model.Position
	if e.Side == model.SideBuy {
		after, err = r.positions.Increase(ctx, e.Symbol, e.Quantity, e.Price)
	} else {
		after, err = r.positions.Decrease(ctx, e.Symbol, e.Quantity)
	}
	if err != nil {
		return Outcome{Report: report}, err
	}

	pnl := RealizedPnL(before, e.Side, e.Price)

	executed := model.Quote{
		QuoteID:  e.QuoteID,
		Symbol:   e.Symbol,
		Side:     e.Side,
		Price:    e.Price,
		Quantity: e.Quantity,
	}
	res, err := r.risk.PostTradeCheck(ctx, executed, report.TradeID, pnl)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("risk_record").Inc()
		r.logger.Error("post-trade risk record failed", "trade_id", report.TradeID, "err", err)
	}

	ev := audit.New(report.ExecutionTime, model.EventTradeExecuted, e.Symbol)
	ev.QuoteID, ev.TradeID = e.QuoteID, report.TradeID
	ev.Details = fmt.Sprintf("%s %s@%s realized pnl %s", e.Side, e.Quantity, e.Price, pnl)
	ev.RiskCheckResult = riskLabel(res)
	r.record(ctx, ev)

	out := Outcome{Report: report, Position: after, RealizedPnL: pnl, Risk: res}
	r.hub.Broadcast(TopicTrades, report)
	r.observe(report.Status, start)
	r.logger.Info("trade executed",
		"trade_id", report.TradeID,
		"quote_id", e.QuoteID,
		"symbol", e.Symbol,
		"side", e.Side.String(),
		"qty", e.Quantity.String(),
		"price", e.Price.String(),
		"realized_pnl", pnl.String(),
		"risk_passed", res.Passed,
	)
	return out, nil
}

// RealizedPnL is the profit closed by a trade against the position held before
// it. A sell against a long position realizes (price - avg) over the whole
// prior quantity; a buy against a short realizes (avg - price) over its size.
func RealizedPnL(before model.Position, side model.Side, price decimal.Decimal) decimal.Decimal {
	if before.AvgCost.IsZero() {
		return decimal.Zero
	}
	switch {
	case side == model.SideSell && before.Quantity.IsPositive():
		return price.Sub(before.AvgCost).Mul(before.Quantity)
	case side == model.SideBuy && before.Quantity.IsNegative():
		return before.AvgCost.Sub(price).Mul(before.Quantity.Abs())
	}
	return decimal.Zero
}

// ProcessRejected records that the quote was rejected.
func (r *Resolver) ProcessRejected(ctx context.Context, quoteID, symbol, reason string) (model.TradeReport, error) {
	return r.terminal(ctx, quoteID, symbol, model.TradeRejected, model.EventTradeRejected, reason)
}

// ProcessCancelled records that the quote was cancelled.
func (r *Resolver) ProcessCancelled(ctx context.Context, quoteID, symbol string) (model.TradeReport, error) {
	return r.terminal(ctx, quoteID, symbol, model.TradeCancelled, model.EventTradeCancelled, "")
}

func (r *Resolver) terminal(ctx context.Context, quoteID, symbol string, status model.TradeStatus, et model.EventType, reason string) (model.TradeReport, error) {
	if strings.TrimSpace(symbol) == "" {
		return model.TradeReport{}, fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	}
	start := time.Now()
	unlock := r.lock(symbol)
	defer unlock()

	report := model.TradeReport{
		TradeID:       uuid.NewString(),
		QuoteID:       quoteID,
		Symbol:        symbol,
		Price:         decimal.Zero,
		Quantity:      decimal.Zero,
		Status:        status,
		Reason:        reason,
		ExecutionTime: r.clock.Now(),
	}
	if err := r.trades.SaveTrade(ctx, &report); err != nil {
		r.logger.Error("save trade report failed", "quote_id", quoteID, "status", status, "err", err)
		return model.TradeReport{}, store.Wrap("save trade report", err)
	}

	ev := audit.New(report.ExecutionTime, et, symbol)
	ev.QuoteID, ev.TradeID = quoteID, report.TradeID
	ev.Details = reason
	r.record(ctx, ev)

	r.hub.Broadcast(TopicTrades, report)
	r.observe(status, start)
	r.logger.Info("trade resolved", "trade_id", report.TradeID, "quote_id", quoteID, "symbol", symbol, "status", status, "reason", reason)
	return report, nil
}

func (r *Resolver) record(ctx context.Context, ev model.AuditEvent) {
	if err := r.audit.Record(ctx, ev); err != nil {
		metrics.PersistenceErrors.WithLabelValues("audit_event").Inc()
		r.logger.Error("audit trade event failed", "trade_id", ev.TradeID, "event_type", ev.EventType, "err", err)
	}
}

func (r *Resolver) observe(status model.TradeStatus, start time.Time) {
	metrics.Trades.WithLabelValues(string(status)).Inc()
	metrics.TradeLatency.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
}

func riskLabel(res risk.Result) string {
	if res.Passed {
		return "PASSED"
	}
	return "REJECTED: " + string(res.RuleType)
}

// Report returns the trade report with id.
func (r *Resolver) Report(ctx context.Context, id string) (*model.TradeReport, error) {
	t, err := r.trades.FindTrade(ctx, id)
	return t, store.Wrap("find trade", err)
}

func (r *Resolver) ByQuoteID(ctx context.Context, quoteID string) ([]model.TradeReport, error) {
	ts, err := r.trades.FindTradesByQuoteID(ctx, quoteID)
	return ts, store.Wrap("find trades by quote", err)
}

func (r *Resolver) BySymbol(ctx context.Context, symbol string) ([]model.TradeReport, error) {
	ts, err := r.trades.FindTradesBySymbol(ctx, symbol)
	return ts, store.Wrap("find trades by symbol", err)
}

func (r *Resolver) ByStatus(ctx context.Context, status model.TradeStatus) ([]model.TradeReport, error) {
	ts, err := r.trades.FindTradesByStatus(ctx, status)
	return ts, store.Wrap("find trades by status", err)
}

func (r *Resolver) BySymbolAndStatus(ctx context.Context, symbol string, status model.TradeStatus) ([]model.TradeReport, error) {
	ts, err := r.trades.FindTradesBySymbolAndStatus(ctx, symbol, status)
	return ts, store.Wrap("find trades by symbol and status", err)
}

// TotalVolume sums the quantity of every report of symbol.
func (r *Resolver) TotalVolume(ctx context.Context, symbol string) (decimal.Decimal, error) {
	st, err := r.Stats(ctx, symbol)
	return st.Volume, err
}

// TotalTurnover sums price × quantity over every report of symbol.
func (r *Resolver) TotalTurnover(ctx context.Context, symbol string) (decimal.Decimal, error) {
	st, err := r.Stats(ctx, symbol)
	return st.Turnover, err
}

// Stats counts reports of symbol by status and totals volume and turnover.
func (r *Resolver) Stats(ctx context.Context, symbol string) (Stats, error) {
	reports, err := r.BySymbol(ctx, symbol)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Volume: decimal.Zero, Turnover: decimal.Zero}
	for _, t := range reports {
		switch t.Status {
		case model.TradeExecuted:
			st.Executed++
		case model.TradeRejected:
			st.Rejected++
		case model.TradeCancelled:
			st.Cancelled++
		}
		st.Volume = st.Volume.Add(t.Quantity)
		st.Turnover = st.Turnover.Add(t.Turnover())
	}
	return st, nil
}
