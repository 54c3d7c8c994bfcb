// Package quote derives executable quotes from the aggregated order books and
// keeps the active quote set that clients trade against.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
)

const (
	DefaultValidity = 5 * time.Second
	EngineSource    = "ENGINE"
)

// DefaultSpreadBuffer is used as the spread of best quotes when the book is
// locked or crossed.
var DefaultSpreadBuffer = decimal.RequireFromString("0.00001")

var two = decimal.NewFromInt(2)

// Book is the read side of the order book aggregator.
type Book interface {
	BestBid(symbol string) (book.PriceLevel, bool)
	BestAsk(symbol string) (book.PriceLevel, bool)
	Ladder(symbol string, side model.Side) []book.PriceLevel
}

// EngineConfig tunes quote generation. Zero fields take the defaults.
type EngineConfig struct {
	Validity     time.Duration
	SpreadBuffer decimal.Decimal
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Validity <= 0 {
		c.Validity = DefaultValidity
	}
	if !c.SpreadBuffer.IsPositive() {
		c.SpreadBuffer = DefaultSpreadBuffer
	}
	return c
}

// Engine derives quotes from a Book. It holds no book state of its own, only
// the last generated quotes per symbol and per-symbol spread buffers.
type Engine struct {
	book   Book
	clock  clock.Clock
	audit  audit.Sink
	logger *slog.Logger
	cfg    EngineConfig

	seq atomic.Int64

	mu       sync.RWMutex
	latest   map[string][2]model.Quote
	levels   map[string][]model.Quote
	buffers  map[string]decimal.Decimal
	reported map[string]bool
}

// NewEngine creates a quote engine reading from b.
func NewEngine(b Book, ports core.Ports, cfg EngineConfig) *Engine {
	ports = ports.WithDefaults()
	return &Engine{
		book:     b,
		clock:    ports.Clock,
		audit:    ports.Audit,
		logger:   ports.Logger,
		cfg:      cfg.withDefaults(),
		latest:   make(map[string][2]model.Quote),
		levels:   make(map[string][]model.Quote),
		buffers:  make(map[string]decimal.Decimal),
		reported: make(map[string]bool),
	}
}

// GenerateBestQuotes returns a BUY quote at the best bid and a SELL quote at the
// best ask. It reports false when either side has no liquidity. A locked or
// crossed book quotes the symbol's spread buffer as its spread.
func (e *Engine) GenerateBestQuotes(symbol string, marketType model.MarketType) ([2]model.Quote, bool) {
	bid, okBid := e.book.BestBid(symbol)
	ask, okAsk := e.book.BestAsk(symbol)
	if !okBid || !okAsk {
		e.logger.Warn("insufficient liquidity", "symbol", symbol, "has_bid", okBid, "has_ask", okAsk)
		return [2]model.Quote{}, false
	}

	spread := ask.Price.Sub(bid.Price)
	if !spread.IsPositive() {
		spread = e.SpreadBuffer(symbol)
	}

	now := e.clock.Now()
	buy := e.newQuote(now, symbol, marketType, model.SideBuy, bid.Price, bid.TotalBuyQty, 0)
	buy.Spread = decimal.NewNullDecimal(spread)
	sell := e.newQuote(now, symbol, marketType, model.SideSell, ask.Price, ask.TotalSellQty, 0)
	sell.Spread = decimal.NewNullDecimal(spread)

	quotes := [2]model.Quote{buy, sell}
	e.mu.Lock()
	e.latest[symbol] = quotes
	e.mu.Unlock()

	metrics.QuotesGenerated.WithLabelValues(model.SideBuy.String()).Inc()
	metrics.QuotesGenerated.WithLabelValues(model.SideSell.String()).Inc()
	e.logger.Info("best quotes generated",
		"symbol", symbol,
		"bid", buy.Price.String(),
		"ask", sell.Price.String(),
		"spread", spread.String(),
	)
	return quotes, true
}

// GenerateLevelQuotes quotes the first n levels of each side, best first, with
// Level set to the rank within the side. n <= 0 quotes every level. Level
// quotes carry no spread.
func (e *Engine) GenerateLevelQuotes(symbol string, marketType model.MarketType, n int) []model.Quote {
	bids := e.book.Ladder(symbol, model.SideBuy)
	asks := e.book.Ladder(symbol, model.SideSell)
	if n > 0 {
		bids = bids[:min(n, len(bids))]
		asks = asks[:min(n, len(asks))]
	}

	now := e.clock.Now()
	quotes := make([]model.Quote, 0, len(bids)+len(asks))
	for i, lvl := range bids {
		quotes = append(quotes, e.newQuote(now, symbol, marketType, model.SideBuy, lvl.Price, lvl.TotalBuyQty, i))
	}
	for i, lvl := range asks {
		quotes = append(quotes, e.newQuote(now, symbol, marketType, model.SideSell, lvl.Price, lvl.TotalSellQty, i))
	}

	e.mu.Lock()
	e.levels[symbol] = append([]model.Quote(nil), quotes...)
	e.mu.Unlock()

	metrics.QuotesGenerated.WithLabelValues(model.SideBuy.String()).Add(float64(len(bids)))
	metrics.QuotesGenerated.WithLabelValues(model.SideSell.String()).Add(float64(len(asks)))
	e.logger.Info("level quotes generated", "symbol", symbol, "count", len(quotes))
	return quotes
}

func (e *Engine) newQuote(now time.Time, symbol string, marketType model.MarketType, side model.Side, price, qty decimal.Decimal, level int) model.Quote {
	q := model.Quote{
		QuoteID:    uuid.NewString(),
		Symbol:     symbol,
		MarketType: marketType,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Level:      level,
		Validity:   e.cfg.Validity,
		Source:     EngineSource,
		QuoteType:  quoteType(side, level),
	}
	q.Activate(now)
	return q
}

func quoteType(side model.Side, level int) model.QuoteType {
	switch {
	case level == 0 && side == model.SideBuy:
		return model.QuoteBestBid
	case level == 0:
		return model.QuoteBestAsk
	case level == 1 && side == model.SideBuy:
		return model.QuoteSecondBid
	case level == 1:
		return model.QuoteSecondAsk
	}
	return model.QuoteCustom
}

// Spread returns best ask minus best bid. It may be zero or negative.
func (e *Engine) Spread(symbol string) (decimal.Decimal, bool) {
	bid, okBid := e.book.BestBid(symbol)
	ask, okAsk := e.book.BestAsk(symbol)
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// PipSpread expresses the spread in pips, rounded half-up to 4 places. It
// reports false when there is no spread or pip is zero.
func (e *Engine) PipSpread(symbol string, pip decimal.Decimal) (decimal.Decimal, bool) {
	spread, ok := e.Spread(symbol)
	if !ok || pip.IsZero() {
		return decimal.Decimal{}, false
	}
	return spread.DivRound(pip, 4), true
}

// MidPrice is the mean of best bid and best ask, rounded half-up to 8 places.
func (e *Engine) MidPrice(symbol string) (decimal.Decimal, bool) {
	bid, okBid := e.book.BestBid(symbol)
	ask, okAsk := e.book.BestAsk(symbol)
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).DivRound(two, 8), true
}

// HasSufficientLiquidity reports whether both sides are quoted and each best
// level carries at least minQty.
func (e *Engine) HasSufficientLiquidity(symbol string, minQty decimal.Decimal) bool {
	bid, okBid := e.book.BestBid(symbol)
	ask, okAsk := e.book.BestAsk(symbol)
	if !okBid || !okAsk {
		return false
	}
	return bid.TotalBuyQty.GreaterThanOrEqual(minQty) && ask.TotalSellQty.GreaterThanOrEqual(minQty)
}

func (e *Engine) BestBidPrice(symbol string) (decimal.Decimal, bool) {
	bid, ok := e.book.BestBid(symbol)
	return bid.Price, ok
}

func (e *Engine) BestAskPrice(symbol string) (decimal.Decimal, bool) {
	ask, ok := e.book.BestAsk(symbol)
	return ask.Price, ok
}

// SetSpreadBuffer overrides the default spread buffer for symbol.
func (e *Engine) SetSpreadBuffer(symbol string, buffer decimal.Decimal) error {
	if !buffer.IsPositive() {
		return fmt.Errorf("%w: spread buffer must be positive, got %s", model.ErrInvalidInput, buffer)
	}
	e.mu.Lock()
	e.buffers[symbol] = buffer
	e.mu.Unlock()
	return nil
}

// SpreadBuffer returns the buffer in effect for symbol.
func (e *Engine) SpreadBuffer(symbol string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.buffers[symbol]; ok {
		return b
	}
	return e.cfg.SpreadBuffer
}

// NextSequence returns a process-wide monotonic quote sequence number.
func (e *Engine) NextSequence() int64 {
	return e.seq.Add(1)
}

// LatestQuotes returns the last best quotes generated for symbol.
func (e *Engine) LatestQuotes(symbol string) ([2]model.Quote, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.latest[symbol]
	return q, ok
}

// LevelQuotes returns the last level quotes generated for symbol.
func (e *Engine) LevelQuotes(symbol string) []model.Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.Quote(nil), e.levels[symbol]...)
}

// ClearCache drops cached quotes for symbol, or for every symbol when symbol
// is empty.
func (e *Engine) ClearCache(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if symbol == "" {
		e.latest = make(map[string][2]model.Quote)
		e.levels = make(map[string][]model.Quote)
		e.reported = make(map[string]bool)
		e.logger.Info("quote caches cleared")
		return
	}
	delete(e.latest, symbol)
	delete(e.levels, symbol)
	e.logger.Info("quote cache cleared", "symbol", symbol)
}

// SweepExpired reports every cached quote that has expired since the last
// sweep. Quotes are not modified; each expiry is logged and audited once.
// It returns the number of newly observed expiries.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.clock.Now()

	e.mu.Lock()
	live := make(map[string]bool)
	var expired []model.Quote
	visit := func(q model.Quote) {
		live[q.QuoteID] = true
		if q.Expired(now) && !e.reported[q.QuoteID] {
			e.reported[q.QuoteID] = true
			expired = append(expired, q)
		}
	}
	for _, pair := range e.latest {
		visit(pair[0])
		visit(pair[1])
	}
	for _, qs := range e.levels {
		for _, q := range qs {
			visit(q)
		}
	}
	for id := range e.reported {
		if !live[id] {
			delete(e.reported, id)
		}
	}
	e.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].QuoteID < expired[j].QuoteID })
	for _, q := range expired {
		metrics.QuotesExpired.Inc()
		e.logger.Warn("quote expired",
			"quote_id", q.QuoteID,
			"symbol", q.Symbol,
			"side", q.Side.String(),
			"expire_time", q.ExpireTime,
		)
		ev := audit.New(now, model.EventOrderUpdated, q.Symbol)
		ev.QuoteID = q.QuoteID
		ev.Details = "quote expired at " + q.ExpireTime.Format(time.RFC3339Nano)
		if err := e.audit.Record(ctx, ev); err != nil {
			e.logger.Error("audit quote expiry failed", "quote_id", q.QuoteID, "err", err)
		}
	}
	return len(expired)
}
