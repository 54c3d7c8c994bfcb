// Package book aggregates multi-source depth quotes into one order book per
// symbol and persists point-in-time snapshots of those books.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

// ErrUnknownSymbol is returned by operations that require an existing book.
var ErrUnknownSymbol = errors.New("book: unknown symbol")

const (
	DefaultSnapshotInterval = 60 * time.Second
	DefaultRetention        = 24 * time.Hour
	DefaultSnapshotRetries  = 3
)

// Config tunes snapshot behaviour. Zero fields take the defaults.
type Config struct {
	SnapshotInterval time.Duration
	Retention        time.Duration
	// SnapshotRetries bounds retries per row write; negative disables retries.
	SnapshotRetries int
	// NewBackOff builds the retry policy for one snapshot write.
	NewBackOff func() backoff.BackOff
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	switch {
	case c.SnapshotRetries == 0:
		c.SnapshotRetries = DefaultSnapshotRetries
	case c.SnapshotRetries < 0:
		c.SnapshotRetries = 0
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		}
	}
	return c
}

// Update is one depth contribution from one source.
type Update struct {
	Symbol     string           `json:"symbol"`
	MarketType model.MarketType `json:"market_type"`
	Source     string           `json:"source"`
	Side       model.Side       `json:"side"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   decimal.Decimal  `json:"quantity"`
}

// Validate rejects updates that must not reach a book.
func (u Update) Validate() error {
	if strings.TrimSpace(u.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	}
	if !u.Side.Valid() {
		return fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidInput)
	}
	if !u.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", model.ErrInvalidInput, u.Price)
	}
	return nil
}

// Aggregator owns every in-memory order book.
type Aggregator struct {
	snapshots store.SnapshotStore
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config

	mu    sync.RWMutex
	books map[string]*orderBook

	snapMu       sync.Mutex
	lastSnapshot map[string]time.Time
}

// NewAggregator creates an aggregator that snapshots into ports.Store.
func NewAggregator(ports core.Ports, cfg Config) *Aggregator {
	ports = ports.WithDefaults()
	return &Aggregator{
		snapshots:    ports.Store,
		clock:        ports.Clock,
		logger:       ports.Logger,
		cfg:          cfg.withDefaults(),
		books:        make(map[string]*orderBook),
		lastSnapshot: make(map[string]time.Time),
	}
}

// UpdateQuote adds one contribution to the book of u.Symbol, creating the book
// and price level on first use. A non-positive quantity is ignored. When the
// snapshot interval has elapsed the book is snapshotted on this call path;
// a snapshot failure is logged and retried on the next update.
func (a *Aggregator) UpdateQuote(ctx context.Context, u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if !u.Quantity.IsPositive() {
		return nil
	}

	a.apply(u)
	metrics.BookUpdates.WithLabelValues(u.Side.String()).Inc()

	a.maybeSnapshot(ctx, u.Symbol)
	return nil
}

// UpdateQuotes applies a batch in order. There is no atomicity across the
// batch: it stops at the first invalid update, leaving earlier ones applied.
func (a *Aggregator) UpdateQuotes(ctx context.Context, batch []Update) error {
	for i, u := range batch {
		if err := a.UpdateQuote(ctx, u); err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
	}
	return nil
}

// BestBid returns the highest-priced level with buy liquidity.
func (a *Aggregator) BestBid(symbol string) (PriceLevel, bool) {
	b, ok := a.book(symbol)
	if !ok {
		return PriceLevel{}, false
	}
	return b.best(model.SideBuy)
}

// BestAsk returns the lowest-priced level with sell liquidity.
func (a *Aggregator) BestAsk(symbol string) (PriceLevel, bool) {
	b, ok := a.book(symbol)
	if !ok {
		return PriceLevel{}, false
	}
	return b.best(model.SideSell)
}

// Ladder returns the levels with liquidity on side, best first.
func (a *Aggregator) Ladder(symbol string, side model.Side) []PriceLevel {
	b, ok := a.book(symbol)
	if !ok {
		return nil
	}
	return b.ladder(side)
}

// OrderBook returns a depth view of symbol.
func (a *Aggregator) OrderBook(symbol string) (OrderBook, bool) {
	b, ok := a.book(symbol)
	if !ok {
		return OrderBook{}, false
	}
	return b.view(), true
}

// MarketType returns the market type fixed at book creation.
func (a *Aggregator) MarketType(symbol string) (model.MarketType, bool) {
	b, ok := a.book(symbol)
	if !ok {
		return 0, false
	}
	return b.marketType, true
}

// Depth returns the number of price levels held for symbol.
func (a *Aggregator) Depth(symbol string) int {
	b, ok := a.book(symbol)
	if !ok {
		return 0
	}
	return b.depth()
}

// Symbols lists symbols with an in-memory book, sorted.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	symbols := make([]string, 0, len(a.books))
	for s := range a.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Books returns a depth view of every book.
func (a *Aggregator) Books() []OrderBook {
	symbols := a.Symbols()
	out := make([]OrderBook, 0, len(symbols))
	for _, s := range symbols {
		if ob, ok := a.OrderBook(s); ok {
			out = append(out, ob)
		}
	}
	return out
}

// Clear drops the in-memory book of symbol and its last snapshot instant.
func (a *Aggregator) Clear(symbol string) {
	a.mu.Lock()
	delete(a.books, symbol)
	metrics.BookSymbols.Set(float64(len(a.books)))
	a.mu.Unlock()

	a.snapMu.Lock()
	delete(a.lastSnapshot, symbol)
	a.snapMu.Unlock()

	a.logger.Info("order book cleared", "symbol", symbol)
}

// ClearAll drops every in-memory book.
func (a *Aggregator) ClearAll() {
	a.mu.Lock()
	a.books = make(map[string]*orderBook)
	metrics.BookSymbols.Set(0)
	a.mu.Unlock()

	a.snapMu.Lock()
	a.lastSnapshot = make(map[string]time.Time)
	a.snapMu.Unlock()

	a.logger.Info("all order books cleared")
}

// LastSnapshot returns the instant of the last successful snapshot of symbol.
func (a *Aggregator) LastSnapshot(symbol string) (time.Time, bool) {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	t, ok := a.lastSnapshot[symbol]
	return t, ok
}

func (a *Aggregator) book(symbol string) (*orderBook, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.books[symbol]
	return b, ok
}

// apply adds u to the book of its symbol, creating the book with u.MarketType
// on first use. The market type of an existing book is never changed. The map
// lock is held across lookup and write so Restore and Clear cannot swap the
// book out from under an update in flight.
func (a *Aggregator) apply(u Update) {
	a.mu.RLock()
	b, ok := a.books[u.Symbol]
	if ok {
		b.add(u.Source, u.Side, u.Price, u.Quantity)
	}
	a.mu.RUnlock()
	if ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok = a.books[u.Symbol]
	if !ok {
		b = newOrderBook(u.Symbol, u.MarketType)
		a.books[u.Symbol] = b
		metrics.BookSymbols.Set(float64(len(a.books)))
		a.logger.Info("order book created", "symbol", u.Symbol, "market_type", u.MarketType.String())
	}
	b.add(u.Source, u.Side, u.Price, u.Quantity)
}
