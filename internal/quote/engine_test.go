package quote_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/quote"
	"github.com/atmx/market-maker/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type env struct {
	clk    *clock.Manual
	store  *store.MemoryStore
	ports  core.Ports
	book   *book.Aggregator
	engine *quote.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewManual(t0)
	st := store.NewMemoryStore()
	ports := core.Ports{Clock: clk, Store: st, Audit: audit.NewStoreSink(st)}
	agg := book.NewAggregator(ports, book.Config{})
	return &env{
		clk:    clk,
		store:  st,
		ports:  ports,
		book:   agg,
		engine: quote.NewEngine(agg, ports, quote.EngineConfig{}),
	}
}

func (e *env) add(t *testing.T, symbol string, side model.Side, price, qty string) {
	t.Helper()
	require.NoError(t, e.book.UpdateQuote(context.Background(), book.Update{
		Symbol:     symbol,
		MarketType: model.MarketDomesticGold,
		Source:     "SGE",
		Side:       side,
		Price:      d(price),
		Quantity:   d(qty),
	}))
}

func TestGenerateBestQuotes(t *testing.T) {
	e := newEnv(t)
	e.add(t, "XAU", model.SideBuy, "1800.00", "100")
	e.add(t, "XAU", model.SideSell, "1805.00", "100")

	quotes, ok := e.engine.GenerateBestQuotes("XAU", model.MarketDomesticGold)
	require.True(t, ok)

	buy, sell := quotes[0], quotes[1]
	assert.Equal(t, model.SideBuy, buy.Side)
	assert.Equal(t, model.SideSell, sell.Side)
	assert.True(t, buy.Price.Equal(d("1800.00")))
	assert.True(t, sell.Price.Equal(d("1805.00")))
	assert.True(t, buy.Quantity.Equal(d("100")))

	for _, q := range quotes {
		require.True(t, q.Spread.Valid)
		assert.True(t, q.Spread.Decimal.Equal(d("5.00")))
		assert.Equal(t, 0, q.Level)
		assert.Equal(t, 5*time.Second, q.ExpireTime.Sub(q.CreateTime))
		assert.Equal(t, quote.EngineSource, q.Source)
		assert.Equal(t, model.QuoteActive, q.Status)
		assert.NotEmpty(t, q.QuoteID)
	}
	assert.Equal(t, model.QuoteBestBid, buy.QuoteType)
	assert.Equal(t, model.QuoteBestAsk, sell.QuoteType)

	latest, ok := e.engine.LatestQuotes("XAU")
	require.True(t, ok)
	assert.Equal(t, quotes, latest)
}

func TestGenerateBestQuotes_InsufficientLiquidity(t *testing.T) {
	e := newEnv(t)
	e.add(t, "XAU", model.SideSell, "1805", "1")

	_, ok := e.engine.GenerateBestQuotes("XAU", model.MarketDomesticGold)
	assert.False(t, ok)
	_, ok = e.engine.GenerateBestQuotes("UNKNOWN", model.MarketFX)
	assert.False(t, ok)
	_, ok = e.engine.LatestQuotes("XAU")
	assert.False(t, ok)
}

func TestGenerateBestQuotes_CrossedBookUsesSpreadBuffer(t *testing.T) {
	e := newEnv(t)
	e.add(t, "EURUSD", model.SideBuy, "1.1010", "1")
	e.add(t, "EURUSD", model.SideSell, "1.1005", "1")

	quotes, ok := e.engine.GenerateBestQuotes("EURUSD", model.MarketFX)
	require.True(t, ok)
	assert.True(t, quotes[0].Spread.Decimal.Equal(d("0.00001")))

	require.NoError(t, e.engine.SetSpreadBuffer("EURUSD", d("0.0002")))
	quotes, ok = e.engine.GenerateBestQuotes("EURUSD", model.MarketFX)
	require.True(t, ok)
	assert.True(t, quotes[1].Spread.Decimal.Equal(d("0.0002")))

	assert.ErrorIs(t, e.engine.SetSpreadBuffer("EURUSD", d("0")), model.ErrInvalidInput)
}

func TestGenerateLevelQuotes(t *testing.T) {
	e := newEnv(t)
	for _, p := range []string{"1798", "1800", "1799"} {
		e.add(t, "XAU", model.SideBuy, p, "1")
	}
	for _, p := range []string{"1806", "1805"} {
		e.add(t, "XAU", model.SideSell, p, "2")
	}

	quotes := e.engine.GenerateLevelQuotes("XAU", model.MarketDomesticGold, 2)
	require.Len(t, quotes, 4)

	assert.True(t, quotes[0].Price.Equal(d("1800")))
	assert.Equal(t, 0, quotes[0].Level)
	assert.True(t, quotes[1].Price.Equal(d("1799")))
	assert.Equal(t, 1, quotes[1].Level)
	assert.Equal(t, model.QuoteSecondBid, quotes[1].QuoteType)
	assert.True(t, quotes[2].Price.Equal(d("1805")))
	assert.Equal(t, 0, quotes[2].Level)
	assert.True(t, quotes[3].Price.Equal(d("1806")))
	for _, q := range quotes {
		assert.False(t, q.Spread.Valid, "level quotes carry no spread")
	}

	all := e.engine.GenerateLevelQuotes("XAU", model.MarketDomesticGold, 0)
	assert.Len(t, all, 5)
	assert.Len(t, e.engine.LevelQuotes("XAU"), 5)

	assert.Empty(t, e.engine.GenerateLevelQuotes("NONE", model.MarketFX, 3))
}

func TestPriceDerivations(t *testing.T) {
	e := newEnv(t)
	e.add(t, "XAU", model.SideBuy, "1800.00", "100")
	e.add(t, "XAU", model.SideSell, "1805.00", "100")

	mid, ok := e.engine.MidPrice("XAU")
	require.True(t, ok)
	assert.Equal(t, "1802.50000000", mid.StringFixed(8))

	spread, ok := e.engine.Spread("XAU")
	require.True(t, ok)
	assert.True(t, spread.Equal(d("5")))

	pips, ok := e.engine.PipSpread("XAU", d("0.3"))
	require.True(t, ok)
	assert.Equal(t, "16.6667", pips.StringFixed(4))

	_, ok = e.engine.PipSpread("XAU", decimal.Zero)
	assert.False(t, ok, "zero pip size yields no value")

	bid, ok := e.engine.BestBidPrice("XAU")
	require.True(t, ok)
	assert.True(t, bid.Equal(d("1800")))
	ask, ok := e.engine.BestAskPrice("XAU")
	require.True(t, ok)
	assert.True(t, ask.Equal(d("1805")))

	assert.True(t, e.engine.HasSufficientLiquidity("XAU", d("100")))
	assert.False(t, e.engine.HasSufficientLiquidity("XAU", d("101")))

	_, ok = e.engine.MidPrice("NONE")
	assert.False(t, ok)
}

func TestNextSequenceIsMonotonic(t *testing.T) {
	e := newEnv(t)
	prev := e.engine.NextSequence()
	for i := 0; i < 10; i++ {
		next := e.engine.NextSequence()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestSweepExpired_ReportsOnce(t *testing.T) {
	e := newEnv(t)
	e.add(t, "XAU", model.SideBuy, "1800", "1")
	e.add(t, "XAU", model.SideSell, "1805", "1")
	ctx := context.Background()

	_, ok := e.engine.GenerateBestQuotes("XAU", model.MarketDomesticGold)
	require.True(t, ok)

	assert.Equal(t, 0, e.engine.SweepExpired(ctx))

	e.clk.Advance(5 * time.Second)
	assert.Equal(t, 2, e.engine.SweepExpired(ctx))
	assert.Equal(t, 0, e.engine.SweepExpired(ctx), "expiry is reported once")

	latest, ok := e.engine.LatestQuotes("XAU")
	require.True(t, ok)
	assert.Equal(t, model.QuoteActive, latest[0].Status, "sweep does not mutate quotes")
	assert.False(t, latest[0].Valid(e.clk.Now()))

	events, err := e.store.FindEvents(ctx, model.EventFilter{EventType: model.EventOrderUpdated}, model.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, events.Items, 2)
}

func TestClearCache(t *testing.T) {
	e := newEnv(t)
	e.add(t, "A", model.SideBuy, "1", "1")
	e.add(t, "A", model.SideSell, "2", "1")
	e.add(t, "B", model.SideBuy, "1", "1")
	e.add(t, "B", model.SideSell, "2", "1")

	_, _ = e.engine.GenerateBestQuotes("A", model.MarketFX)
	_, _ = e.engine.GenerateBestQuotes("B", model.MarketFX)

	e.engine.ClearCache("A")
	_, ok := e.engine.LatestQuotes("A")
	assert.False(t, ok)
	_, ok = e.engine.LatestQuotes("B")
	assert.True(t, ok)

	e.engine.ClearCache("")
	_, ok = e.engine.LatestQuotes("B")
	assert.False(t, ok)
}
