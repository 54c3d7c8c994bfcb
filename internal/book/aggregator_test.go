package book_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// flakyStore fails snapshot writes while failing is set.
type flakyStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	failing bool
	calls   int
}

func (s *flakyStore) SaveSnapshotRows(ctx context.Context, rows []model.SnapshotRow) error {
	s.mu.Lock()
	s.calls++
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SaveSnapshotRows(ctx, rows)
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func newAggregator(t *testing.T, st store.Store) (*book.Aggregator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	agg := book.NewAggregator(core.Ports{Clock: clk, Store: st}, book.Config{
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	return agg, clk
}

func update(symbol, source string, side model.Side, price, qty string) book.Update {
	return book.Update{
		Symbol:     symbol,
		MarketType: model.MarketFX,
		Source:     source,
		Side:       side,
		Price:      d(price),
		Quantity:   d(qty),
	}
}

func TestUpdateQuote_AggregatesSameSource(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	for _, qty := range []string{"10", "20", "30"} {
		require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "100", qty)))
	}

	bid, ok := agg.BestBid("EURUSD")
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("100")))
	assert.True(t, bid.TotalBuyQty.Equal(d("60")), "got %s", bid.TotalBuyQty)
	assert.True(t, bid.BuySources["S"].Equal(d("60")))
}

func TestUpdateQuote_TwoSourcesSamePrice(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("XAU", "A", model.SideBuy, "2000.00", "100")))
	require.NoError(t, agg.UpdateQuote(ctx, update("XAU", "B", model.SideBuy, "2000.00", "150")))

	bid, ok := agg.BestBid("XAU")
	require.True(t, ok)
	assert.True(t, bid.TotalBuyQty.Equal(d("250")))
	require.Len(t, bid.BuySources, 2)
	assert.True(t, bid.BuySources["A"].Equal(d("100")))
	assert.True(t, bid.BuySources["B"].Equal(d("150")))
}

func TestUpdateQuote_NonPositiveQuantityIsNoop(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "5")))
	before, _ := agg.OrderBook("EURUSD")

	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "0")))
	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideSell, "1.2", "-3")))

	after, _ := agg.OrderBook("EURUSD")
	assert.Equal(t, before, after)
	assert.Equal(t, 1, agg.Depth("EURUSD"))

	// A zero quantity for an unknown symbol does not create a book.
	require.NoError(t, agg.UpdateQuote(ctx, update("GBPUSD", "S", model.SideBuy, "1.3", "0")))
	_, ok := agg.OrderBook("GBPUSD")
	assert.False(t, ok)
}

func TestUpdateQuote_InvalidInput(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name string
		u    book.Update
	}{
		{"missing symbol", update("", "S", model.SideBuy, "1", "1")},
		{"bad side", update("EURUSD", "S", model.Side(7), "1", "1")},
		{"zero price", update("EURUSD", "S", model.SideBuy, "0", "1")},
		{"negative price", update("EURUSD", "S", model.SideSell, "-1.5", "1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := agg.UpdateQuote(ctx, tt.u)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}
	assert.Empty(t, agg.Symbols())
}

func TestUpdateQuote_MarketTypeFixedOnCreation(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	u := update("XAUCNY", "S", model.SideBuy, "480", "1")
	u.MarketType = model.MarketDomesticGold
	require.NoError(t, agg.UpdateQuote(ctx, u))

	u.MarketType = model.MarketOffshore
	require.NoError(t, agg.UpdateQuote(ctx, u))

	mt, ok := agg.MarketType("XAUCNY")
	require.True(t, ok)
	assert.Equal(t, model.MarketDomesticGold, mt)
}

func TestBestBidAsk(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuotes(ctx, []book.Update{
		update("EURUSD", "A", model.SideSell, "1.1010", "5"),
		update("EURUSD", "A", model.SideSell, "1.1005", "7"),
		update("EURUSD", "B", model.SideSell, "1.1020", "9"),
	}))

	_, ok := agg.BestBid("EURUSD")
	assert.False(t, ok, "ask-only book has no best bid")

	ask, ok := agg.BestAsk("EURUSD")
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(d("1.1005")))

	require.NoError(t, agg.UpdateQuotes(ctx, []book.Update{
		update("EURUSD", "A", model.SideBuy, "1.0990", "3"),
		update("EURUSD", "B", model.SideBuy, "1.0995", "4"),
		// Buy liquidity at a level that also has sell liquidity.
		update("EURUSD", "B", model.SideBuy, "1.1010", "1"),
	}))

	bid, ok := agg.BestBid("EURUSD")
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("1.1010")), "crossed books are allowed, got %s", bid.Price)

	_, ok = agg.BestBid("UNKNOWN")
	assert.False(t, ok)
	_, ok = agg.BestAsk("UNKNOWN")
	assert.False(t, ok)
}

func TestLadderOrdering(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuotes(ctx, []book.Update{
		update("XAU", "A", model.SideBuy, "1799", "1"),
		update("XAU", "A", model.SideBuy, "1800", "1"),
		update("XAU", "A", model.SideBuy, "1798", "1"),
		update("XAU", "A", model.SideSell, "1806", "1"),
		update("XAU", "A", model.SideSell, "1805", "1"),
	}))

	bids := agg.Ladder("XAU", model.SideBuy)
	require.Len(t, bids, 3)
	assert.True(t, bids[0].Price.Equal(d("1800")))
	assert.True(t, bids[1].Price.Equal(d("1799")))
	assert.True(t, bids[2].Price.Equal(d("1798")))

	asks := agg.Ladder("XAU", model.SideSell)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Price.Equal(d("1805")))
	assert.True(t, asks[1].Price.Equal(d("1806")))
}

func TestLevelTotalsMatchSourceSums(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	sources := []string{"A", "B", "C"}
	for i := 0; i < 30; i++ {
		side := model.SideBuy
		if i%2 == 1 {
			side = model.SideSell
		}
		price := []string{"10.00", "10.5", "11"}[i%3]
		require.NoError(t, agg.UpdateQuote(ctx, update("SYM", sources[i%len(sources)], side, price, "1.25")))
	}

	ob, ok := agg.OrderBook("SYM")
	require.True(t, ok)
	for _, lvl := range append(ob.Bids, ob.Asks...) {
		buy, sell := decimal.Zero, decimal.Zero
		for _, q := range lvl.BuySources {
			buy = buy.Add(q)
		}
		for _, q := range lvl.SellSources {
			sell = sell.Add(q)
		}
		assert.True(t, buy.Equal(lvl.TotalBuyQty), "level %s buy", lvl.Price)
		assert.True(t, sell.Equal(lvl.TotalSellQty), "level %s sell", lvl.Price)
	}
}

func TestUpdateQuote_Concurrent(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1"))
			}
		}()
	}
	wg.Wait()

	bid, ok := agg.BestBid("EURUSD")
	require.True(t, ok)
	assert.True(t, bid.TotalBuyQty.Equal(d("800")), "got %s", bid.TotalBuyQty)
}

func TestClear(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("A", "S", model.SideBuy, "1", "1")))
	require.NoError(t, agg.UpdateQuote(ctx, update("B", "S", model.SideBuy, "1", "1")))
	assert.Equal(t, []string{"A", "B"}, agg.Symbols())

	agg.Clear("A")
	assert.Equal(t, []string{"B"}, agg.Symbols())
	_, ok := agg.LastSnapshot("A")
	assert.False(t, ok)

	agg.ClearAll()
	assert.Empty(t, agg.Symbols())
	assert.Empty(t, agg.Books())
}
