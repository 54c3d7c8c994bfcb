package book_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

type contribution struct {
	price  string
	side   model.Side
	source string
	qty    string
}

func contributions(t *testing.T, rows []model.SnapshotRow) map[contribution]bool {
	t.Helper()
	set := make(map[contribution]bool)
	for _, r := range rows {
		set[contribution{r.Price.String(), r.Side, r.Source, r.Quantity.String()}] = true
	}
	return set
}

func TestSnapshot_RowsShareInstantAndRank(t *testing.T) {
	st := store.NewMemoryStore()
	agg, clk := newAggregator(t, st)
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("XAU", "A", model.SideBuy, "1800", "1")))

	clk.Advance(5 * time.Second)
	require.NoError(t, agg.UpdateQuote(ctx, update("XAU", "B", model.SideBuy, "1800", "2")))
	require.NoError(t, agg.UpdateQuote(ctx, update("XAU", "A", model.SideBuy, "1799", "3")))
	require.NoError(t, agg.UpdateQuote(ctx, update("XAU", "A", model.SideSell, "1805", "4")))

	now := clk.Advance(time.Second)
	require.NoError(t, agg.Snapshot(ctx, "XAU"))

	rows, err := st.FindLatestSnapshot(ctx, "XAU", model.MarketFX)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, r := range rows {
		assert.True(t, r.SnapshotTime.Equal(now))
		assert.Equal(t, model.MarketFX, r.MarketType)
	}

	ranks := make(map[string]int)
	for _, r := range rows {
		ranks[r.Side.String()+"@"+r.Price.String()] = r.PriceLevel
	}
	assert.Equal(t, 0, ranks["BUY@1800"])
	assert.Equal(t, 1, ranks["BUY@1799"])
	assert.Equal(t, 0, ranks["SELL@1805"])

	last, ok := agg.LastSnapshot("XAU")
	require.True(t, ok)
	assert.True(t, last.Equal(now))
}

func TestSnapshot_UnknownSymbol(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())
	err := agg.Snapshot(context.Background(), "NOPE")
	assert.Error(t, err)
}

func TestAutoSnapshotPolicy(t *testing.T) {
	st := store.NewMemoryStore()
	agg, clk := newAggregator(t, st)
	ctx := context.Background()

	// First update of a symbol snapshots immediately.
	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1")))
	first, ok := agg.LastSnapshot("EURUSD")
	require.True(t, ok)
	assert.True(t, first.Equal(t0))

	// Within the interval nothing new is written.
	clk.Advance(59 * time.Second)
	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1")))
	last, _ := agg.LastSnapshot("EURUSD")
	assert.True(t, last.Equal(t0))

	// At the interval boundary the update path snapshots again.
	clk.Advance(time.Second)
	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1")))
	last, _ = agg.LastSnapshot("EURUSD")
	assert.True(t, last.Equal(t0.Add(60*time.Second)))

	rows, err := st.FindLatestSnapshot(ctx, "EURUSD", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quantity.Equal(d("3")))
}

func TestAutoSnapshotFailureIsRetriedOnNextUpdate(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failing: true}
	agg, clk := newAggregator(t, st)
	ctx := context.Background()

	// The book update succeeds even though the snapshot cannot be written.
	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1")))
	_, ok := agg.LastSnapshot("EURUSD")
	assert.False(t, ok)
	bid, ok := agg.BestBid("EURUSD")
	require.True(t, ok)
	assert.True(t, bid.TotalBuyQty.Equal(d("1")))

	st.setFailing(false)
	clk.Advance(time.Second)
	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1")))
	last, ok := agg.LastSnapshot("EURUSD")
	require.True(t, ok)
	assert.True(t, last.Equal(t0.Add(time.Second)))
}

func TestSnapshot_RetriesTransientFailure(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failing: true}
	agg, _ := newAggregator(t, st)
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("EURUSD", "S", model.SideBuy, "1.1", "1")))

	err := agg.Snapshot(ctx, "EURUSD")
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	// one initial attempt plus the default three retries, for each of the two calls
	assert.Equal(t, 8, st.calls)
}

func TestSnapshotAll_AccumulatesFailures(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	agg, _ := newAggregator(t, st)
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("A", "S", model.SideBuy, "1", "1")))
	require.NoError(t, agg.UpdateQuote(ctx, update("B", "S", model.SideBuy, "1", "1")))

	out := agg.SnapshotAll(ctx)
	assert.Equal(t, []string{"A", "B"}, out.Succeeded)
	assert.Empty(t, out.Failed)
	assert.NoError(t, out.Err())

	st.setFailing(true)
	out = agg.SnapshotAll(ctx)
	assert.Empty(t, out.Succeeded)
	require.Len(t, out.Failed, 2)
	assert.Equal(t, "A", out.Failed[0].Symbol)
	assert.Error(t, out.Err())
	assert.Contains(t, out.Err().Error(), "B:")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	agg, clk := newAggregator(t, st)
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuotes(ctx, []book.Update{
		update("X", "S", model.SideBuy, "100", "10"),
		update("X", "S", model.SideBuy, "100", "20"),
		update("X", "S", model.SideBuy, "100", "30"),
		update("X", "A", model.SideBuy, "2000.00", "100"),
		update("X", "B", model.SideBuy, "2000.00", "150"),
		update("X", "A", model.SideSell, "2001.50", "40"),
	}))

	clk.Advance(time.Second)
	before, ok := agg.OrderBook("X")
	require.True(t, ok)
	require.NoError(t, agg.Snapshot(ctx, "X"))
	rows, err := st.FindLatestSnapshot(ctx, "X", 0)
	require.NoError(t, err)
	want := contributions(t, rows)

	agg.Clear("X")
	_, ok = agg.OrderBook("X")
	require.False(t, ok)

	restored, err := agg.Restore(ctx, "X")
	require.NoError(t, err)
	require.True(t, restored)

	after, ok := agg.OrderBook("X")
	require.True(t, ok)
	assert.Equal(t, model.MarketFX, after.MarketType)

	bid, ok := agg.BestBid("X")
	require.True(t, ok)
	assert.True(t, bid.TotalBuyQty.Equal(d("250")))
	assert.True(t, bid.BuySources["A"].Equal(d("100")))
	assert.True(t, bid.BuySources["B"].Equal(d("150")))

	require.Len(t, after.Bids, len(before.Bids))
	require.Len(t, after.Asks, len(before.Asks))
	for i := range before.Bids {
		assert.True(t, before.Bids[i].TotalBuyQty.Equal(after.Bids[i].TotalBuyQty))
	}

	// Snapshotting the restored book yields the same contribution set.
	clk.Advance(time.Second)
	require.NoError(t, agg.Snapshot(ctx, "X"))
	rows, err = st.FindLatestSnapshot(ctx, "X", 0)
	require.NoError(t, err)
	assert.Equal(t, want, contributions(t, rows))
}

func TestRestore_NoSnapshot(t *testing.T) {
	agg, _ := newAggregator(t, store.NewMemoryStore())

	restored, err := agg.Restore(context.Background(), "EMPTY")
	require.NoError(t, err)
	assert.False(t, restored)
	_, ok := agg.OrderBook("EMPTY")
	assert.False(t, ok)
}

func TestCleanupAndHistory(t *testing.T) {
	st := store.NewMemoryStore()
	agg, clk := newAggregator(t, st)
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("X", "A", model.SideBuy, "1", "1")))
	clk.Advance(25 * time.Hour)
	require.NoError(t, agg.UpdateQuote(ctx, update("X", "B", model.SideSell, "2", "1")))

	history, err := agg.History(ctx, "X", t0, clk.Now())
	require.NoError(t, err)
	assert.Len(t, history, 3)

	sources, err := agg.Sources(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, sources)

	n, err := agg.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	history, err = agg.History(ctx, "X", t0, clk.Now())
	require.NoError(t, err)
	assert.Len(t, history, 2)
	for _, r := range history {
		assert.True(t, r.SnapshotTime.Equal(clk.Now()))
		assert.True(t, r.Quantity.GreaterThan(decimal.Zero))
	}
}

// capacityStore keeps at most capacity snapshot rows. A write that does not fit
// fails whole, the way a rolled-back transaction leaves nothing behind.
type capacityStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	capacity int
	stored   int
	writes   []int
}

func (s *capacityStore) SaveSnapshotRows(ctx context.Context, rows []model.SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, len(rows))
	if s.stored+len(rows) > s.capacity {
		return errors.New("connection reset")
	}
	s.stored += len(rows)
	return s.MemoryStore.SaveSnapshotRows(ctx, rows)
}

func (s *capacityStore) setCapacity(n int) {
	s.mu.Lock()
	s.capacity = n
	s.mu.Unlock()
}

func TestSnapshot_FailedWriteLeavesNoPartialSnapshot(t *testing.T) {
	st := &capacityStore{MemoryStore: store.NewMemoryStore(), capacity: 1}
	agg, clk := newAggregator(t, st)
	ctx := context.Background()

	// The first update snapshots the single bid at t0.
	require.NoError(t, agg.UpdateQuote(ctx, update("X", "A", model.SideBuy, "100", "1")))
	require.NoError(t, agg.UpdateQuote(ctx, update("X", "A", model.SideBuy, "99", "2")))
	require.NoError(t, agg.UpdateQuote(ctx, update("X", "A", model.SideSell, "101", "3")))

	failedAt := clk.Advance(time.Second)
	err := agg.Snapshot(ctx, "X")
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)

	partial, err := agg.History(ctx, "X", failedAt, failedAt)
	require.NoError(t, err)
	assert.Empty(t, partial, "a failed snapshot must not leave rows behind")
	last, _ := agg.LastSnapshot("X")
	assert.True(t, last.Equal(t0))

	st.setCapacity(10)
	clk.Advance(time.Second)
	require.NoError(t, agg.Snapshot(ctx, "X"))
	assert.Equal(t, 3, st.writes[len(st.writes)-1], "one write carries the whole book")

	agg.Clear("X")
	ok, err := agg.Restore(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Len(t, agg.Ladder("X", model.SideBuy), 2)
	ask, ok := agg.BestAsk("X")
	require.True(t, ok)
	assert.True(t, ask.TotalSellQty.Equal(d("3")))
}

func TestRestore_ConcurrentUpdatesLandInCurrentBook(t *testing.T) {
	st := store.NewMemoryStore()
	agg, _ := newAggregator(t, st)
	ctx := context.Background()

	require.NoError(t, agg.UpdateQuote(ctx, update("X", "A", model.SideBuy, "100", "1")))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = agg.UpdateQuote(ctx, update("X", "B", model.SideSell, "105", "1"))
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_, err := agg.Restore(ctx, "X")
		require.NoError(t, err)
	}
	wg.Wait()

	// Whatever survived the swaps, the live book keeps taking updates.
	before := d("0")
	if ask, ok := agg.BestAsk("X"); ok {
		before = ask.TotalSellQty
	}
	require.NoError(t, agg.UpdateQuote(ctx, update("X", "B", model.SideSell, "105", "1")))
	ask, ok := agg.BestAsk("X")
	require.True(t, ok)
	assert.True(t, ask.TotalSellQty.Equal(before.Add(d("1"))), "got %s", ask.TotalSellQty)

	bid, ok := agg.BestBid("X")
	require.True(t, ok)
	assert.True(t, bid.TotalBuyQty.Equal(d("1")))
}
