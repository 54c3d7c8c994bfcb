package position_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/position"
	"github.com/atmx/market-maker/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newLedger() (*position.Ledger, *store.MemoryStore, *clock.Manual) {
	clk := clock.NewManual(t0)
	st := store.NewMemoryStore()
	return position.NewLedger(core.Ports{Clock: clk, Store: st}), st, clk
}

// failingStore fails every position write once armed.
type failingStore struct {
	*store.MemoryStore
	fail bool
}

func (s *failingStore) SavePosition(ctx context.Context, p *model.Position) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.SavePosition(ctx, p)
}

func TestGetCreatesAndPersists(t *testing.T) {
	l, st, _ := newLedger()
	ctx := context.Background()

	p, err := l.Get(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, p.Quantity.IsZero())
	assert.True(t, p.AvgCost.IsZero())
	assert.True(t, p.CreatedAt.Equal(t0))

	stored, err := st.FindPosition(ctx, "XAU")
	require.NoError(t, err)
	assert.Equal(t, "XAU", stored.Symbol)

	_, err = l.Get(ctx, " ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestIncreaseAveragesCost(t *testing.T) {
	l, st, clk := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("10"), d("100"))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	p, err := l.Increase(ctx, "XAU", d("10"), d("120"))
	require.NoError(t, err)

	assert.True(t, p.Quantity.Equal(d("20")))
	assert.Equal(t, "110.00000000", p.AvgCost.StringFixed(position.AvgCostScale))
	assert.True(t, p.UpdatedAt.Equal(t0.Add(time.Minute)))

	stored, err := st.FindPosition(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, stored.AvgCost.Equal(p.AvgCost), "every change is written through")
}

func TestIncreaseRoundsAvgCost(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("1"), d("1"))
	require.NoError(t, err)
	_, err = l.Increase(ctx, "XAU", d("1"), d("1"))
	require.NoError(t, err)
	p, err := l.Increase(ctx, "XAU", d("1"), d("2"))
	require.NoError(t, err)

	assert.Equal(t, "1.33333333", p.AvgCost.String())
}

func TestIncreaseValidates(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("0"), d("1"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = l.Increase(ctx, "XAU", d("1"), d("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = l.Decrease(ctx, "XAU", d("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDecreaseClampsAtZero(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("5"), d("100"))
	require.NoError(t, err)

	p, err := l.Decrease(ctx, "XAU", d("2"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("3")))
	assert.True(t, p.AvgCost.Equal(d("100")), "decrease keeps the average cost")

	p, err = l.Decrease(ctx, "XAU", d("10"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.IsZero())
}

func TestDecreaseReleasesExcessFrozen(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("10"), d("1"))
	require.NoError(t, err)
	ok, err := l.Freeze(ctx, "XAU", d("8"))
	require.NoError(t, err)
	require.True(t, ok)

	p, err := l.Decrease(ctx, "XAU", d("5"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("5")))
	assert.True(t, p.FrozenQty.Equal(d("5")))

	avail, err := l.Available(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, avail.IsZero())
}

func TestFreezeUnfreeze(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("1.0"), d("100"))
	require.NoError(t, err)

	ok, err := l.Freeze(ctx, "XAU", d("0.5"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Freeze(ctx, "XAU", d("0.6"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Unfreeze(ctx, "XAU", d("0.5"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Unfreeze(ctx, "XAU", d("0.1"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Freeze(ctx, "XAU", d("0"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestFailedWriteLeavesCacheUntouched(t *testing.T) {
	clk := clock.NewManual(t0)
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	l := position.NewLedger(core.Ports{Clock: clk, Store: st})
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("10"), d("100"))
	require.NoError(t, err)

	st.fail = true
	_, err = l.Increase(ctx, "XAU", d("10"), d("200"))
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)

	st.fail = false
	p, err := l.Get(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("10")))
	assert.True(t, p.AvgCost.Equal(d("100")))
}

func TestRefreshCacheReloadsFromStore(t *testing.T) {
	l, st, _ := newLedger()
	ctx := context.Background()

	_, err := l.Increase(ctx, "XAU", d("1"), d("1"))
	require.NoError(t, err)

	require.NoError(t, st.SavePosition(ctx, &model.Position{Symbol: "XAU", Quantity: d("42"), AvgCost: d("3")}))
	p, err := l.Get(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("1")), "reads are served from the cache")

	require.NoError(t, l.RefreshCache(ctx, "XAU"))
	p, err = l.Get(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("42")))

	require.NoError(t, st.SavePosition(ctx, &model.Position{Symbol: "XAU", Quantity: d("7")}))
	l.ClearCache()
	p, err = l.Get(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("7")))
}

func TestAllListsStoredPositions(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	for _, sym := range []string{"XAU", "EURUSD"} {
		_, err := l.Increase(ctx, sym, d("1"), d("1"))
		require.NoError(t, err)
	}
	all, err := l.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "EURUSD", all[0].Symbol)
}

func TestConcurrentIncreases(t *testing.T) {
	l, _, _ := newLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Increase(ctx, "XAU", d("1"), d("100"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := l.Get(ctx, "XAU")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("100")))
	assert.True(t, p.AvgCost.Equal(d("100")))
}
