package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func row(symbol, source string, side model.Side, level int, price string, at time.Time) *model.SnapshotRow {
	return &model.SnapshotRow{
		Symbol:       symbol,
		MarketType:   model.MarketFX,
		Source:       source,
		Side:         side,
		PriceLevel:   level,
		Price:        d(price),
		Quantity:     d("1"),
		SnapshotTime: at,
	}
}

func TestMemorySnapshots(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	rows := []model.SnapshotRow{
		*row("EURUSD", "EBS", model.SideSell, 1, "1.1002", t0),
		*row("EURUSD", "EBS", model.SideBuy, 1, "1.1000", t0),
		*row("EURUSD", "REUTERS", model.SideBuy, 2, "1.0999", t0.Add(time.Minute)),
		*row("EURUSD", "EBS", model.SideBuy, 1, "1.1001", t0.Add(time.Minute)),
	}
	require.NoError(t, st.SaveSnapshotRows(ctx, rows))
	require.NoError(t, st.SaveSnapshotRows(ctx, []model.SnapshotRow{*row("GBPUSD", "EBS", model.SideBuy, 1, "1.2500", t0.Add(time.Hour))}))
	require.NoError(t, st.SaveSnapshotRows(ctx, nil))
	for i, r := range rows {
		assert.Equal(t, int64(i+1), r.ID, "the store assigns ids in order")
	}

	between, err := st.FindSnapshotsBetween(ctx, "EURUSD", t0, t0)
	require.NoError(t, err)
	require.Len(t, between, 2, "bounds are inclusive")
	assert.Equal(t, model.SideBuy, between[0].Side, "ordered by level then side")

	latest, err := st.FindLatestSnapshot(ctx, "EURUSD", 0)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	for _, r := range latest {
		assert.Equal(t, t0.Add(time.Minute), r.SnapshotTime)
	}

	none, err := st.FindLatestSnapshot(ctx, "EURUSD", model.MarketDomesticGold)
	require.NoError(t, err)
	assert.Empty(t, none, "market type filters rows")

	sources, err := st.DistinctSources(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, []string{"EBS", "REUTERS"}, sources)

	n, err := st.DeleteSnapshotsBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest, err := st.FindSnapshotsBetween(ctx, "EURUSD", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestMemoryPositionsAndTrades(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	_, err := st.FindPosition(ctx, "XAU")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, st.SavePosition(ctx, &model.Position{Symbol: "XAU", Quantity: d("2")}))
	require.NoError(t, st.SavePosition(ctx, &model.Position{Symbol: "AG", Quantity: d("5")}))
	require.NoError(t, st.SavePosition(ctx, &model.Position{Symbol: "XAU", Quantity: d("3")}))

	all, err := st.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "AG", all[0].Symbol)
	assert.True(t, d("3").Equal(all[1].Quantity), "save replaces")

	for _, tr := range []model.TradeReport{
		{TradeID: "t1", QuoteID: "q1", Symbol: "XAU", Status: model.TradeExecuted},
		{TradeID: "t2", QuoteID: "q1", Symbol: "XAU", Status: model.TradeRejected},
		{TradeID: "t3", QuoteID: "q2", Symbol: "AG", Status: model.TradeExecuted},
	} {
		require.NoError(t, st.SaveTrade(ctx, &tr))
	}

	got, err := st.FindTrade(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, model.TradeRejected, got.Status)
	_, err = st.FindTrade(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	byQuote, _ := st.FindTradesByQuoteID(ctx, "q1")
	assert.Len(t, byQuote, 2)
	byStatus, _ := st.FindTradesByStatus(ctx, model.TradeExecuted)
	assert.Len(t, byStatus, 2)
	both, _ := st.FindTradesBySymbolAndStatus(ctx, "XAU", model.TradeExecuted)
	require.Len(t, both, 1)
	assert.Equal(t, "t1", both[0].TradeID)
}

func TestMemoryRiskRecordBoundsAreExclusive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for i, at := range []time.Time{t0, t0.Add(time.Second), t0.Add(2 * time.Second)} {
		require.NoError(t, st.SaveRiskRecord(ctx, &model.RiskAuditRecord{
			LogID: string(rune('a' + i)), CheckTime: at, Symbol: "XAU", Passed: i != 1,
		}))
	}

	recs, err := st.FindRiskRecordsBetween(ctx, t0, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].LogID)

	failed, err := st.FindRiskRecordsByResult(ctx, false)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestMemoryEventPaging(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for i := 0; i < 5; i++ {
		et := model.EventQuoteGenerated
		if i%2 == 1 {
			et = model.EventTradeExecuted
		}
		require.NoError(t, st.SaveEvent(ctx, &model.AuditEvent{
			EventID: string(rune('a' + i)), Timestamp: t0.Add(time.Duration(i) * time.Minute), EventType: et, Symbol: "XAU",
		}))
	}

	page, err := st.FindEvents(ctx, model.EventFilter{EventType: model.EventQuoteGenerated}, model.PageRequest{Number: 0, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "e", page.Items[0].EventID, "newest first")

	page, err = st.FindEvents(ctx, model.EventFilter{EventType: model.EventQuoteGenerated}, model.PageRequest{Number: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].EventID)

	page, err = st.FindEvents(ctx, model.EventFilter{Start: t0.Add(time.Minute), End: t0.Add(3 * time.Minute)}, model.PageRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3, "zero size returns every match")
}
