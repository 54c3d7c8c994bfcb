package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
)

// PriceLevel is a point-in-time copy of one aggregated price.
type PriceLevel struct {
	Price        decimal.Decimal            `json:"price"`
	TotalBuyQty  decimal.Decimal            `json:"total_buy_qty"`
	TotalSellQty decimal.Decimal            `json:"total_sell_qty"`
	BuySources   map[string]decimal.Decimal `json:"buy_sources,omitempty"`
	SellSources  map[string]decimal.Decimal `json:"sell_sources,omitempty"`
}

// Total returns the aggregate quantity on side.
func (l PriceLevel) Total(side model.Side) decimal.Decimal {
	if side == model.SideBuy {
		return l.TotalBuyQty
	}
	return l.TotalSellQty
}

// Sources returns the per-source contributions on side.
func (l PriceLevel) Sources(side model.Side) map[string]decimal.Decimal {
	if side == model.SideBuy {
		return l.BuySources
	}
	return l.SellSources
}

// level is the mutable price level owned by an orderBook. Its own mutex guards
// the totals and contributions so writers at different prices do not contend.
type level struct {
	price decimal.Decimal

	mu          sync.Mutex
	buyQty      decimal.Decimal
	sellQty     decimal.Decimal
	buySources  map[string]decimal.Decimal
	sellSources map[string]decimal.Decimal
}

func newLevel(price decimal.Decimal) *level {
	return &level{
		price:       price,
		buySources:  make(map[string]decimal.Decimal),
		sellSources: make(map[string]decimal.Decimal),
	}
}

// add credits qty from source on side; the total and the contribution move together.
func (l *level) add(source string, side model.Side, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch side {
	case model.SideBuy:
		l.buyQty = l.buyQty.Add(qty)
		l.buySources[source] = l.buySources[source].Add(qty)
	case model.SideSell:
		l.sellQty = l.sellQty.Add(qty)
		l.sellSources[source] = l.sellSources[source].Add(qty)
	}
}

func (l *level) has(side model.Side) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if side == model.SideBuy {
		return l.buyQty.IsPositive()
	}
	return l.sellQty.IsPositive()
}

func (l *level) snapshot() PriceLevel {
	l.mu.Lock()
	defer l.mu.Unlock()

	return PriceLevel{
		Price:        l.price,
		TotalBuyQty:  l.buyQty,
		TotalSellQty: l.sellQty,
		BuySources:   copySources(l.buySources),
		SellSources:  copySources(l.sellSources),
	}
}

func copySources(src map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// sortedSources returns the source names of m in lexical order.
func sortedSources(m map[string]decimal.Decimal) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
