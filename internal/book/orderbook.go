package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/atmx/market-maker/internal/model"
)

// OrderBook is a point-in-time depth view of one symbol. Bids are sorted by
// price descending and asks ascending; only levels with liquidity on that side
// appear.
type OrderBook struct {
	Symbol     string           `json:"symbol"`
	MarketType model.MarketType `json:"market_type"`
	Bids       []PriceLevel     `json:"bids"`
	Asks       []PriceLevel     `json:"asks"`
}

// orderBook holds the aggregated ladder of one symbol. The tree is keyed by
// price ascending. mu guards the tree shape; each level guards its own totals.
type orderBook struct {
	symbol     string
	marketType model.MarketType

	mu     sync.RWMutex
	levels *btree.BTreeG[*level]
}

func newOrderBook(symbol string, marketType model.MarketType) *orderBook {
	return &orderBook{
		symbol:     symbol,
		marketType: marketType,
		levels: btree.NewBTreeGOptions(func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}, btree.Options{NoLocks: true}),
	}
}

// levelAt returns the level at price, creating it under the write lock if needed.
func (b *orderBook) levelAt(price decimal.Decimal) *level {
	pivot := &level{price: price}

	b.mu.RLock()
	lvl, ok := b.levels.Get(pivot)
	b.mu.RUnlock()
	if ok {
		return lvl
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if lvl, ok := b.levels.Get(pivot); ok {
		return lvl
	}
	lvl = newLevel(price)
	b.levels.Set(lvl)
	return lvl
}

func (b *orderBook) add(source string, side model.Side, price, qty decimal.Decimal) {
	b.levelAt(price).add(source, side, qty)
}

// best walks from the best end of side and returns the first level with
// liquidity on that side.
func (b *orderBook) best(side model.Side) (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var found *level
	iter := func(l *level) bool {
		if l.has(side) {
			found = l
			return false
		}
		return true
	}
	if side == model.SideBuy {
		b.levels.Reverse(iter)
	} else {
		b.levels.Scan(iter)
	}
	if found == nil {
		return PriceLevel{}, false
	}
	return found.snapshot(), true
}

// ladder returns the levels with liquidity on side, best first.
func (b *orderBook) ladder(side model.Side) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []PriceLevel
	iter := func(l *level) bool {
		if snap := l.snapshot(); snap.Total(side).IsPositive() {
			out = append(out, snap)
		}
		return true
	}
	if side == model.SideBuy {
		b.levels.Reverse(iter)
	} else {
		b.levels.Scan(iter)
	}
	return out
}

func (b *orderBook) view() OrderBook {
	return OrderBook{
		Symbol:     b.symbol,
		MarketType: b.marketType,
		Bids:       b.ladder(model.SideBuy),
		Asks:       b.ladder(model.SideSell),
	}
}

func (b *orderBook) depth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levels.Len()
}

// rows flattens the book into snapshot rows stamped at now. price_level is the
// rank of the price within its side ladder.
func (b *orderBook) rows(now time.Time) []model.SnapshotRow {
	var rows []model.SnapshotRow
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		for rank, lvl := range b.ladder(side) {
			sources := lvl.Sources(side)
			for _, src := range sortedSources(sources) {
				qty := sources[src]
				if !qty.IsPositive() {
					continue
				}
				rows = append(rows, model.SnapshotRow{
					Symbol:       b.symbol,
					MarketType:   b.marketType,
					Source:       src,
					Side:         side,
					PriceLevel:   rank,
					Price:        lvl.Price,
					Quantity:     qty,
					SnapshotTime: now,
				})
			}
		}
	}
	return rows
}
