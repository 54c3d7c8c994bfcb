// Package position keeps the authoritative per-symbol positions with exact
// average-cost accounting.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

// ErrInconsistentState signals a broken position invariant. State must be
// reconciled from the store before trading continues.
var ErrInconsistentState = errors.New("position: inconsistent state")

// AvgCostScale is the number of decimal places kept in average cost.
const AvgCostScale = 8

// Ledger serializes mutations per symbol and writes every change through to
// the store before it becomes visible in the cache.
type Ledger struct {
	positions store.PositionStore
	clock     clock.Clock
	logger    *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]model.Position
}

// NewLedger creates a ledger over ports.Store.
func NewLedger(ports core.Ports) *Ledger {
	ports = ports.WithDefaults()
	return &Ledger{
		positions: ports.Store,
		clock:     ports.Clock,
		logger:    ports.Logger,
		locks:     make(map[string]*sync.Mutex),
		cache:     make(map[string]model.Position),
	}
}

func (l *Ledger) lock(symbol string) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[symbol]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[symbol] = mu
	}
	l.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Get returns the position of symbol, creating and persisting an empty one on
// first reference.
func (l *Ledger) Get(ctx context.Context, symbol string) (model.Position, error) {
	if err := validSymbol(symbol); err != nil {
		return model.Position{}, err
	}
	unlock := l.lock(symbol)
	defer unlock()
	return l.load(ctx, symbol)
}

// load must be called with the symbol lock held.
func (l *Ledger) load(ctx context.Context, symbol string) (model.Position, error) {
	l.cacheMu.RLock()
	p, ok := l.cache[symbol]
	l.cacheMu.RUnlock()
	if ok {
		return p, nil
	}

	stored, err := l.positions.FindPosition(ctx, symbol)
	switch {
	case err == nil:
		p = *stored
	case errors.Is(err, store.ErrNotFound):
		now := l.clock.Now()
		p = model.Position{Symbol: symbol, CreatedAt: now, UpdatedAt: now}
		if err := l.positions.SavePosition(ctx, &p); err != nil {
			return model.Position{}, store.Wrap("create position", err)
		}
		l.logger.Info("position created", "symbol", symbol)
	default:
		return model.Position{}, store.Wrap("find position", err)
	}

	l.put(p)
	return p, nil
}

func (l *Ledger) put(p model.Position) {
	l.cacheMu.Lock()
	l.cache[p.Symbol] = p
	l.cacheMu.Unlock()
}

// save persists p and, on success, publishes it to the cache.
func (l *Ledger) save(ctx context.Context, p model.Position) error {
	p.UpdatedAt = l.clock.Now()
	if err := l.positions.SavePosition(ctx, &p); err != nil {
		l.logger.Error("save position failed", "symbol", p.Symbol, "err", err)
		return store.Wrap("save position", err)
	}
	l.put(p)
	return nil
}

// mutate applies fn to the position of symbol under its lock and writes the
// result through. fn reports false to leave the position untouched.
func (l *Ledger) mutate(ctx context.Context, symbol string, fn func(p *model.Position) (bool, error)) (model.Position, bool, error) {
	if err := validSymbol(symbol); err != nil {
		return model.Position{}, false, err
	}
	unlock := l.lock(symbol)
	defer unlock()

	p, err := l.load(ctx, symbol)
	if err != nil {
		return model.Position{}, false, err
	}
	next := p
	ok, err := fn(&next)
	if err != nil || !ok {
		return p, false, err
	}
	if next.FrozenQty.IsNegative() || next.FrozenQty.GreaterThan(next.Quantity.Abs()) {
		return p, false, fmt.Errorf("%w: %s frozen %s outside [0, %s]",
			ErrInconsistentState, symbol, next.FrozenQty, next.Quantity.Abs())
	}
	if err := l.save(ctx, next); err != nil {
		return p, false, err
	}
	return next, true, nil
}

// Increase adds qty bought at price and re-averages the cost:
// avg = (avg × qty_old + price × qty) / (qty_old + qty), rounded half-up to 8
// places, or zero when the new quantity is zero.
func (l *Ledger) Increase(ctx context.Context, symbol string, qty, price decimal.Decimal) (model.Position, error) {
	if !qty.IsPositive() || price.IsNegative() {
		return model.Position{}, fmt.Errorf("%w: increase %s@%s", model.ErrInvalidInput, qty, price)
	}
	p, _, err := l.mutate(ctx, symbol, func(p *model.Position) (bool, error) {
		total := p.AvgCost.Mul(p.Quantity).Add(price.Mul(qty))
		p.Quantity = p.Quantity.Add(qty)
		if p.Quantity.IsZero() {
			p.AvgCost = decimal.Zero
		} else {
			p.AvgCost = total.DivRound(p.Quantity, AvgCostScale)
		}
		return true, nil
	})
	if err == nil {
		l.logger.Info("position increased",
			"symbol", symbol,
			"qty", qty.String(),
			"price", price.String(),
			"position", p.Quantity.String(),
			"avg_cost", p.AvgCost.String(),
		)
	}
	return p, err
}

// Decrease removes qty, clamping the quantity at zero. Average cost is kept.
// A frozen quantity larger than what remains is released down to it.
func (l *Ledger) Decrease(ctx context.Context, symbol string, qty decimal.Decimal) (model.Position, error) {
	if !qty.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: decrease %s", model.ErrInvalidInput, qty)
	}
	p, _, err := l.mutate(ctx, symbol, func(p *model.Position) (bool, error) {
		p.Quantity = decimal.Max(p.Quantity.Sub(qty), decimal.Zero)
		if p.FrozenQty.GreaterThan(p.Quantity) {
			l.logger.Warn("frozen quantity released by decrease",
				"symbol", symbol,
				"frozen", p.FrozenQty.String(),
				"position", p.Quantity.String(),
			)
			p.FrozenQty = p.Quantity
		}
		return true, nil
	})
	if err == nil {
		l.logger.Info("position decreased", "symbol", symbol, "qty", qty.String(), "position", p.Quantity.String())
	}
	return p, err
}

// Freeze earmarks qty when at least that much is available.
func (l *Ledger) Freeze(ctx context.Context, symbol string, qty decimal.Decimal) (bool, error) {
	if !qty.IsPositive() {
		return false, fmt.Errorf("%w: freeze %s", model.ErrInvalidInput, qty)
	}
	_, ok, err := l.mutate(ctx, symbol, func(p *model.Position) (bool, error) {
		if p.Available().LessThan(qty) {
			return false, nil
		}
		p.FrozenQty = p.FrozenQty.Add(qty)
		return true, nil
	})
	return ok, err
}

// Unfreeze releases qty when at least that much is frozen.
func (l *Ledger) Unfreeze(ctx context.Context, symbol string, qty decimal.Decimal) (bool, error) {
	if !qty.IsPositive() {
		return false, fmt.Errorf("%w: unfreeze %s", model.ErrInvalidInput, qty)
	}
	_, ok, err := l.mutate(ctx, symbol, func(p *model.Position) (bool, error) {
		if p.FrozenQty.LessThan(qty) {
			return false, nil
		}
		p.FrozenQty = p.FrozenQty.Sub(qty)
		return true, nil
	})
	return ok, err
}

// Available is quantity minus frozen quantity.
func (l *Ledger) Available(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := l.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Available(), nil
}

// All lists every stored position.
func (l *Ledger) All(ctx context.Context) ([]model.Position, error) {
	ps, err := l.positions.ListPositions(ctx)
	return ps, store.Wrap("list positions", err)
}

// ClearCache drops every cached position; the next read reloads from the store.
func (l *Ledger) ClearCache() {
	l.cacheMu.Lock()
	l.cache = make(map[string]model.Position)
	l.cacheMu.Unlock()
}

// RefreshCache reloads symbol from the store, dropping it when absent.
func (l *Ledger) RefreshCache(ctx context.Context, symbol string) error {
	unlock := l.lock(symbol)
	defer unlock()

	p, err := l.positions.FindPosition(ctx, symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.cacheMu.Lock()
		delete(l.cache, symbol)
		l.cacheMu.Unlock()
		return nil
	case err != nil:
		return store.Wrap("refresh position", err)
	}
	l.put(*p)
	return nil
}

func validSymbol(symbol string) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	}
	return nil
}
