// Package risk runs the ordered pre-trade and post-trade rule chains and keeps
// the counters those rules read.
package risk

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
)

// Config holds the rule limits. A Config is immutable once handed to an
// Engine; updates swap in a new value.
type Config struct {
	Enabled              bool            `json:"enabled"`
	MaxSingleTradeAmount decimal.Decimal `json:"max_single_trade_amount"`
	MaxDailyTradeAmount  decimal.Decimal `json:"max_daily_trade_amount"`
	MaxPositionPerSymbol decimal.Decimal `json:"max_position_per_symbol"`
	MaxSpreadLimit       decimal.Decimal `json:"max_spread_limit"`
	MaxLevelDeviation    int             `json:"max_level_deviation"`
	// MaxOrdersPerSecond is compared against the number of orders in the
	// last 5 seconds, not the last second.
	MaxOrdersPerSecond int `json:"max_orders_per_second"`
	// MaxLeverage is reserved; no rule reads it.
	MaxLeverage decimal.Decimal `json:"max_leverage"`
	// MaxLossLimit is a non-positive floor for realized P&L.
	MaxLossLimit decimal.Decimal `json:"max_loss_limit"`
	Blacklist    []string        `json:"blacklist"`
	Whitelist    []string        `json:"whitelist"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxSingleTradeAmount: decimal.NewFromInt(1_000_000),
		MaxDailyTradeAmount:  decimal.NewFromInt(10_000_000),
		MaxPositionPerSymbol: decimal.NewFromInt(500_000),
		MaxSpreadLimit:       decimal.RequireFromString("0.01"),
		MaxLevelDeviation:    5,
		MaxOrdersPerSecond:   10,
		MaxLeverage:          decimal.NewFromInt(10),
		MaxLossLimit:         decimal.NewFromInt(-100_000),
	}
}

// Validate rejects limits no rule can evaluate sensibly.
func (c Config) Validate() error {
	switch {
	case c.MaxSingleTradeAmount.IsNegative():
		return fmt.Errorf("%w: max_single_trade_amount must not be negative", model.ErrInvalidInput)
	case c.MaxDailyTradeAmount.IsNegative():
		return fmt.Errorf("%w: max_daily_trade_amount must not be negative", model.ErrInvalidInput)
	case c.MaxPositionPerSymbol.IsNegative():
		return fmt.Errorf("%w: max_position_per_symbol must not be negative", model.ErrInvalidInput)
	case c.MaxSpreadLimit.IsNegative():
		return fmt.Errorf("%w: max_spread_limit must not be negative", model.ErrInvalidInput)
	case c.MaxLevelDeviation < 0:
		return fmt.Errorf("%w: max_level_deviation must not be negative", model.ErrInvalidInput)
	case c.MaxOrdersPerSecond < 0:
		return fmt.Errorf("%w: max_orders_per_second must not be negative", model.ErrInvalidInput)
	case c.MaxLossLimit.IsPositive():
		return fmt.Errorf("%w: max_loss_limit must not be positive", model.ErrInvalidInput)
	}
	return nil
}

func (c Config) clone() Config {
	c.Blacklist = slices.Clone(c.Blacklist)
	c.Whitelist = slices.Clone(c.Whitelist)
	return c
}

func (c Config) blacklisted(symbol string) bool {
	return slices.Contains(c.Blacklist, symbol)
}

// whitelisted treats an empty whitelist as admitting every symbol.
func (c Config) whitelisted(symbol string) bool {
	return len(c.Whitelist) == 0 || slices.Contains(c.Whitelist, symbol)
}
