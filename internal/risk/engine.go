package risk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
)

// ErrRejected wraps a failed check when it has to travel as an error.
var ErrRejected = errors.New("risk: rejected")

// Rule labels the rule that produced a Result. The labels are stable; they are
// persisted in the risk audit log.
type Rule string

const (
	RulePreTrade          Rule = "PRE_TRADE_CHECK"
	RulePostTrade         Rule = "POST_TRADE_CHECK"
	RuleSingleTradeAmount Rule = "SINGLE_TRADE_AMOUNT_LIMIT"
	RuleDailyTradeAmount  Rule = "DAILY_TRADE_AMOUNT_LIMIT"
	RulePosition          Rule = "POSITION_LIMIT"
	RuleBlacklist         Rule = "BLACKLIST_CHECK"
	RuleWhitelist         Rule = "WHITELIST_CHECK"
	RuleLevelDeviation    Rule = "LEVEL_DEVIATION_LIMIT"
	RuleSpread            Rule = "SPREAD_LIMIT"
	RuleOrderFrequency    Rule = "ORDER_FREQUENCY_LIMIT"
	RuleLoss              Rule = "LOSS_LIMIT"
)

// OrderWindow is the span the order-rate rule counts over.
const OrderWindow = 5 * time.Second

// Result is the outcome of a check chain. A rejection is a value, not an error.
type Result struct {
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
	RuleType Rule   `json:"rule_type"`
}

// Err returns nil for a pass and an ErrRejected-wrapping error otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, r.RuleType, r.Message)
}

func pass(rule Rule, msg string) Result { return Result{Passed: true, Message: msg, RuleType: rule} }

func reject(rule Rule, format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...), RuleType: rule}
}

// counter is one per-key accumulator.
type counter struct {
	mu sync.Mutex
	v  decimal.Decimal
}

// counters locks per key so increments on different symbols do not contend.
type counters struct {
	mu sync.Mutex
	m  map[string]*counter
}

func newCounters() *counters { return &counters{m: make(map[string]*counter)} }

func (c *counters) get(key string) *counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.m[key]
	if !ok {
		ctr = &counter{}
		c.m[key] = ctr
	}
	return ctr
}

// testAndAdd adds delta to key when ok approves the would-be total. It returns
// the would-be total and whether it was applied.
func (c *counters) testAndAdd(key string, delta decimal.Decimal, ok func(total decimal.Decimal) bool) (decimal.Decimal, bool) {
	ctr := c.get(key)
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	total := ctr.v.Add(delta)
	if !ok(total) {
		return total, false
	}
	ctr.v = total
	return total, true
}

func (c *counters) snapshot() map[string]decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(c.m))
	for k, ctr := range c.m {
		ctr.mu.Lock()
		out[k] = ctr.v
		ctr.mu.Unlock()
	}
	return out
}

func (c *counters) reset() {
	c.mu.Lock()
	c.m = make(map[string]*counter)
	c.mu.Unlock()
}

// Stats exposes the rule counters.
type Stats struct {
	DailyAmounts map[string]decimal.Decimal `json:"daily_amounts"`
	Positions    map[string]decimal.Decimal `json:"positions"`
	RecentOrders int                        `json:"recent_orders"`
}

// Engine evaluates the rule chains. It depends only on a clock and its own
// configuration and counters.
type Engine struct {
	clock clock.Clock
	cfg   atomic.Pointer[Config]

	daily     *counters
	positions *counters

	windowMu sync.Mutex
	window   []time.Time
}

// NewEngine creates an engine with cfg. A nil clock means the system clock.
func NewEngine(cfg Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	e := &Engine{
		clock:     clk,
		daily:     newCounters(),
		positions: newCounters(),
	}
	c := cfg.clone()
	e.cfg.Store(&c)
	return e
}

// Config returns the configuration in effect.
func (e *Engine) Config() Config {
	return e.cfg.Load().clone()
}

// UpdateConfig swaps the configuration. Checks already running finish with
// the configuration they started with.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := cfg.clone()
	e.cfg.Store(&c)
	return nil
}

// SetEnabled toggles every rule.
func (e *Engine) SetEnabled(enabled bool) {
	for {
		old := e.cfg.Load()
		c := old.clone()
		c.Enabled = enabled
		if e.cfg.CompareAndSwap(old, &c) {
			return
		}
	}
}

// Enabled reports whether the rules are evaluated.
func (e *Engine) Enabled() bool {
	return e.cfg.Load().Enabled
}

// PreTradeCheck runs the pre-trade chain on a quote about to be published and
// stops at the first failing rule. A pass records the order in the rate window.
func (e *Engine) PreTradeCheck(q model.Quote) Result {
	cfg := e.cfg.Load()
	res := e.preTrade(cfg, q)
	metrics.RiskChecks.WithLabelValues("pre", string(res.RuleType), passLabel(res.Passed)).Inc()
	return res
}

func (e *Engine) preTrade(cfg *Config, q model.Quote) Result {
	if !cfg.Enabled {
		return pass(RulePreTrade, "risk control disabled")
	}

	if amount := q.Amount(); amount.GreaterThan(cfg.MaxSingleTradeAmount) {
		return reject(RuleSingleTradeAmount, "single trade amount %s exceeds limit %s",
			amount.StringFixed(2), cfg.MaxSingleTradeAmount.StringFixed(2))
	}
	if cfg.blacklisted(q.Symbol) {
		return reject(RuleBlacklist, "symbol in blacklist: %s", q.Symbol)
	}
	if !cfg.whitelisted(q.Symbol) {
		return reject(RuleWhitelist, "symbol not in whitelist: %s", q.Symbol)
	}
	if q.Level > cfg.MaxLevelDeviation {
		return reject(RuleLevelDeviation, "level %d exceeds max deviation %d", q.Level, cfg.MaxLevelDeviation)
	}
	if q.Spread.Valid && q.Spread.Decimal.GreaterThan(cfg.MaxSpreadLimit) {
		return reject(RuleSpread, "spread %s exceeds limit %s",
			q.Spread.Decimal.StringFixed(4), cfg.MaxSpreadLimit.StringFixed(4))
	}
	if n, ok := e.admitOrder(cfg.MaxOrdersPerSecond); !ok {
		return reject(RuleOrderFrequency,
			"order frequency too high, current %d orders/5s exceeds limit %d orders/5s",
			n, cfg.MaxOrdersPerSecond)
	}
	return pass(RulePreTrade, "pre-trade checks passed")
}

// admitOrder drains instants older than the window, then admits now when the
// window holds fewer than limit entries. It returns the count before admission.
func (e *Engine) admitOrder(limit int) (int, bool) {
	now := e.clock.Now()
	cutoff := now.Add(-OrderWindow)

	e.windowMu.Lock()
	defer e.windowMu.Unlock()

	i := 0
	for i < len(e.window) && e.window[i].Before(cutoff) {
		i++
	}
	e.window = e.window[i:]

	n := len(e.window)
	if n >= limit {
		return n, false
	}
	e.window = append(e.window, now)
	return n, true
}

// PostTradeCheck runs the post-trade chain on an executed quote. Counters are
// only incremented by rules that pass, so a rejected trade consumes no quota.
func (e *Engine) PostTradeCheck(q model.Quote, realizedPnL decimal.Decimal) Result {
	cfg := e.cfg.Load()
	res := e.postTrade(cfg, q, realizedPnL)
	metrics.RiskChecks.WithLabelValues("post", string(res.RuleType), passLabel(res.Passed)).Inc()
	return res
}

func (e *Engine) postTrade(cfg *Config, q model.Quote, realizedPnL decimal.Decimal) Result {
	if !cfg.Enabled {
		return pass(RulePostTrade, "risk control disabled")
	}

	key := DailyKey(q.Symbol, e.clock.Now())
	total, ok := e.daily.testAndAdd(key, q.Amount(), func(t decimal.Decimal) bool {
		return !t.GreaterThan(cfg.MaxDailyTradeAmount)
	})
	if !ok {
		return reject(RuleDailyTradeAmount, "daily trade amount %s exceeds limit %s",
			total.StringFixed(2), cfg.MaxDailyTradeAmount.StringFixed(2))
	}

	delta := q.Quantity
	if q.Side == model.SideSell {
		delta = delta.Neg()
	}
	position, ok := e.positions.testAndAdd(q.Symbol, delta, func(p decimal.Decimal) bool {
		return !p.Abs().GreaterThan(cfg.MaxPositionPerSymbol)
	})
	if !ok {
		return reject(RulePosition, "symbol %s position %s exceeds limit %s",
			q.Symbol, position.StringFixed(2), cfg.MaxPositionPerSymbol.StringFixed(2))
	}

	if realizedPnL.LessThan(cfg.MaxLossLimit) {
		return reject(RuleLoss, "realized pnl %s below max loss limit %s",
			realizedPnL.StringFixed(2), cfg.MaxLossLimit.StringFixed(2))
	}
	return pass(RulePostTrade, "post-trade checks passed")
}

// DailyKey is the daily-amount counter key of symbol on the day of t.
func DailyKey(symbol string, t time.Time) string {
	return symbol + "_" + t.Format(time.DateOnly)
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.windowMu.Lock()
	n := len(e.window)
	e.windowMu.Unlock()
	return Stats{
		DailyAmounts: e.daily.snapshot(),
		Positions:    e.positions.snapshot(),
		RecentOrders: n,
	}
}

// Reset clears every counter and the order window. The configuration is kept.
func (e *Engine) Reset() {
	e.daily.reset()
	e.positions.reset()
	e.windowMu.Lock()
	e.window = nil
	e.windowMu.Unlock()
}

func passLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "reject"
}
