package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/risk"
)

var (
	ErrQuoteNotFound         = errors.New("quote: not found")
	ErrQuoteExpired          = errors.New("quote: expired")
	ErrInsufficientLiquidity = errors.New("quote: insufficient liquidity")
)

// DefaultHistorySize bounds the number of retired quotes kept for lookups.
const DefaultHistorySize = 10000

// TopicQuotes is the broadcast topic for newly published quotes.
const TopicQuotes = "quotes"

// RiskChecker runs the pre-trade check on a quote before it is published.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, q model.Quote) (risk.Result, error)
}

// Broadcaster pushes published quotes to connected clients.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

type allowAll struct{}

func (allowAll) PreTradeCheck(context.Context, model.Quote) (risk.Result, error) {
	return risk.Result{Passed: true, RuleType: risk.RulePreTrade}, nil
}

type noBroadcast struct{}

func (noBroadcast) Broadcast(string, any) {}

// ServiceConfig tunes the quote service.
type ServiceConfig struct {
	HistorySize int
}

// Rejection is a quote that failed the pre-trade check.
type Rejection struct {
	Quote  model.Quote `json:"quote"`
	Result risk.Result `json:"result"`
}

// Batch is the outcome of publishing a group of quotes.
type Batch struct {
	Accepted []model.Quote `json:"accepted"`
	Rejected []Rejection   `json:"rejected,omitempty"`
}

// Stats counts quotes published for one symbol.
type Stats struct {
	Total         int64     `json:"total_quotes"`
	Buy           int64     `json:"total_buy_quotes"`
	Sell          int64     `json:"total_sell_quotes"`
	LastQuoteTime time.Time `json:"last_quote_time"`
}

// CreateRequest describes a manually entered quote.
type CreateRequest struct {
	Symbol     string           `json:"symbol"`
	MarketType model.MarketType `json:"market_type"`
	Side       model.Side       `json:"side"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Validity   time.Duration    `json:"validity"`
}

func (r CreateRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidInput)
	case !r.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", model.ErrInvalidInput)
	case !r.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", model.ErrInvalidInput)
	}
	return nil
}

// Service owns the active quote set. Quotes enter it only after passing the
// pre-trade risk check and leave it when cancelled or expired, at which point
// they move to a bounded history.
type Service struct {
	engine *Engine
	risk   RiskChecker
	hub    Broadcaster
	clock  clock.Clock
	audit  audit.Sink
	logger *slog.Logger

	history *lru.Cache[string, model.Quote]

	mu     sync.Mutex
	active map[string][]model.Quote
	stats  map[string]*Stats
}

// NewService creates a quote service. checker and hub may be nil.
func NewService(engine *Engine, checker RiskChecker, hub Broadcaster, ports core.Ports, cfg ServiceConfig) (*Service, error) {
	ports = ports.WithDefaults()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	history, err := lru.New[string, model.Quote](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("quote history: %w", err)
	}
	if checker == nil {
		checker = allowAll{}
	}
	if hub == nil {
		hub = noBroadcast{}
	}
	return &Service{
		engine:  engine,
		risk:    checker,
		hub:     hub,
		clock:   ports.Clock,
		audit:   ports.Audit,
		logger:  ports.Logger,
		history: history,
		active:  make(map[string][]model.Quote),
		stats:   make(map[string]*Stats),
	}, nil
}

// Engine exposes the underlying quote engine.
func (s *Service) Engine() *Engine { return s.engine }

// Create publishes a manually entered quote. A zero validity takes the engine
// default. A risk rejection is returned as an error wrapping risk.ErrRejected.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Quote, error) {
	if err := req.validate(); err != nil {
		return model.Quote{}, err
	}
	if req.Validity <= 0 {
		req.Validity = s.engine.cfg.Validity
	}

	q := model.Quote{
		QuoteID:    uuid.NewString(),
		Symbol:     req.Symbol,
		MarketType: req.MarketType,
		Side:       req.Side,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Validity:   req.Validity,
		Source:     "MANUAL",
		QuoteType:  model.QuoteCustom,
	}
	q.Activate(s.clock.Now())

	batch, err := s.publish(ctx, []model.Quote{q})
	if err != nil {
		return model.Quote{}, err
	}
	if len(batch.Rejected) > 0 {
		return batch.Rejected[0].Quote, batch.Rejected[0].Result.Err()
	}
	return batch.Accepted[0], nil
}

// GenerateOptimal publishes the best bid and ask quotes of symbol.
func (s *Service) GenerateOptimal(ctx context.Context, symbol string, marketType model.MarketType) (Batch, error) {
	quotes, ok := s.engine.GenerateBestQuotes(symbol, marketType)
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrInsufficientLiquidity, symbol)
	}
	return s.publish(ctx, quotes[:])
}

// GenerateMultiLevel publishes quotes for the first n levels of each side.
func (s *Service) GenerateMultiLevel(ctx context.Context, symbol string, marketType model.MarketType, n int) (Batch, error) {
	quotes := s.engine.GenerateLevelQuotes(symbol, marketType, n)
	if len(quotes) == 0 {
		return Batch{}, fmt.Errorf("%w: %s", ErrInsufficientLiquidity, symbol)
	}
	return s.publish(ctx, quotes)
}

func (s *Service) publish(ctx context.Context, quotes []model.Quote) (Batch, error) {
	var batch Batch
	for _, q := range quotes {
		res, err := s.risk.PreTradeCheck(ctx, q)
		if err != nil {
			return batch, err
		}
		if !res.Passed {
			q.Status = model.QuoteCancelled
			s.history.Add(q.QuoteID, q)
			batch.Rejected = append(batch.Rejected, Rejection{Quote: q, Result: res})
			s.logger.Warn("quote rejected by risk",
				"quote_id", q.QuoteID,
				"symbol", q.Symbol,
				"rule", res.RuleType,
				"reason", res.Message,
			)
			continue
		}
		batch.Accepted = append(batch.Accepted, q)
	}
	if len(batch.Accepted) == 0 {
		return batch, nil
	}

	s.mu.Lock()
	for _, q := range batch.Accepted {
		s.active[q.Symbol] = append(s.active[q.Symbol], q)
		s.recordStats(q)
	}
	s.setActiveGauge()
	s.mu.Unlock()

	for _, q := range batch.Accepted {
		ev := audit.New(s.clock.Now(), model.EventQuoteGenerated, q.Symbol)
		ev.QuoteID = q.QuoteID
		ev.Details = fmt.Sprintf("%s %s@%s level %d", q.Side, q.Quantity, q.Price, q.Level)
		ev.RiskCheckResult = "PASSED"
		if err := s.audit.Record(ctx, ev); err != nil {
			s.logger.Error("audit quote failed", "quote_id", q.QuoteID, "err", err)
		}
	}
	s.hub.Broadcast(TopicQuotes, batch.Accepted)
	s.logger.Info("quotes published", "count", len(batch.Accepted), "rejected", len(batch.Rejected))
	return batch, nil
}

// recordStats must be called with mu held.
func (s *Service) recordStats(q model.Quote) {
	st, ok := s.stats[q.Symbol]
	if !ok {
		st = &Stats{}
		s.stats[q.Symbol] = st
	}
	st.Total++
	if q.Side == model.SideBuy {
		st.Buy++
	} else {
		st.Sell++
	}
	st.LastQuoteTime = s.clock.Now()
}

// setActiveGauge must be called with mu held.
func (s *Service) setActiveGauge() {
	n := 0
	for _, qs := range s.active {
		n += len(qs)
	}
	metrics.ActiveQuotes.Set(float64(n))
}

// find must be called with mu held.
func (s *Service) find(id string) (symbol string, idx int, ok bool) {
	for sym, qs := range s.active {
		for i, q := range qs {
			if q.QuoteID == id {
				return sym, i, true
			}
		}
	}
	return "", 0, false
}

// Update reprices an active quote. Expired quotes cannot be updated.
func (s *Service) Update(ctx context.Context, id string, price, qty decimal.Decimal) (model.Quote, error) {
	if !price.IsPositive() || !qty.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: price and quantity must be positive", model.ErrInvalidInput)
	}
	now := s.clock.Now()

	s.mu.Lock()
	sym, i, ok := s.find(id)
	if !ok {
		s.mu.Unlock()
		return model.Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	q := s.active[sym][i]
	if q.Expired(now) {
		s.mu.Unlock()
		return model.Quote{}, fmt.Errorf("%w: %s", ErrQuoteExpired, id)
	}
	oldPrice, oldQty := q.Price, q.Quantity
	q.Price, q.Quantity, q.UpdateTime = price, qty, now
	s.active[sym][i] = q
	s.mu.Unlock()

	s.logger.Info("quote updated",
		"quote_id", id,
		"old_price", oldPrice.String(),
		"price", price.String(),
		"old_quantity", oldQty.String(),
		"quantity", qty.String(),
	)
	ev := audit.New(now, model.EventOrderUpdated, q.Symbol)
	ev.QuoteID = id
	ev.Details = fmt.Sprintf("price %s -> %s, quantity %s -> %s", oldPrice, price, oldQty, qty)
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Error("audit quote update failed", "quote_id", id, "err", err)
	}
	return q, nil
}

// Cancel retires an active quote into history.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	sym, i, ok := s.find(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	q := s.active[sym][i]
	s.active[sym] = append(s.active[sym][:i], s.active[sym][i+1:]...)
	s.setActiveGauge()
	s.mu.Unlock()

	q.Status = model.QuoteCancelled
	s.history.Add(q.QuoteID, q)
	s.logger.Info("quote cancelled", "quote_id", id, "symbol", sym)

	ev := audit.New(s.clock.Now(), model.EventOrderUpdated, sym)
	ev.QuoteID = id
	ev.Details = "quote cancelled"
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Error("audit quote cancel failed", "quote_id", id, "err", err)
	}
	return nil
}

// CancelAll retires every active quote of symbol and returns how many.
func (s *Service) CancelAll(ctx context.Context, symbol string) int {
	s.mu.Lock()
	quotes := s.active[symbol]
	delete(s.active, symbol)
	s.setActiveGauge()
	s.mu.Unlock()

	for _, q := range quotes {
		q.Status = model.QuoteCancelled
		s.history.Add(q.QuoteID, q)
	}
	if len(quotes) > 0 {
		ev := audit.New(s.clock.Now(), model.EventOrderUpdated, symbol)
		ev.Details = fmt.Sprintf("%d quotes cancelled", len(quotes))
		if err := s.audit.Record(ctx, ev); err != nil {
			s.logger.Error("audit quote cancel failed", "symbol", symbol, "err", err)
		}
	}
	s.logger.Info("quotes cancelled", "symbol", symbol, "count", len(quotes))
	return len(quotes)
}

// Active returns the unexpired active quotes of symbol in publication order.
func (s *Service) Active(symbol string) []model.Quote {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Quote, 0, len(s.active[symbol]))
	for _, q := range s.active[symbol] {
		if !q.Expired(now) {
			out = append(out, q)
		}
	}
	return out
}

// ActiveCount is the size of the active set, expired entries included until
// ExpireStale moves them out.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, qs := range s.active {
		n += len(qs)
	}
	return n
}

// Get looks a quote up in the active set, then in history.
func (s *Service) Get(id string) (model.Quote, bool) {
	s.mu.Lock()
	if sym, i, ok := s.find(id); ok {
		q := s.active[sym][i]
		s.mu.Unlock()
		return q, true
	}
	s.mu.Unlock()
	return s.history.Get(id)
}

// History returns active and retired quotes of symbol created within the last
// hoursBack hours, newest first.
func (s *Service) History(symbol string, hoursBack int) []model.Quote {
	cutoff := s.clock.Now().Add(-time.Duration(hoursBack) * time.Hour)

	var out []model.Quote
	s.mu.Lock()
	for _, q := range s.active[symbol] {
		if q.CreateTime.After(cutoff) {
			out = append(out, q)
		}
	}
	s.mu.Unlock()
	for _, q := range s.history.Values() {
		if q.Symbol == symbol && q.CreateTime.After(cutoff) {
			out = append(out, q)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	return out
}

// Statistics returns publication counters of symbol.
func (s *Service) Statistics(symbol string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[symbol]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// ExpireStale moves every expired active quote to history and returns how many
// were moved.
func (s *Service) ExpireStale() int {
	now := s.clock.Now()
	var expired []model.Quote

	s.mu.Lock()
	for sym, qs := range s.active {
		kept := qs[:0]
		for _, q := range qs {
			if q.Expired(now) {
				expired = append(expired, q)
				continue
			}
			kept = append(kept, q)
		}
		if len(kept) == 0 {
			delete(s.active, sym)
		} else {
			s.active[sym] = kept
		}
	}
	s.setActiveGauge()
	s.mu.Unlock()

	for _, q := range expired {
		q.Status = model.QuoteExpired
		s.history.Add(q.QuoteID, q)
		s.logger.Debug("quote expired", "quote_id", q.QuoteID, "symbol", q.Symbol)
	}
	if len(expired) > 0 {
		s.logger.Info("stale quotes expired", "count", len(expired))
	}
	return len(expired)
}
