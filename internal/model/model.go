// Package model defines the domain types shared across the market-making engine.
// All prices, quantities and amounts use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput tags values rejected at a component boundary.
var ErrInvalidInput = errors.New("model: invalid input")

// Side is the direction of a quote, trade or book contribution.
// The integer codes match the book snapshot schema.
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	}
	return ""
}

// ParseSide accepts "BUY"/"SELL" in any case or the codes "1"/"2".
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "1":
		return SideBuy, nil
	case "SELL", "2":
		return SideSell, nil
	}
	return 0, fmt.Errorf("%w: side %q", ErrInvalidInput, s)
}

// SideFromCode converts a persisted integer code.
func SideFromCode(code int) (Side, error) {
	s := Side(code)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: side code %d", ErrInvalidInput, code)
	}
	return s, nil
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		var code int
		if err := json.Unmarshal(data, &code); err != nil {
			return fmt.Errorf("%w: side %s", ErrInvalidInput, string(data))
		}
		str = strconv.Itoa(code)
	}
	parsed, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarketType classifies a symbol. It is fixed when a book is first created.
type MarketType int

const (
	MarketDomesticGold MarketType = 1
	MarketFX           MarketType = 2
	MarketOffshore     MarketType = 3
)

func (m MarketType) String() string {
	switch m {
	case MarketDomesticGold:
		return "DOMESTIC_GOLD"
	case MarketFX:
		return "FX"
	case MarketOffshore:
		return "OFFSHORE"
	}
	return "UNKNOWN"
}

// QuoteType labels how a quote was derived.
type QuoteType string

const (
	QuoteBestBid   QuoteType = "BEST_BID"
	QuoteBestAsk   QuoteType = "BEST_ASK"
	QuoteSecondBid QuoteType = "SECOND_BID"
	QuoteSecondAsk QuoteType = "SECOND_ASK"
	QuoteCustom    QuoteType = "CUSTOM"
)

// QuoteStatus is the lifecycle state of a quote held by the quote service.
type QuoteStatus string

const (
	QuotePending   QuoteStatus = "PENDING"
	QuoteActive    QuoteStatus = "ACTIVE"
	QuoteExpired   QuoteStatus = "EXPIRED"
	QuoteCancelled QuoteStatus = "CANCELLED"
)

// Quote is an executable price produced by the quote engine.
type Quote struct {
	QuoteID    string              `json:"quote_id"`
	Symbol     string              `json:"symbol"`
	MarketType MarketType          `json:"market_type"`
	Side       Side                `json:"side"`
	Price      decimal.Decimal     `json:"price"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Level      int                 `json:"level"`
	Spread     decimal.NullDecimal `json:"spread"`
	Validity   time.Duration       `json:"validity"`
	ExpireTime time.Time           `json:"expire_time"`
	CreateTime time.Time           `json:"create_time"`
	UpdateTime time.Time           `json:"update_time"`
	Source     string              `json:"source"`
	QuoteType  QuoteType           `json:"quote_type"`
	Status     QuoteStatus         `json:"status"`
}

// Activate stamps the quote with create, update and expiry instants.
func (q *Quote) Activate(now time.Time) {
	if q.CreateTime.IsZero() {
		q.CreateTime = now
	}
	q.UpdateTime = now
	q.ExpireTime = now.Add(q.Validity)
	q.Status = QuoteActive
}

// Expired reports whether now is at or past the expiry instant.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpireTime)
}

// Valid reports whether the quote may still be acted on.
func (q Quote) Valid(now time.Time) bool {
	return !q.Expired(now) && q.Status != QuoteCancelled
}

// Amount is price × quantity.
func (q Quote) Amount() decimal.Decimal {
	return q.Price.Mul(q.Quantity)
}

// Position is the authoritative holding for one symbol.
type Position struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	FrozenQty decimal.Decimal `json:"frozen_qty" db:"frozen_qty"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available is quantity not earmarked by a freeze.
func (p Position) Available() decimal.Decimal {
	return p.Quantity.Sub(p.FrozenQty)
}

// TradeStatus is terminal once it leaves PENDING.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeExecuted  TradeStatus = "EXECUTED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeRejected  TradeStatus = "REJECTED"
)

// ParseTradeStatus accepts a status label in any case.
func ParseTradeStatus(s string) (TradeStatus, error) {
	switch st := TradeStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case TradePending, TradeExecuted, TradeCancelled, TradeRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: trade status %q", ErrInvalidInput, s)
}

// TradeReport records the outcome of a quote. Rejected and cancelled reports
// carry no side and zero price and quantity.
type TradeReport struct {
	TradeID       string          `json:"trade_id" db:"trade_id"`
	QuoteID       string          `json:"quote_id" db:"quote_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          Side            `json:"side,omitempty" db:"side"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Status        TradeStatus     `json:"status" db:"status"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	Slippage      decimal.Decimal `json:"slippage" db:"slippage"`
	Reason        string          `json:"reason,omitempty" db:"reason"`
	ExecutionTime time.Time       `json:"execution_time" db:"execution_time"`
}

// Turnover is price × quantity.
func (t TradeReport) Turnover() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// RiskAuditRecord is one append-only entry per risk check.
type RiskAuditRecord struct {
	LogID          string          `json:"log_id"`
	CheckTime      time.Time       `json:"check_time"`
	TradeID        string          `json:"trade_id,omitempty"`
	QuoteID        string          `json:"quote_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	RuleType       string          `json:"rule_type"`
	Passed         bool            `json:"passed"`
	Reason         string          `json:"reason"`
	UserID         string          `json:"user_id,omitempty"`
	ClientIP       string          `json:"client_ip,omitempty"`
	ConfigSnapshot string          `json:"config_snapshot,omitempty"`
}

// Amount is always derived from price and quantity.
func (r RiskAuditRecord) Amount() decimal.Decimal {
	return r.Price.Mul(r.Quantity)
}

func (r RiskAuditRecord) MarshalJSON() ([]byte, error) {
	type plain RiskAuditRecord
	return json.Marshal(struct {
		plain
		Amount decimal.Decimal `json:"amount"`
	}{plain(r), r.Amount()})
}

// SnapshotRow is one source contribution on one side of one price level at a
// snapshot instant.
type SnapshotRow struct {
	ID           int64           `json:"id" db:"id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	MarketType   MarketType      `json:"market_type" db:"market_type"`
	Source       string          `json:"source" db:"source"`
	Side         Side            `json:"side" db:"side"`
	PriceLevel   int             `json:"price_level" db:"price_level"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	SnapshotTime time.Time       `json:"snapshot_time" db:"snapshot_time"`
}

// EventType labels an audit event.
type EventType string

const (
	EventOrderCreated         EventType = "ORDER_CREATED"
	EventOrderUpdated         EventType = "ORDER_UPDATED"
	EventQuoteGenerated       EventType = "QUOTE_GENERATED"
	EventTradeExecuted        EventType = "TRADE_EXECUTED"
	EventTradeRejected        EventType = "TRADE_REJECTED"
	EventTradeCancelled       EventType = "TRADE_CANCELLED"
	EventSystemSnapshot       EventType = "SYSTEM_SNAPSHOT"
	EventConfigurationChanged EventType = "CONFIGURATION_CHANGED"
	EventErrorOccurred        EventType = "ERROR_OCCURRED"
)

// ParseEventType validates an event label.
func ParseEventType(s string) (EventType, error) {
	switch et := EventType(strings.ToUpper(strings.TrimSpace(s))); et {
	case EventOrderCreated, EventOrderUpdated, EventQuoteGenerated,
		EventTradeExecuted, EventTradeRejected, EventTradeCancelled,
		EventSystemSnapshot, EventConfigurationChanged, EventErrorOccurred:
		return et, nil
	}
	return "", fmt.Errorf("%w: event type %q", ErrInvalidInput, s)
}

// AuditEvent is an append-only business event.
type AuditEvent struct {
	EventID         string    `json:"event_id"`
	Timestamp       time.Time `json:"timestamp"`
	EventType       EventType `json:"event_type"`
	Symbol          string    `json:"symbol,omitempty"`
	QuoteID         string    `json:"quote_id,omitempty"`
	OrderID         string    `json:"order_id,omitempty"`
	TradeID         string    `json:"trade_id,omitempty"`
	Details         string    `json:"details,omitempty"`
	RiskCheckResult string    `json:"risk_check_result,omitempty"`
}

// EventFilter narrows an audit event query. Zero fields are ignored.
type EventFilter struct {
	Start     time.Time
	End       time.Time
	EventType EventType
	Symbol    string
}

// PageRequest selects a zero-based page.
type PageRequest struct {
	Number int
	Size   int
}

// Offset returns the row offset of the page.
func (p PageRequest) Offset() int {
	return p.Number * p.Size
}

// Page is one page of results.
type Page[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Number int   `json:"number"`
	Size   int   `json:"size"`
}
