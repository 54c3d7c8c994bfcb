package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/core"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/store"
)

type metaKey struct{}

// RequestMeta identifies who triggered a check. It is copied into the audit
// record.
type RequestMeta struct {
	UserID   string
	ClientIP string
}

// WithRequestMeta attaches m to ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

func requestMeta(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(metaKey{}).(RequestMeta)
	return m
}

// Service runs checks on an Engine and appends one RiskAuditRecord per check.
type Service struct {
	engine *Engine
	logs   store.RiskAuditStore
	audit  audit.Sink
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a risk service around engine.
func NewService(engine *Engine, ports core.Ports) *Service {
	ports = ports.WithDefaults()
	return &Service{
		engine: engine,
		logs:   ports.Store,
		audit:  ports.Audit,
		clock:  ports.Clock,
		logger: ports.Logger,
	}
}

// Engine exposes the rule engine.
func (s *Service) Engine() *Engine { return s.engine }

// PreTradeCheck checks q and records the outcome. The error is non-nil only
// when the audit record could not be written; the result is valid either way.
func (s *Service) PreTradeCheck(ctx context.Context, q model.Quote) (Result, error) {
	res := s.engine.PreTradeCheck(q)
	return res, s.record(ctx, q, "", res)
}

// PostTradeCheck checks an executed trade and records the outcome against
// tradeID.
func (s *Service) PostTradeCheck(ctx context.Context, q model.Quote, tradeID string, realizedPnL decimal.Decimal) (Result, error) {
	res := s.engine.PostTradeCheck(q, realizedPnL)
	return res, s.record(ctx, q, tradeID, res)
}

// BatchPreTradeCheck checks each quote in order. It stops at the first audit
// write failure.
func (s *Service) BatchPreTradeCheck(ctx context.Context, quotes []model.Quote) ([]Result, error) {
	out := make([]Result, 0, len(quotes))
	for _, q := range quotes {
		res, err := s.PreTradeCheck(ctx, q)
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, q model.Quote, tradeID string, res Result) error {
	meta := requestMeta(ctx)
	rec := model.RiskAuditRecord{
		LogID:          uuid.NewString(),
		CheckTime:      s.clock.Now(),
		TradeID:        tradeID,
		QuoteID:        q.QuoteID,
		Symbol:         q.Symbol,
		Side:           q.Side,
		Price:          q.Price,
		Quantity:       q.Quantity,
		RuleType:       string(res.RuleType),
		Passed:         res.Passed,
		Reason:         res.Message,
		UserID:         meta.UserID,
		ClientIP:       meta.ClientIP,
		ConfigSnapshot: s.configSnapshot(),
	}

	if !res.Passed {
		s.logger.Warn("risk check rejected",
			"symbol", q.Symbol,
			"quote_id", q.QuoteID,
			"rule", res.RuleType,
			"reason", res.Message,
		)
	}

	if err := s.logs.SaveRiskRecord(ctx, &rec); err != nil {
		s.logger.Error("save risk audit record failed", "log_id", rec.LogID, "err", err)
		return store.Wrap("save risk audit record", err)
	}
	return nil
}

func (s *Service) configSnapshot() string {
	b, err := json.Marshal(s.engine.Config())
	if err != nil {
		return ""
	}
	return string(b)
}

// Logs returns records checked strictly between start and end.
func (s *Service) Logs(ctx context.Context, start, end time.Time) ([]model.RiskAuditRecord, error) {
	recs, err := s.logs.FindRiskRecordsBetween(ctx, start, end)
	return recs, store.Wrap("find risk records", err)
}

func (s *Service) LogsBySymbol(ctx context.Context, symbol string) ([]model.RiskAuditRecord, error) {
	recs, err := s.logs.FindRiskRecordsBySymbol(ctx, symbol)
	return recs, store.Wrap("find risk records by symbol", err)
}

func (s *Service) LogsByResult(ctx context.Context, passed bool) ([]model.RiskAuditRecord, error) {
	recs, err := s.logs.FindRiskRecordsByResult(ctx, passed)
	return recs, store.Wrap("find risk records by result", err)
}

// ResetStatistics clears the rule counters.
func (s *Service) ResetStatistics() {
	s.engine.Reset()
	s.logger.Info("risk statistics reset")
}

// Stats returns the rule counters.
func (s *Service) Stats() Stats { return s.engine.Stats() }

// Config returns the configuration in effect.
func (s *Service) Config() Config { return s.engine.Config() }

func (s *Service) Enabled() bool { return s.engine.Enabled() }

// SetEnabled toggles risk control and audits the change.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) {
	s.engine.SetEnabled(enabled)
	s.logger.Info("risk control toggled", "enabled", enabled)
	s.configChanged(ctx, fmt.Sprintf("risk control enabled=%t", enabled))
}

// UpdateConfig validates and swaps in cfg, then audits the change.
func (s *Service) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := s.engine.UpdateConfig(cfg); err != nil {
		return err
	}
	s.logger.Info("risk config updated", "enabled", cfg.Enabled)
	s.configChanged(ctx, "risk config updated: "+s.configSnapshot())
	return nil
}

func (s *Service) configChanged(ctx context.Context, details string) {
	ev := audit.New(s.clock.Now(), model.EventConfigurationChanged, "")
	ev.Details = details
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Error("audit config change failed", "err", err)
	}
}
