package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/trade"
)

// TradeRequest is the JSON body for POST /api/v1/trades. Status selects the
// resolver entry point; side, price and quantity are read for executions only.
type TradeRequest struct {
	Status   string          `json:"status"`
	QuoteID  string          `json:"quote_id"`
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

// processTrade handles POST /api/v1/trades
func (s *Server) processTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := model.ParseTradeStatus(req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ctx := r.Context()
	switch status {
	case model.TradeExecuted:
		out, err := s.Trades.ProcessExecuted(ctx, trade.Execution{
			QuoteID:  req.QuoteID,
			Symbol:   req.Symbol,
			Side:     req.Side,
			Price:    req.Price,
			Quantity: req.Quantity,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, out)

	case model.TradeRejected:
		report, err := s.Trades.ProcessRejected(ctx, req.QuoteID, req.Symbol, req.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, report)

	case model.TradeCancelled:
		report, err := s.Trades.ProcessCancelled(ctx, req.QuoteID, req.Symbol)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, report)

	default:
		s.writeError(w, "status must be EXECUTED, REJECTED or CANCELLED", http.StatusBadRequest)
	}
}

// listTrades handles GET /api/v1/trades?symbol=&status=&quote_id=
func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, quoteID := q.Get("symbol"), q.Get("quote_id")

	var status model.TradeStatus
	if v := q.Get("status"); v != "" {
		st, err := model.ParseTradeStatus(v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status = st
	}

	ctx := r.Context()
	var (
		reports []model.TradeReport
		err     error
	)
	switch {
	case quoteID != "":
		reports, err = s.Trades.ByQuoteID(ctx, quoteID)
	case symbol != "" && status != "":
		reports, err = s.Trades.BySymbolAndStatus(ctx, symbol, status)
	case symbol != "":
		reports, err = s.Trades.BySymbol(ctx, symbol)
	case status != "":
		reports, err = s.Trades.ByStatus(ctx, status)
	default:
		s.writeError(w, "symbol, status or quote_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if reports == nil {
		reports = []model.TradeReport{}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

// getTrade handles GET /api/v1/trades/id/{tradeID}
func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	report, err := s.Trades.Report(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// tradeTotals handles GET /api/v1/trades/totals/{symbol}
func (s *Server) tradeTotals(w http.ResponseWriter, r *http.Request) {
	st, err := s.Trades.Stats(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
