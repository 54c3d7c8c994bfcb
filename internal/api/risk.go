package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/risk"
)

// CheckRequest is the JSON body for POST /api/v1/risk/check. It describes a
// prospective quote.
type CheckRequest struct {
	QuoteID  string              `json:"quote_id"`
	Symbol   string              `json:"symbol"`
	Side     model.Side          `json:"side"`
	Price    decimal.Decimal     `json:"price"`
	Quantity decimal.Decimal     `json:"quantity"`
	Level    int                 `json:"level"`
	Spread   decimal.NullDecimal `json:"spread"`
}

// riskConfig handles GET /api/v1/risk/config
func (s *Server) riskConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Risk.Config())
}

// updateRiskConfig handles PUT /api/v1/risk/config. The body replaces the
// whole configuration.
func (s *Server) updateRiskConfig(w http.ResponseWriter, r *http.Request) {
	var cfg risk.Config
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.Risk.UpdateConfig(r.Context(), cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Risk.Config())
}

// riskCheck handles POST /api/v1/risk/check. A rejection is a 200 with
// passed=false; the check is recorded either way.
func (s *Server) riskCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		s.writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	res, err := s.Risk.PreTradeCheck(r.Context(), model.Quote{
		QuoteID:  req.QuoteID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
		Level:    req.Level,
		Spread:   req.Spread,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// riskLogs handles GET /api/v1/risk/logs?symbol= | ?passed= | ?start=&end=
// With no filter it returns the last hour.
func (s *Server) riskLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var (
		recs []model.RiskAuditRecord
		err  error
	)
	switch {
	case q.Get("symbol") != "":
		recs, err = s.Risk.LogsBySymbol(ctx, q.Get("symbol"))
	case q.Get("passed") != "":
		passed, perr := strconv.ParseBool(q.Get("passed"))
		if perr != nil {
			s.writeError(w, "passed must be true or false", http.StatusBadRequest)
			return
		}
		recs, err = s.Risk.LogsByResult(ctx, passed)
	default:
		end, terr := timeQuery(r, "end", time.Now())
		if terr != nil {
			s.writeError(w, terr.Error(), http.StatusBadRequest)
			return
		}
		start, terr := timeQuery(r, "start", end.Add(-time.Hour))
		if terr != nil {
			s.writeError(w, terr.Error(), http.StatusBadRequest)
			return
		}
		recs, err = s.Risk.Logs(ctx, start, end)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.RiskAuditRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

// riskStats handles GET /api/v1/risk/stats
func (s *Server) riskStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.Risk.Enabled(),
		"stats":   s.Risk.Stats(),
	})
}

// resetRisk handles POST /api/v1/risk/reset
func (s *Server) resetRisk(w http.ResponseWriter, _ *http.Request) {
	s.Risk.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}
