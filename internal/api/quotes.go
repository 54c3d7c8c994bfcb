package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/quote"
)

// CreateQuoteRequest is the JSON body for POST /api/v1/quotes.
type CreateQuoteRequest struct {
	Symbol     string           `json:"symbol"`
	MarketType model.MarketType `json:"market_type"`
	Side       model.Side       `json:"side"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   decimal.Decimal  `json:"quantity"`
	ValidityMS int64            `json:"validity_ms"` // 0 takes the engine default
}

// UpdateQuoteRequest is the JSON body for PUT /api/v1/quotes/id/{quoteID}.
type UpdateQuoteRequest struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// createQuote handles POST /api/v1/quotes
func (s *Server) createQuote(w http.ResponseWriter, r *http.Request) {
	var req CreateQuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	q, err := s.Quotes.Create(r.Context(), quote.CreateRequest{
		Symbol:     req.Symbol,
		MarketType: req.MarketType,
		Side:       req.Side,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Validity:   time.Duration(req.ValidityMS) * time.Millisecond,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, q)
}

// getQuote handles GET /api/v1/quotes/id/{quoteID}. Retired quotes are
// served from history.
func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	q, ok := s.Quotes.Get(chi.URLParam(r, "quoteID"))
	if !ok {
		s.writeError(w, "quote not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

// updateQuote handles PUT /api/v1/quotes/id/{quoteID}
func (s *Server) updateQuote(w http.ResponseWriter, r *http.Request) {
	var req UpdateQuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	q, err := s.Quotes.Update(r.Context(), chi.URLParam(r, "quoteID"), req.Price, req.Quantity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

// cancelQuote handles DELETE /api/v1/quotes/id/{quoteID}
func (s *Server) cancelQuote(w http.ResponseWriter, r *http.Request) {
	if err := s.Quotes.Cancel(r.Context(), chi.URLParam(r, "quoteID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// marketType returns the type of the symbol's book, or the market_type query
// parameter when the symbol has no book yet.
func (s *Server) marketType(r *http.Request, symbol string) model.MarketType {
	if mt, ok := s.Books.MarketType(symbol); ok {
		return mt
	}
	n, _ := intQuery(r, "market_type", 0)
	return model.MarketType(n)
}

// generateBest handles POST /api/v1/quotes/{symbol}/best
func (s *Server) generateBest(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	batch, err := s.Quotes.GenerateOptimal(r.Context(), symbol, s.marketType(r, symbol))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, batch)
}

// generateLevels handles POST /api/v1/quotes/{symbol}/levels?n=
// n = 0 or absent quotes every level.
func (s *Server) generateLevels(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	n, err := intQuery(r, "n", 0)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch, err := s.Quotes.GenerateMultiLevel(r.Context(), symbol, s.marketType(r, symbol), n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, batch)
}

// activeQuotes handles GET /api/v1/quotes/{symbol}
func (s *Server) activeQuotes(w http.ResponseWriter, r *http.Request) {
	quotes := s.Quotes.Active(chi.URLParam(r, "symbol"))
	if quotes == nil {
		quotes = []model.Quote{}
	}
	s.writeJSON(w, http.StatusOK, quotes)
}

// cancelAllQuotes handles DELETE /api/v1/quotes/{symbol}
func (s *Server) cancelAllQuotes(w http.ResponseWriter, r *http.Request) {
	n := s.Quotes.CancelAll(r.Context(), chi.URLParam(r, "symbol"))
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// quoteHistory handles GET /api/v1/quotes/{symbol}/history?hours=
func (s *Server) quoteHistory(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "hours", 24)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	quotes := s.Quotes.History(chi.URLParam(r, "symbol"), hours)
	if quotes == nil {
		quotes = []model.Quote{}
	}
	s.writeJSON(w, http.StatusOK, quotes)
}

// quoteStats handles GET /api/v1/quotes/{symbol}/stats
func (s *Server) quoteStats(w http.ResponseWriter, r *http.Request) {
	st, ok := s.Quotes.Statistics(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeError(w, "no quotes published", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// midPrice handles GET /api/v1/quotes/{symbol}/mid
func (s *Server) midPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	mid, ok := s.Quotes.Engine().MidPrice(symbol)
	if !ok {
		s.writeError(w, "insufficient liquidity", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "mid": mid})
}

// spread handles GET /api/v1/quotes/{symbol}/spread?pip=
// With pip the spread is expressed in pips.
func (s *Server) spread(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	pip, hasPip, err := decimalQuery(r, "pip")
	if err == nil && hasPip && !pip.IsPositive() {
		err = errors.New("pip must be positive")
	}
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		v  decimal.Decimal
		ok bool
	)
	if hasPip {
		v, ok = s.Quotes.Engine().PipSpread(symbol, pip)
	} else {
		v, ok = s.Quotes.Engine().Spread(symbol)
	}
	if !ok {
		s.writeError(w, "spread unavailable", http.StatusNotFound)
		return
	}
	resp := map[string]any{"symbol": symbol, "spread": v}
	if hasPip {
		resp["pip"] = pip
	}
	s.writeJSON(w, http.StatusOK, resp)
}
