package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-maker/internal/model"
)

// FreezeRequest is the JSON body for the freeze and unfreeze endpoints.
type FreezeRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// listPositions handles GET /api/v1/positions
func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.Positions.All(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// getPosition handles GET /api/v1/positions/{symbol}. An unknown symbol is
// created flat.
func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.Positions.Get(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// freezePosition handles POST /api/v1/positions/{symbol}/freeze
func (s *Server) freezePosition(w http.ResponseWriter, r *http.Request) {
	s.changeFrozen(w, r, true)
}

// unfreezePosition handles POST /api/v1/positions/{symbol}/unfreeze
func (s *Server) unfreezePosition(w http.ResponseWriter, r *http.Request) {
	s.changeFrozen(w, r, false)
}

func (s *Server) changeFrozen(w http.ResponseWriter, r *http.Request, freeze bool) {
	var req FreezeRequest
	if !s.decode(w, r, &req) {
		return
	}
	symbol := chi.URLParam(r, "symbol")
	ctx := r.Context()

	op, msg := s.Positions.Unfreeze, "insufficient frozen quantity"
	if freeze {
		op, msg = s.Positions.Freeze, "insufficient available quantity"
	}
	ok, err := op(ctx, symbol, req.Quantity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, msg, http.StatusConflict)
		return
	}

	p, err := s.Positions.Get(ctx, symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}
