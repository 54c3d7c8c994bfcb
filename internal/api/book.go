package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/market-maker/internal/book"
)

// updateBook handles POST /api/v1/book/quotes with a JSON array of updates.
func (s *Server) updateBook(w http.ResponseWriter, r *http.Request) {
	var batch []book.Update
	if !s.decode(w, r, &batch) {
		return
	}
	if err := s.Books.UpdateQuotes(r.Context(), batch); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"applied": len(batch)})
}

// getBook handles GET /api/v1/book/{symbol}
func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	ob, ok := s.Books.OrderBook(symbol)
	if !ok {
		s.writeError(w, "order book not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, ob)
}

type bestResponse struct {
	Symbol string           `json:"symbol"`
	Bid    *book.PriceLevel `json:"bid"`
	Ask    *book.PriceLevel `json:"ask"`
}

// getBest handles GET /api/v1/book/{symbol}/best
func (s *Server) getBest(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	resp := bestResponse{Symbol: symbol}
	if bid, ok := s.Books.BestBid(symbol); ok {
		resp.Bid = &bid
	}
	if ask, ok := s.Books.BestAsk(symbol); ok {
		resp.Ask = &ask
	}
	if resp.Bid == nil && resp.Ask == nil {
		s.writeError(w, "order book not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// snapshotBook handles POST /api/v1/book/{symbol}/snapshot
func (s *Server) snapshotBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := s.Books.Snapshot(r.Context(), symbol); err != nil {
		s.fail(w, r, err)
		return
	}
	at, _ := s.Books.LastSnapshot(symbol)
	s.writeJSON(w, http.StatusCreated, map[string]any{"symbol": symbol, "snapshot_time": at})
}

// restoreBook handles POST /api/v1/book/{symbol}/restore
func (s *Server) restoreBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	ok, err := s.Books.Restore(r.Context(), symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, "no snapshot for "+symbol, http.StatusNotFound)
		return
	}
	ob, _ := s.Books.OrderBook(symbol)
	s.writeJSON(w, http.StatusOK, ob)
}

// clearBook handles DELETE /api/v1/book/{symbol}. The quote engine's cached
// quotes for the symbol go with it.
func (s *Server) clearBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	s.Books.Clear(symbol)
	if s.Quotes != nil {
		s.Quotes.Engine().ClearCache(symbol)
	}
	w.WriteHeader(http.StatusNoContent)
}

// bookHistory handles GET /api/v1/book/{symbol}/history?start=&end=
func (s *Server) bookHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	end := time.Now()
	start := end.Add(-time.Hour)
	var err error
	if start, err = timeQuery(r, "start", start); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if end, err = timeQuery(r, "end", end); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.Books.History(r.Context(), symbol, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sources, err := s.Books.Sources(r.Context(), symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "sources": sources, "rows": rows})
}
