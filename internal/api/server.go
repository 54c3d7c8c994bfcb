// Package api exposes the engine over HTTP and pushes published quotes and
// trades to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/metrics"
	"github.com/atmx/market-maker/internal/model"
	"github.com/atmx/market-maker/internal/position"
	"github.com/atmx/market-maker/internal/quote"
	"github.com/atmx/market-maker/internal/risk"
	"github.com/atmx/market-maker/internal/store"
	"github.com/atmx/market-maker/internal/trade"
)

// UserHeader carries the caller identity copied into risk audit records.
const UserHeader = "X-User-ID"

// Server holds the components served by the HTTP handlers.
type Server struct {
	Books     *book.Aggregator
	Quotes    *quote.Service
	Risk      *risk.Service
	Positions *position.Ledger
	Trades    *trade.Resolver
	Audit     *audit.Service
	Hub       *Hub
	Logger    *slog.Logger

	// RequestTimeout bounds every non-websocket request. Zero means 30s.
	RequestTimeout time.Duration
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)
	r.Use(requestMeta)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Route("/book", func(r chi.Router) {
				r.Post("/quotes", s.updateBook)
				r.Get("/{symbol}", s.getBook)
				r.Get("/{symbol}/best", s.getBest)
				r.Get("/{symbol}/history", s.bookHistory)
				r.Post("/{symbol}/snapshot", s.snapshotBook)
				r.Post("/{symbol}/restore", s.restoreBook)
				r.Delete("/{symbol}", s.clearBook)
			})

			r.Route("/quotes", func(r chi.Router) {
				r.Post("/", s.createQuote)
				r.Get("/id/{quoteID}", s.getQuote)
				r.Put("/id/{quoteID}", s.updateQuote)
				r.Delete("/id/{quoteID}", s.cancelQuote)
				r.Post("/{symbol}/best", s.generateBest)
				r.Post("/{symbol}/levels", s.generateLevels)
				r.Get("/{symbol}", s.activeQuotes)
				r.Delete("/{symbol}", s.cancelAllQuotes)
				r.Get("/{symbol}/history", s.quoteHistory)
				r.Get("/{symbol}/stats", s.quoteStats)
				r.Get("/{symbol}/mid", s.midPrice)
				r.Get("/{symbol}/spread", s.spread)
			})

			r.Route("/trades", func(r chi.Router) {
				r.Post("/", s.processTrade)
				r.Get("/", s.listTrades)
				r.Get("/id/{tradeID}", s.getTrade)
				r.Get("/totals/{symbol}", s.tradeTotals)
			})

			r.Route("/positions", func(r chi.Router) {
				r.Get("/", s.listPositions)
				r.Get("/{symbol}", s.getPosition)
				r.Post("/{symbol}/freeze", s.freezePosition)
				r.Post("/{symbol}/unfreeze", s.unfreezePosition)
			})

			r.Route("/risk", func(r chi.Router) {
				r.Get("/config", s.riskConfig)
				r.Put("/config", s.updateRiskConfig)
				r.Post("/check", s.riskCheck)
				r.Get("/logs", s.riskLogs)
				r.Get("/stats", s.riskStats)
				r.Post("/reset", s.resetRisk)
			})

			r.Get("/audit/events", s.auditEvents)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "service": "market-maker"}
	if s.Books != nil {
		resp["symbols"] = len(s.Books.Symbols())
	}
	if s.Quotes != nil {
		resp["active_quotes"] = s.Quotes.ActiveCount()
	}
	if s.Hub != nil {
		resp["ws_clients"] = s.Hub.Clients()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger().Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// cors allows the trading frontend to call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestMeta attaches the caller identity for risk audit records. RealIP has
// already rewritten RemoteAddr when a proxy header was present.
func requestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := risk.WithRequestMeta(r.Context(), risk.RequestMeta{
			UserID:   r.Header.Get(UserHeader),
			ClientIP: ip,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger().Debug("encode response failed", "status", status, "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// fail maps a component error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, quote.ErrQuoteNotFound),
		errors.Is(err, book.ErrUnknownSymbol),
		store.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, quote.ErrQuoteExpired),
		errors.Is(err, quote.ErrInsufficientLiquidity):
		status = http.StatusConflict
	case errors.Is(err, risk.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		var pe *store.PersistenceError
		if errors.As(err, &pe) {
			s.writeError(w, "persistence failure: "+pe.Op, status)
			return
		}
		s.writeError(w, "internal error", status)
		return
	}
	s.writeError(w, err.Error(), status)
}

// decode reads a JSON body, writing a 400 when it is malformed.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
