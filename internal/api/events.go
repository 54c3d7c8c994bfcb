package api

import (
	"net/http"
	"time"

	"github.com/atmx/market-maker/internal/model"
)

const defaultPageSize = 50

// auditEvents handles GET /api/v1/audit/events?type=&symbol=&start=&end=&page=&size=
// Pages are zero-based, newest first.
func (s *Server) auditEvents(w http.ResponseWriter, r *http.Request) {
	var f model.EventFilter
	if v := r.URL.Query().Get("type"); v != "" {
		et, err := model.ParseEventType(v)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.EventType = et
	}
	f.Symbol = r.URL.Query().Get("symbol")

	var err error
	if f.Start, err = timeQuery(r, "start", time.Time{}); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.End, err = timeQuery(r, "end", time.Time{}); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var page model.PageRequest
	if page.Number, err = intQuery(r, "page", 0); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if page.Size, err = intQuery(r, "size", defaultPageSize); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.Audit.Query(r.Context(), f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p.Items == nil {
		p.Items = []model.AuditEvent{}
	}
	s.writeJSON(w, http.StatusOK, p)
}
