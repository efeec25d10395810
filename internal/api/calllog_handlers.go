package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/database/models"
)

// handleListCallLog returns call log entries, newest first.
// Query params: limit, offset, search, direction, disposition.
func (s *Server) handleListCallLog(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != models.DirectionIncoming && direction != models.DirectionOutgoing {
		writeError(w, http.StatusBadRequest, `direction must be "incoming" or "outgoing"`)
		return
	}
	disposition := q.Get("disposition")
	switch disposition {
	case "", models.DispositionAnswered, models.DispositionMissed,
		models.DispositionBlocked, models.DispositionFailed:
	default:
		writeError(w, http.StatusBadRequest, `disposition must be "answered", "missed", "blocked" or "failed"`)
		return
	}
	search := q.Get("search")
	var v validator
	if v.text("search", search, maxNumberLen, false); v.reject(w) {
		return
	}

	entries, total, err := s.callLog.List(r.Context(), database.CallLogFilter{
		Limit:       pg.Limit,
		Offset:      pg.Offset,
		Search:      search,
		Direction:   direction,
		Disposition: disposition,
	})
	if err != nil {
		s.logger.Error("list call log: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []models.CallLogEntry{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  entries,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCallLog returns the entry of one call.
func (s *Server) handleGetCallLog(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	e, err := s.callLog.GetByCallID(r.Context(), callID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "call not found")
		return
	case err != nil:
		s.logger.Error("get call log: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, e)
}
