package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/flowdial/internal/blocklist"
	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/database/models"
)

// blockRequest is the JSON body for POST /api/v1/blocked.
type blockRequest struct {
	Number string `json:"number"`
	Label  string `json:"label"`
}

// handleListBlocked returns every blocked number.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	list, err := s.blocklist.List(r.Context())
	if err != nil {
		s.logger.Error("list blocked numbers: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []models.BlockedNumber{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleBlockNumber adds a number to the blocklist.
func (s *Server) handleBlockNumber(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var v validator
	v.text("number", req.Number, maxNumberLen, true)
	v.text("label", req.Label, maxNameLen, false)
	if v.reject(w) {
		return
	}

	b, err := s.blocklist.Block(r.Context(), req.Number, req.Label)
	switch {
	case errors.Is(err, blocklist.ErrInvalidNumber):
		writeError(w, http.StatusBadRequest, "number must contain digits")
		return
	case errors.Is(err, blocklist.ErrAlreadyBlocked):
		writeError(w, http.StatusConflict, "number is already blocked")
		return
	case err != nil:
		s.logger.Error("block number: failed to create", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, b)
}

// handleUnblockNumber removes a blocklist entry by ID.
func (s *Server) handleUnblockNumber(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	err = s.blocklist.Unblock(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "blocked number not found")
		return
	case err != nil:
		s.logger.Error("unblock number: failed to delete", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
