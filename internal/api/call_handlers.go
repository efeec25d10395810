package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowpbx/flowdial/internal/call"
	"github.com/flowpbx/flowdial/internal/line"
)

// eventsKeepalive is the interval between SSE comments on an idle stream.
const eventsKeepalive = 15 * time.Second

// callActionRequest is the JSON body for POST /api/v1/call/action.
type callActionRequest struct {
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
	Tone    string `json:"tone"`
}

// dialRequest is the JSON body for POST /api/v1/call/dial.
type dialRequest struct {
	Number string `json:"number"`
}

// handleCallState returns the current call state snapshot.
func (s *Server) handleCallState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleCallAction forwards a user action to the orchestrator. Actions that
// do not apply to the current state are ignored, so the response is always
// the state after the action was handled.
func (s *Server) handleCallAction(w http.ResponseWriter, r *http.Request) {
	var req callActionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	action, err := call.ParseAction(req.Action, req.Enabled, req.Tone)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A client that disconnects must not cut a native command short.
	s.calls.OnAction(context.WithoutCancel(r.Context()), action)
	s.logger.Info("call action", "action", action.String(), "enabled", req.Enabled)
	writeJSON(w, http.StatusAccepted, s.calls.Snapshot())
}

// handleDial starts an outgoing call. Progress is reported through the
// call state.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var v validator
	if v.text("number", req.Number, maxNumberLen, true); v.reject(w) {
		return
	}

	err := s.line.Dial(context.WithoutCancel(r.Context()), req.Number)
	switch {
	case err == nil:
	case errors.Is(err, line.ErrInvalidNumber):
		writeError(w, http.StatusBadRequest, "number is not dialable")
		return
	case errors.Is(err, line.ErrBusy):
		writeError(w, http.StatusConflict, "a call is already in progress")
		return
	case errors.Is(err, line.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("dial failed", "error", err)
		writeError(w, http.StatusBadGateway, "dial failed")
		return
	}

	writeJSON(w, http.StatusAccepted, s.calls.Snapshot())
}

// handleLineStatus reports the health of the line backend.
func (s *Server) handleLineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.line.Status())
}

// handleCallEvents streams every published call state as server-sent
// events. The first event is the current state.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	snaps, cancel := s.calls.Subscribe(16)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(eventsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("encoding call state event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
