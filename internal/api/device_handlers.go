package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowpbx/flowdial/internal/api/middleware"
	"github.com/flowpbx/flowdial/internal/database"
	"github.com/flowpbx/flowdial/internal/database/models"
)

// pairRequest is the JSON body for POST /api/v1/pair.
type pairRequest struct {
	PIN      string `json:"pin"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// pairResponse is returned to a newly paired device.
type pairResponse struct {
	Device    models.Device `json:"device"`
	Token     string        `json:"token"`
	ExpiresAt string        `json:"expires_at"`
}

// pushTokenRequest is the JSON body for PUT /api/v1/devices/me/push-token.
type pushTokenRequest struct {
	Token      string `json:"token"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`
}

// handlePair exchanges the pairing PIN for a device token.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	var v validator
	v.pin("pin", req.PIN)
	v.text("name", req.Name, maxNameLen, false)
	v.platform("platform", req.Platform)
	if v.reject(w) {
		return
	}

	hash, err := s.settings.Get(r.Context(), database.SettingPairingPINHash)
	if err != nil {
		s.logger.Error("pair: failed to read pin hash", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if hash == "" {
		writeError(w, http.StatusForbidden, "pairing is disabled")
		return
	}
	ok, err := database.CheckSecret(req.PIN, hash)
	if err != nil {
		s.logger.Error("pair: failed to check pin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Warn("pair: wrong pin", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid pin")
		return
	}

	d := &models.Device{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Platform: req.Platform,
	}
	if err := s.devices.Create(r.Context(), d); err != nil {
		s.logger.Error("pair: failed to create device", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expiresAt, err := middleware.GenerateDeviceToken(s.jwtSecret, d.ID, d.Name)
	if err != nil {
		s.logger.Error("pair: failed to sign token", "error", err, "device_id", d.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("device paired", "device_id", d.ID, "name", d.Name, "platform", d.Platform)
	writeJSON(w, http.StatusCreated, pairResponse{
		Device:    *d,
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// handleListDevices returns every paired device, revoked ones included.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("list devices: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []models.Device{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleRevokeDevice revokes a device. Its token stops working at once and
// it receives no more pushes.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "me" {
		id = middleware.DeviceIDFromContext(r.Context())
	}

	err := s.devices.Revoke(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "device not found")
		return
	case err != nil:
		s.logger.Error("revoke device: failed", "error", err, "device_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("device revoked", "device_id", id, "by", middleware.DeviceIDFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleRegisterPushToken stores the FCM token of the calling device.
func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	deviceID := middleware.DeviceIDFromContext(r.Context())

	var req pushTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Platform == "" {
		req.Platform = "android"
	}
	var v validator
	v.text("token", req.Token, maxTokenLen, true)
	v.platform("platform", req.Platform)
	v.text("app_version", req.AppVersion, maxNameLen, false)
	if v.reject(w) {
		return
	}

	t := &models.PushToken{
		DeviceID:   deviceID,
		Token:      req.Token,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
	}
	if err := s.pushTokens.Upsert(r.Context(), t); err != nil {
		s.logger.Error("register push token: failed", "error", err, "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("push token registered", "device_id", deviceID, "platform", t.Platform)
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "platform": t.Platform})
}

// handleDeletePushToken stops pushes to the calling device.
func (s *Server) handleDeletePushToken(w http.ResponseWriter, r *http.Request) {
	deviceID := middleware.DeviceIDFromContext(r.Context())
	if err := s.pushTokens.DeleteByDevice(r.Context(), deviceID); err != nil {
		s.logger.Error("delete push token: failed", "error", err, "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
