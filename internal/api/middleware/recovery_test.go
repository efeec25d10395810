package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func panicking(v any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic(v) })
}

func TestRecovererAnswersEnvelope(t *testing.T) {
	var logs bytes.Buffer
	h := Recoverer(slog.New(slog.NewJSONHandler(&logs, nil)))(panicking("modem went away"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/call/action", nil)
	req = req.WithContext(WithDeviceID(req.Context(), "dev-9"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Error != "internal server error" {
		t.Fatalf("body = %s (err %v)", rr.Body.String(), err)
	}

	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("log line: %v", err)
	}
	for key, want := range map[string]any{
		"msg":       "panic recovered",
		"panic":     "modem went away",
		"method":    "POST",
		"path":      "/api/v1/call/action",
		"device_id": "dev-9",
	} {
		if entry[key] != want {
			t.Errorf("log %s = %v, want %v", key, entry[key], want)
		}
	}
	if s, _ := entry["stack"].(string); s == "" {
		t.Error("log line has no stack")
	}
}

func TestRecovererLeavesHealthyHandlersAlone(t *testing.T) {
	h := Recoverer(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
}

func TestRecovererReraisesAbort(t *testing.T) {
	h := Recoverer(slog.Default())(panicking(http.ErrAbortHandler))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/call/events", nil))
}
