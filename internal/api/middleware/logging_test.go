package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantCode  float64
		wantLevel string
	}{
		{
			name:      "implicit ok",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			wantCode:  200,
			wantLevel: "INFO",
		},
		{
			name:      "not found",
			handler:   func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantCode:  404,
			wantLevel: "WARN",
		},
		{
			name: "first status wins",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.WriteHeader(http.StatusOK)
			},
			wantCode:  503,
			wantLevel: "ERROR",
		},
		{
			name:      "nothing written",
			handler:   func(w http.ResponseWriter, r *http.Request) {},
			wantCode:  200,
			wantLevel: "INFO",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := StructuredLogger(slog.New(slog.NewJSONHandler(&buf, nil)))(tt.handler)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/v1/blocked/4", nil))

			entry := logLine(t, &buf)
			if entry["status"] != tt.wantCode {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantCode)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if entry["method"] != "DELETE" || entry["path"] != "/api/v1/blocked/4" {
				t.Errorf("method/path = %v %v", entry["method"], entry["path"])
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("duration_ms missing")
			}
		})
	}
}

func TestStructuredLoggerCountsBytes(t *testing.T) {
	var buf bytes.Buffer
	h := StructuredLogger(slog.New(slog.NewJSONHandler(&buf, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":`))
		w.Write([]byte(`null}`))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/call/state", nil))

	if got := logLine(t, &buf)["bytes"]; got != float64(13) {
		t.Errorf("bytes = %v, want 13", got)
	}
}

func TestStructuredLoggerRecordsDevice(t *testing.T) {
	secret := []byte("logging-test-secret")
	token, _, err := GenerateDeviceToken(secret, "dev-log", "Kitchen tablet")
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	inner := RequireDeviceAuth(secret, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h := StructuredLogger(slog.New(slog.NewJSONHandler(&buf, nil)))(inner)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/call/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := logLine(t, &buf)["device_id"]; got != "dev-log" {
		t.Errorf("device_id = %v, want dev-log", got)
	}
}

func TestStatusRecorderFlushes(t *testing.T) {
	rr := httptest.NewRecorder()
	var w http.ResponseWriter = &statusRecorder{ResponseWriter: rr}

	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("statusRecorder does not implement http.Flusher")
	}
	w.Write([]byte("event: state\n\n"))
	f.Flush()
	if !rr.Flushed {
		t.Fatal("flush did not reach the underlying writer")
	}
}

