package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnvelopeWriters(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusCreated, map[string]string{"number": "+61400000000"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if strings.Contains(rr.Body.String(), `"error"`) {
		t.Errorf("success body carries an error key: %s", rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if data, _ := env.Data.(map[string]any); data["number"] != "+61400000000" {
		t.Errorf("data = %v", env.Data)
	}

	rr = httptest.NewRecorder()
	writeError(rr, http.StatusConflict, "a call is already in progress")
	env = decodeEnvelope(t, rr)
	if rr.Code != http.StatusConflict || env.Error != "a call is already in progress" || env.Data != nil {
		t.Errorf("error envelope: status %d, %+v", rr.Code, env)
	}

	rr = httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, nil)
	if got := strings.TrimSpace(rr.Body.String()); got != `{"data":null}` {
		t.Errorf("nil payload body = %s", got)
	}
}

func TestReadJSON(t *testing.T) {
	type dialBody struct {
		Number string `json:"number"`
		Retry  int    `json:"retry"`
	}

	tests := []struct {
		name string
		body string
		want string
	}{
		{"valid", `{"number":"0299998888","retry":2}`, ""},
		{"empty", ``, "request body must not be empty"},
		{"truncated", `{"number":`, "malformed json"},
		{"syntax", `{number}`, "malformed json"},
		{"unknown field", `{"number":"1","colour":"red"}`, `unknown field "colour"`},
		{"field type", `{"number":5}`, `field "number" has the wrong type`},
		{"body type", `["0299998888"]`, "request body has the wrong type"},
		{"two objects", `{"number":"1"} {"number":"2"}`, "request body must contain a single json object"},
		{"oversized", `{"number":"` + strings.Repeat("9", maxBodyBytes) + `"}`, "malformed json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/call/dial", strings.NewReader(tt.body))
			var dst dialBody
			if got := readJSON(r, &dst); got != tt.want {
				t.Fatalf("readJSON = %q, want %q", got, tt.want)
			}
			if tt.want == "" && (dst.Number != "0299998888" || dst.Retry != 2) {
				t.Errorf("decoded %+v", dst)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{"", defaultLimit, 0, ""},
		{"limit=5&offset=10", 5, 10, ""},
		{"offset=0", defaultLimit, 0, ""},
		{"limit=1000", maxLimit, 0, ""},
		{"limit=0", 0, 0, "limit must be a positive integer"},
		{"limit=ten", 0, 0, "limit must be a positive integer"},
		{"offset=-3", 0, 0, "offset must be a non-negative integer"},
		{"offset=x", 0, 0, "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/calls?"+tt.query, nil)
			p, errMsg := parsePagination(r)
			if errMsg != tt.wantErr {
				t.Fatalf("error = %q, want %q", errMsg, tt.wantErr)
			}
			if errMsg != "" {
				return
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
