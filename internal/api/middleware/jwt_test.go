package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeDevices struct {
	active map[string]bool
	err    error
}

func (f fakeDevices) Active(_ context.Context, id string) (bool, error) {
	return f.active[id], f.err
}

func protected(devices DeviceChecker) (http.Handler, *string) {
	var seen string
	h := RequireDeviceAuth(testSecret, devices)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = DeviceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func requestWithToken(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/call/state", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestGenerateDeviceToken(t *testing.T) {
	token, expires, err := GenerateDeviceToken(testSecret, "dev-1", "Pixel")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(deviceTokenTTL), expires, time.Minute)

	claims := &DeviceClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return testSecret, nil })
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, "Pixel", claims.Name)
	assert.Equal(t, "flowdial", claims.Issuer)
}

func TestRequireDeviceAuthValid(t *testing.T) {
	token, _, err := GenerateDeviceToken(testSecret, "dev-1", "Pixel")
	require.NoError(t, err)

	h, seen := protected(fakeDevices{active: map[string]bool{"dev-1": true}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, requestWithToken(token))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "dev-1", *seen)
}

func TestRequireDeviceAuthRejects(t *testing.T) {
	valid, _, err := GenerateDeviceToken(testSecret, "dev-1", "")
	require.NoError(t, err)
	foreign, _, err := GenerateDeviceToken([]byte("another-secret-another-secret-xx"), "dev-1", "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		devices DeviceChecker
		want    int
	}{
		{"missing header", "", nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcjpwYXNz", nil, http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", nil, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, nil, http.StatusUnauthorized},
		{"revoked device", "Bearer " + valid, fakeDevices{active: map[string]bool{}}, http.StatusUnauthorized},
		{"lookup failure", "Bearer " + valid, fakeDevices{err: errors.New("disk I/O error")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen := protected(tt.devices)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/call/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Empty(t, *seen)
		})
	}
}

func TestRequireDeviceAuthExpired(t *testing.T) {
	claims := DeviceClaims{
		DeviceID: "dev-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	h, _ := protected(nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, requestWithToken(token))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDeviceIDFromContextEmpty(t *testing.T) {
	assert.Empty(t, DeviceIDFromContext(context.Background()))
	assert.Equal(t, "dev-2", DeviceIDFromContext(WithDeviceID(context.Background(), "dev-2")))
}
