package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const deviceIDKey contextKey = "device_id"

// deviceTokenTTL is the lifetime of a device JWT (30 days). Devices pair
// again once it expires.
const deviceTokenTTL = 30 * 24 * time.Hour

// DeviceClaims holds the JWT claims of a paired companion device.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// DeviceChecker reports whether a paired device may still use the API.
type DeviceChecker interface {
	Active(ctx context.Context, deviceID string) (bool, error)
}

// GenerateDeviceToken creates a signed JWT for a paired device.
func GenerateDeviceToken(secret []byte, deviceID, name string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(deviceTokenTTL)

	claims := DeviceClaims{
		DeviceID: deviceID,
		Name:     name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "flowdial",
			Subject:   deviceID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireDeviceAuth returns middleware that validates device bearer tokens.
// Revoked devices are refused even while their token is unexpired. On
// success it stores the device ID in the request context.
func RequireDeviceAuth(secret []byte, devices DeviceChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &DeviceClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("device auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.DeviceID == "" {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			if devices != nil {
				ok, err := devices.Active(r.Context(), claims.DeviceID)
				if err != nil {
					slog.Error("device auth: checking device", "device_id", claims.DeviceID, "error", err)
					writeError(w, http.StatusInternalServerError, "internal error")
					return
				}
				if !ok {
					writeError(w, http.StatusUnauthorized, "device revoked")
					return
				}
			}

			if slot, ok := r.Context().Value(deviceSlotKey).(*deviceSlot); ok {
				slot.id = claims.DeviceID
			}
			ctx := context.WithValue(r.Context(), deviceIDKey, claims.DeviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceIDFromContext retrieves the authenticated device ID from the request
// context. Returns "" if not set.
func DeviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}

// WithDeviceID returns a copy of ctx carrying deviceID, as RequireDeviceAuth
// does.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// errorEnvelope matches the api package's envelope format for error responses.
// Defined here to avoid importing the api package.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeError writes a JSON error matching the API envelope format.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
