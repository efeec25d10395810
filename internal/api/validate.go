package api

import (
	"net/http"
	"unicode/utf8"
)

// Field limits for request bodies.
const (
	maxNameLen   = 200
	maxNumberLen = 40
	maxTokenLen  = 4096
	minPINLen    = 4
	maxPINLen    = 20
)

// validator collects the first problem found in a request.
type validator struct {
	problem string
}

func (v *validator) fail(msg string) {
	if v.problem == "" {
		v.problem = msg
	}
}

// text checks a free-form field against limit runes.
func (v *validator) text(field, value string, limit int, required bool) {
	switch {
	case value == "" && required:
		v.fail(field + " is required")
	case utf8.RuneCountInString(value) > limit:
		v.fail(field + " exceeds maximum length")
	}
}

// pin checks a pairing PIN: digits only.
func (v *validator) pin(field, value string) {
	if value == "" {
		v.fail(field + " is required")
		return
	}
	if len(value) < minPINLen || len(value) > maxPINLen {
		v.fail(field + " must be 4-20 digits")
		return
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			v.fail(field + " must be 4-20 digits")
			return
		}
	}
}

// platform checks a companion device platform. Empty is allowed.
func (v *validator) platform(field, value string) {
	switch value {
	case "", "android", "ios", "web":
	default:
		v.fail(field + ` must be "android", "ios" or "web"`)
	}
}

// reject writes a 400 for the first problem, if any, and reports whether it
// did.
func (v *validator) reject(w http.ResponseWriter) bool {
	if v.problem == "" {
		return false
	}
	writeError(w, http.StatusBadRequest, v.problem)
	return true
}
