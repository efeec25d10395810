package sip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowpbx/flowdial/internal/call"
)

const (
	contentTypeDTMFRelay = "application/dtmf-relay"
	contentTypeDTMF      = "application/dtmf"

	// dtmfDuration is the tone length in milliseconds sent with each INFO.
	dtmfDuration = 160
)

// ErrInvalidDTMFInfo is returned when a SIP INFO body cannot be parsed as DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// dtmfInfo is one key press carried in a SIP INFO request.
type dtmfInfo struct {
	Signal   rune
	Duration int
}

// dtmfRelayBody formats a tone as an application/dtmf-relay body.
func dtmfRelayBody(tone rune) ([]byte, error) {
	if !call.ValidTone(tone) {
		return nil, fmt.Errorf("sip: invalid dtmf tone %q", tone)
	}
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", tone, dtmfDuration)), nil
}

// parseInfoDTMF reads the key press from an INFO body of type
// application/dtmf-relay or application/dtmf.
func parseInfoDTMF(contentType string, body []byte) (dtmfInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case contentTypeDTMFRelay:
		return parseDTMFRelay(body)
	case contentTypeDTMF:
		sig, ok := dtmfSignal(string(body))
		if !ok {
			return dtmfInfo{}, ErrInvalidDTMFInfo
		}
		return dtmfInfo{Signal: sig}, nil
	default:
		return dtmfInfo{}, ErrInvalidDTMFInfo
	}
}

// parseDTMFRelay parses Signal=<digit>\r\nDuration=<ms>. Signal is required.
func parseDTMFRelay(body []byte) (dtmfInfo, error) {
	var info dtmfInfo
	found := false
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			sig, ok := dtmfSignal(value)
			if !ok {
				return dtmfInfo{}, ErrInvalidDTMFInfo
			}
			info.Signal = sig
			found = true
		case "duration":
			if d, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}
	if !found {
		return dtmfInfo{}, ErrInvalidDTMFInfo
	}
	return info, nil
}

func dtmfSignal(s string) (rune, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 1 || !call.ValidTone(rune(s[0])) {
		return 0, false
	}
	return rune(s[0]), true
}
