package modem

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/modem/info"

	"github.com/flowpbx/flowdial/internal/call"
)

// Call status codes of +CLCC (3GPP TS 27.007 7.18).
const (
	statActive   = 0
	statHeld     = 1
	statDialing  = 2
	statAlerting = 3
	statIncoming = 4
	statWaiting  = 5
)

// listedCall is one +CLCC line.
type listedCall struct {
	Index    int
	Outgoing bool
	Stat     int
	Voice    bool
	Number   string
	Name     string
}

// parseCLCC parses the info lines of a +CLCC response. Lines that are not
// +CLCC entries are skipped; malformed entries are an error.
func parseCLCC(lines []string) ([]listedCall, error) {
	var out []listedCall
	for _, line := range lines {
		if !info.HasPrefix(line, "+CLCC") {
			continue
		}
		c, err := parseCLCCLine(info.TrimPrefix(line, "+CLCC"))
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// parseCLCCLine parses <id>,<dir>,<stat>,<mode>,<mpty>[,<number>,<type>[,<alpha>]].
func parseCLCCLine(data string) (listedCall, error) {
	fields := splitQuoted(data)
	if len(fields) < 5 {
		return listedCall{}, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}
	var c listedCall
	var err error
	if c.Index, err = strconv.Atoi(fields[0]); err != nil {
		return listedCall{}, fmt.Errorf("call index: %w", err)
	}
	dir, err := strconv.Atoi(fields[1])
	if err != nil {
		return listedCall{}, fmt.Errorf("direction: %w", err)
	}
	c.Outgoing = dir == 0
	if c.Stat, err = strconv.Atoi(fields[2]); err != nil {
		return listedCall{}, fmt.Errorf("status: %w", err)
	}
	c.Voice = fields[3] == "0"
	if len(fields) > 5 {
		c.Number = fields[5]
	}
	if len(fields) > 7 {
		c.Name = fields[7]
	}
	return c, nil
}

// splitQuoted splits on commas outside double quotes and strips quotes and
// surrounding space from each field.
func splitQuoted(s string) []string {
	var fields []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(b.String()))
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	return append(fields, strings.TrimSpace(b.String()))
}

// native maps a +CLCC status to the native call state.
func (c listedCall) native() (call.NativeState, bool) {
	switch c.Stat {
	case statActive:
		return call.NativeActive, true
	case statHeld:
		return call.NativeHolding, true
	case statDialing:
		return call.NativeDialing, true
	case statAlerting, statIncoming, statWaiting:
		return call.NativeRinging, true
	}
	return 0, false
}

// parseCPIN maps a +CPIN response to a SIM state.
func parseCPIN(lines []string) call.SIMState {
	for _, line := range lines {
		if !info.HasPrefix(line, "+CPIN") {
			continue
		}
		switch strings.TrimSpace(info.TrimPrefix(line, "+CPIN")) {
		case "READY":
			return call.SIMReady
		case "SIM PIN", "SIM PIN2":
			return call.SIMPINRequired
		case "SIM PUK", "SIM PUK2":
			return call.SIMPUKRequired
		case "PH-NET PIN", "PH-NET PUK", "PH-NETSUB PIN", "PH-SP PIN":
			return call.SIMNetworkLocked
		default:
			return call.SIMNotReady
		}
	}
	return call.SIMUnknown
}

// simStateFromError maps the CME errors a +CPIN query can fail with.
func simStateFromError(err error) call.SIMState {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not inserted"), strings.Contains(msg, "cme error: 10"):
		return call.SIMAbsent
	case strings.Contains(msg, "failure"), strings.Contains(msg, "cme error: 13"):
		return call.SIMCardIOError
	case strings.Contains(msg, "busy"), strings.Contains(msg, "cme error: 14"):
		return call.SIMNotReady
	case strings.Contains(msg, "wrong"), strings.Contains(msg, "cme error: 15"):
		return call.SIMCardRestricted
	}
	return call.SIMUnknown
}
