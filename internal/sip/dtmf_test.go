package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFRelayBody(t *testing.T) {
	body, err := dtmfRelayBody('5')
	require.NoError(t, err)
	assert.Equal(t, "Signal=5\r\nDuration=160\r\n", string(body))

	_, err = dtmfRelayBody('x')
	assert.Error(t, err)
}

func TestParseInfoDTMF(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        dtmfInfo
		wantErr     bool
	}{
		{"relay", "application/dtmf-relay", "Signal=5\r\nDuration=160\r\n", dtmfInfo{Signal: '5', Duration: 160}, false},
		{"relay lower case letter", "Application/DTMF-Relay; charset=utf-8", "signal=a\nduration=100", dtmfInfo{Signal: 'A', Duration: 100}, false},
		{"relay bad duration", "application/dtmf-relay", "Signal=#\r\nDuration=x", dtmfInfo{Signal: '#'}, false},
		{"relay missing signal", "application/dtmf-relay", "Duration=160", dtmfInfo{}, true},
		{"relay invalid signal", "application/dtmf-relay", "Signal=Z", dtmfInfo{}, true},
		{"plain", "application/dtmf", " * ", dtmfInfo{Signal: '*'}, false},
		{"plain two digits", "application/dtmf", "12", dtmfInfo{}, true},
		{"unsupported", "text/plain", "5", dtmfInfo{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInfoDTMF(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDTMFInfo)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
