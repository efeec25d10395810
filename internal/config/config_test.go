package config

import (
	"flag"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// env is a fake environment for Parse.
type env map[string]string

func (e env) lookup(name string) (string, bool) {
	v, ok := e[name]
	return v, ok
}

func parse(t *testing.T, e env, args ...string) (*Config, error) {
	t.Helper()
	return Parse(args, e.lookup)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t, nil, "--modem-port", "/dev/ttyUSB2")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, BackendModem, cfg.Backend)
	assert.Equal(t, 115200, cfg.ModemBaud)
	assert.Equal(t, time.Second, cfg.ModemPollInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "587", cfg.SMTPPort)
	assert.Equal(t, "starttls", cfg.SMTPTLS)
	assert.Equal(t, 90*24*time.Hour, cfg.CallLogMaxAge())
}

func TestParseFromEnvironment(t *testing.T) {
	cfg, err := parse(t, env{
		"FLOWDIAL_HTTP_PORT":           "9090",
		"FLOWDIAL_DATA_DIR":            "/var/lib/flowdial",
		"FLOWDIAL_LOG_LEVEL":           "DEBUG",
		"FLOWDIAL_BACKEND":             "sip",
		"FLOWDIAL_SIP_REGISTRAR":       "pbx.example.com",
		"FLOWDIAL_SIP_USER":            "1001",
		"FLOWDIAL_SIP_EXPIRY":          "600",
		"FLOWDIAL_MODEM_POLL_INTERVAL": "250ms",
		"FLOWDIAL_LIST_PORTS":          "true",
		"FLOWDIAL_CORS_ORIGINS":        "",
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "/var/lib/flowdial", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendSIP, cfg.Backend)
	assert.Equal(t, "pbx.example.com", cfg.SIPRegistrar)
	assert.Equal(t, 600, cfg.SIPExpiry)
	assert.Equal(t, 250*time.Millisecond, cfg.ModemPollInterval)
	assert.False(t, cfg.ListPorts, "list-ports is command line only")
}

func TestParseCommandLineWins(t *testing.T) {
	cfg, err := parse(t, env{
		"FLOWDIAL_HTTP_PORT": "9090",
		"FLOWDIAL_LOG_LEVEL": "debug",
	}, "--modem-port", "/dev/ttyUSB2", "--http-port", "3000", "--log-level", "warn")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestParseRejectsBadEnvironmentValue(t *testing.T) {
	_, err := parse(t, env{
		"FLOWDIAL_HTTP_PORT":           "eighty",
		"FLOWDIAL_MODEM_POLL_INTERVAL": "soon",
	}, "--modem-port", "/dev/ttyUSB2")
	require.Error(t, err)
	assert.ErrorContains(t, err, "FLOWDIAL_HTTP_PORT")
	assert.ErrorContains(t, err, "FLOWDIAL_MODEM_POLL_INTERVAL")
}

func TestListPortsNeedsNoBackend(t *testing.T) {
	cfg, err := parse(t, nil, "--list-ports")
	require.NoError(t, err)
	assert.True(t, cfg.ListPorts)
}

func TestParseValidation(t *testing.T) {
	modem := []string{"--modem-port", "/dev/ttyUSB2"}
	sip := []string{"--backend", "sip", "--sip-registrar", "pbx", "--sip-user", "1001"}
	mail := append(append([]string{}, modem...), "--missed-call-email", "me@example.com")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"http port", append(modem, "--http-port", "99999"), "http-port"},
		{"log level", append(modem, "--log-level", "verbose"), "log-level"},
		{"log format", append(modem, "--log-format", "xml"), "log-format"},
		{"modem without port", nil, "modem-port is required"},
		{"modem poll too fast", append(modem, "--modem-poll-interval", "10ms"), "modem-poll-interval"},
		{"unknown backend", []string{"--backend", "isdn"}, "backend must be one of"},
		{"sip without registrar", []string{"--backend", "sip", "--sip-user", "1001"}, "sip-registrar"},
		{"sip without user", []string{"--backend", "sip", "--sip-registrar", "pbx"}, "sip-user"},
		{"sip odd rtp port", append(sip, "--sip-rtp-port", "4001"), "must be even"},
		{"sip bad transport", append(sip, "--sip-transport", "sctp"), "sip-transport"},
		{"sip short expiry", append(sip, "--sip-expiry", "30"), "sip-expiry"},
		{"short pin", append(modem, "--pairing-pin", "12"), "4 to 12 digits"},
		{"non-digit pin", append(modem, "--pairing-pin", "12ab"), "only digits"},
		{"negative retention", append(modem, "--calllog-max-days", "-1"), "calllog-max-days"},
		{"email without smtp", append(mail, "--smtp-from", "line@example.com"), "requires smtp-host"},
		{"email bad tls", append(mail, "--smtp-host", "mail", "--smtp-from", "line@example.com", "--smtp-tls", "ssl3"), "smtp-tls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, nil, tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestMissedCallEmailFromEnvironment(t *testing.T) {
	cfg, err := parse(t, env{
		"FLOWDIAL_MISSED_CALL_EMAIL": "me@example.com",
		"FLOWDIAL_SMTP_HOST":         "mail.example.com",
		"FLOWDIAL_SMTP_FROM":         "line@example.com",
		"FLOWDIAL_SMTP_TLS":          "TLS",
	}, "--modem-port", "/dev/ttyUSB2")
	require.NoError(t, err)

	assert.Equal(t, "me@example.com", cfg.MissedCallEmail)
	assert.Equal(t, "mail.example.com", cfg.SMTPHost)
	assert.Equal(t, "tls", cfg.SMTPTLS)
}

func TestLoadReadsProcessArgs(t *testing.T) {
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })
	os.Args = []string{"flowdial", "--list-ports"}

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.ListPorts)
}

func TestEveryFlagHasAnEnvironmentName(t *testing.T) {
	var cfg Config
	cfg.flagSet().VisitAll(func(f *flag.Flag) {
		name := EnvName(f.Name)
		assert.Regexp(t, `^FLOWDIAL_[A-Z0-9_]+$`, name, f.Name)
	})
	assert.Equal(t, "FLOWDIAL_SIP_RTP_PORT", EnvName("sip-rtp-port"))
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	require.NoError(t, err)
	require.Len(t, key, 32)
	require.Len(t, cfg.JWTSecret, 64, "generated key is kept hex-encoded for persisting")

	again, err := cfg.JWTSecretBytes()
	require.NoError(t, err)
	assert.Equal(t, key, again)

	_, err = (&Config{JWTSecret: "abcd"}).JWTSecretBytes()
	assert.ErrorContains(t, err, "32 bytes")
	_, err = (&Config{JWTSecret: "zz"}).JWTSecretBytes()
	assert.ErrorContains(t, err, "decoding")
}

func TestMediaIP(t *testing.T) {
	assert.Equal(t, "192.0.2.10", (&Config{SIPMediaIP: "192.0.2.10"}).MediaIP())
	assert.NotEmpty(t, (&Config{}).MediaIP())
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		assert.Equal(t, want, (&Config{LogLevel: level}).SlogLevel(), level)
	}
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{CORSOrigins: " https://a.example.com, ,https://b.example.com "}
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOriginList())
	assert.Nil(t, (&Config{}).CORSOriginList())
}
